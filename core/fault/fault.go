// Package fault defines the error classes used across the gateway and
// their mapping to HTTP status codes.
//
// Handlers wrap errors into one of the classes below and pass them to
// WriteError; everything that is not classified maps to an internal
// server error with an opaque body.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/errs"
)

// The gateway error classes.
var (
	// Validation marks malformed client input. Maps to 400.
	Validation = errs.Class("validation")
	// Auth marks a missing, invalid or expired credential. Maps to 401.
	Auth = errs.Class("auth")
	// Authorization marks a resource, operation, column or role denial.
	// Maps to 403.
	Authorization = errs.Class("authorization")
	// NotFound marks a missing object. Maps to 404. Unknown resources are
	// deliberately NOT in this class, they map to Authorization so the
	// gateway does not leak which resources exist.
	NotFound = errs.Class("not found")
	// Expired marks use of a transaction id past its lifetime. Maps to 408.
	Expired = errs.Class("expired")
	// RateLimit marks a rejected request over the window budget. Maps to 429.
	RateLimit = errs.Class("rate limit")
	// Upstream marks a failure of the managed store. Maps to 500.
	Upstream = errs.Class("upstream")
)

// ColumnRestrictedError rejects a request that touches columns outside a
// resource's allow-list. Columns holds every offending column.
type ColumnRestrictedError struct {
	Resource string
	Columns  []string
}

func (e *ColumnRestrictedError) Error() string {
	return fmt.Sprintf("columns not permitted on %s: %s", e.Resource, strings.Join(e.Columns, ", "))
}

// MissingRequiredFieldError rejects a request lacking a field the
// operation cannot be translated without.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// HTTPStatus returns the status code for an error according to its class.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Validation.Has(err):
		return http.StatusBadRequest
	case Auth.Has(err):
		return http.StatusUnauthorized
	case Authorization.Has(err):
		return http.StatusForbidden
	case NotFound.Has(err):
		return http.StatusNotFound
	case Expired.Has(err):
		return http.StatusRequestTimeout
	case RateLimit.Has(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-visible message for an error. Internal
// errors are reduced to a fixed string so that store details and
// credentials never leak into a response body.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if HTTPStatus(err) == http.StatusInternalServerError && !Upstream.Has(err) {
		return "internal error"
	}
	return err.Error()
}

// RestrictedColumns unwraps the offending column list, if err carries one.
func RestrictedColumns(err error) ([]string, bool) {
	var cre *ColumnRestrictedError
	if errors.As(err, &cre) {
		return cre.Columns, true
	}
	return nil, false
}
