package gateway

import (
	"context"
	"net/http"

	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/txn"
)

type transactionResponse struct {
	TransactionID string `json:"transactionId"`
}

// transactionStart opens a store transaction and returns its id. The
// id goes into the X-Transaction-Id header of subsequent operation
// requests; ownership scoping of those requests follows the subject
// recorded here, not whoever presents the id later.
func (g *Gateway) transactionStart(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if identity := access.IdentityFromContext(r.Context()); identity != nil {
		subject = identity.Subject
	}
	id, err := g.coordinator.Begin(r.Context(), subject)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set(txn.HeaderTransactionID, id)
	writeJSON(w, http.StatusOK, transactionResponse{TransactionID: id})
}

func (g *Gateway) transactionCommit(w http.ResponseWriter, r *http.Request) {
	g.transactionEnd(w, r, g.coordinator.Commit)
}

func (g *Gateway) transactionRollback(w http.ResponseWriter, r *http.Request) {
	g.transactionEnd(w, r, g.coordinator.Rollback)
}

func (g *Gateway) transactionEnd(w http.ResponseWriter, r *http.Request, end func(context.Context, string) error) {
	id := r.Header.Get(txn.HeaderTransactionID)
	if id == "" {
		WriteError(w, r, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: txn.HeaderTransactionID}))
		return
	}
	if err := end(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{TransactionID: id})
}
