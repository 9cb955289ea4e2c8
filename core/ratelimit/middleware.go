package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/limen/core/access"
)

// ClientKey identifies the caller for rate limiting, by subject when
// authenticated and by network address otherwise.
func ClientKey(r *http.Request) string {
	if identity := access.IdentityFromContext(r.Context()); identity != nil && identity.Authenticated() {
		return "subject:" + identity.Subject
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return "addr:" + strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// MiddlewareBuilder is the input for NewMiddleware.
type MiddlewareBuilder struct {
	// Limiter does the counting. Required unless Limit disables the
	// middleware.
	Limiter Limiter
	// Limit is the number of requests allowed per caller and window.
	// Non-positive disables the middleware.
	Limit int
}

// NewMiddleware returns a middleware answering callers over their
// budget with status 429 and a Retry-After header. It must be
// installed after the bearer token middleware, otherwise authenticated
// callers are counted by address instead of subject.
func NewMiddleware(b *MiddlewareBuilder) mux.MiddlewareFunc {
	if b.Limit <= 0 {
		return func(h http.Handler) http.Handler { return h }
	}
	if b.Limiter == nil {
		panic("rate limit middleware requires a limiter")
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := b.Limiter.Allow(ClientKey(r), b.Limit)
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfter(decision)))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many requests"}`))
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}
