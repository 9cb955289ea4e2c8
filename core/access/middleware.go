package access

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/limen/core/logger"
)

// JWTCookieName is the cookie accepted as an alternative to the
// Authorization header, for the benefit of simple frontend development.
const JWTCookieName = "Limen-JWT"

// TokenFromRequest extracts the bearer token from the Authorization
// header or the Limen-JWT cookie. It returns the empty string when the
// request carries no credential.
func TokenFromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(JWTCookieName); cookie != nil {
		return cookie.Value
	}
	return ""
}

// MiddlewareBuilder is a helper builder for the bearer middleware
type MiddlewareBuilder struct {
	// Verifier validates bearer tokens
	Verifier Verifier
	// Roles optionally resolves additional roles for the verified subject
	Roles RoleSource
	// CacheTTL bounds how long a verified token is trusted without
	// re-verification, defaults to one minute
	CacheTTL time.Duration
}

// NewMiddleware returns a middleware handler to verify bearer tokens.
//
// Requests without a credential pass through anonymously. Requests with
// an invalid credential are answered with http.StatusUnauthorized, this
// is a final handler with regards to the bearer token.
func NewMiddleware(b *MiddlewareBuilder) mux.MiddlewareFunc {
	if b.Verifier == nil {
		panic("bearer middleware requires a verifier")
	}
	cacheTTL := b.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Minute
	}
	identityCache := NewIdentityCache(cacheTTL)

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IdentityFromContext(r.Context()) != nil { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := TokenFromRequest(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no identity, moving on
				return
			}

			identity := identityCache.Read(tokenString)
			if identity == nil {
				var err error
				identity, err = b.Verifier.Verify(r.Context(), tokenString)
				if err != nil {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				if b.Roles != nil {
					roles, err := b.Roles.Roles(r.Context(), identity.Subject)
					if err != nil {
						rlog := logger.FromContext(r.Context())
						rlog.WithError(err).Errorf("Error 4723: cannot resolve roles for subject %s", identity.Subject)
						http.Error(w, "Error 4723", http.StatusInternalServerError)
						return
					}
					identity.Roles = mergeRoles(identity.Roles, roles)
				}
				identityCache.Write(tokenString, identity)
			}

			ctx := identity.ContextWithIdentity(r.Context())
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity.Subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func mergeRoles(a, b []string) []string {
	merged := append([]string{}, a...)
	for _, role := range b {
		duplicate := false
		for _, have := range merged {
			if have == role {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, role)
		}
	}
	return merged
}

// HandleIdentityRoute adds a route /auth/identity GET to the router
//
// The route returns the verified identity for the provided bearer token.
func HandleIdentityRoute(router *mux.Router) {
	log.Println("identity")
	log.Println("  handle route: /auth/identity GET")
	router.HandleFunc("/auth/identity", func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(identity, "", " ")
			w.Header().Set("Content-Type", "application/json")
			w.Write(jsonData)
		}
	}).Methods(http.MethodGet)

}
