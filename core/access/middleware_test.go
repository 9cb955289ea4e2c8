package access

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func middlewareRouter(t *testing.T) *mux.Router {
	router := mux.NewRouter()
	router.Use(NewMiddleware(&MiddlewareBuilder{
		Verifier: StaticVerifier{
			"beekeeper-token": Identity{Subject: "u1"},
		},
		Roles: StaticRoles{
			"u1": {"beekeeper"},
		},
	}))
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil {
			w.Write([]byte("anonymous"))
			return
		}
		w.Write([]byte(identity.Subject))
	}).Methods(http.MethodGet)
	HandleIdentityRoute(router)
	return router
}

func TestMiddleware_AnonymousPassesThrough(t *testing.T) {
	router := middlewareRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())
}

func TestMiddleware_VerifiesAndMergesRoles(t *testing.T) {
	router := middlewareRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/identity", nil)
	r.Header.Set("Authorization", "Bearer beekeeper-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"u1"`)
	assert.Contains(t, w.Body.String(), "beekeeper")
}

func TestMiddleware_InvalidTokenIsFinal(t *testing.T) {
	router := middlewareRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer forged")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_CookieAccepted(t *testing.T) {
	router := middlewareRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.AddCookie(&http.Cookie{Name: JWTCookieName, Value: "beekeeper-token"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}

func TestMiddleware_IdentityRouteAnonymous(t *testing.T) {
	router := middlewareRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/identity", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r))

	// raw tokens without the bearer scheme are accepted as-is
	r.Header.Set("Authorization", "rawtoken")
	assert.Equal(t, "rawtoken", TokenFromRequest(r))

	// some frontends serialize a missing token as the string "null"
	r.Header.Set("Authorization", "null")
	assert.Equal(t, "", TokenFromRequest(r))
}
