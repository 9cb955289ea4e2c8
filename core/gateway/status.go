package gateway

import (
	"net/http"

	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/pointers"
)

type statusResponse struct {
	Status       string   `json:"status"`
	Resources    []string `json:"resources"`
	Transactions int      `json:"transactions"`
	RateLimit    int      `json:"rateLimit,omitempty"`
	Sessions     *int     `json:"sessions,omitempty"`
	Interests    []string `json:"interests,omitempty"`
}

// health reports whether the store answers. It is deliberately open,
// load balancers and uptime probes do not authenticate.
func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	if err := g.db.PingContext(r.Context()); err != nil {
		WriteError(w, r, fault.Upstream.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status reports the service figures, admins only.
func (g *Gateway) status(w http.ResponseWriter, r *http.Request) {
	identity := access.IdentityFromContext(r.Context())
	if !identity.Authenticated() {
		WriteError(w, r, fault.Auth.New("authentication required"))
		return
	}
	if !identity.HasRole(access.AdminRole) {
		WriteError(w, r, fault.Authorization.New("role '%s' required", access.AdminRole))
		return
	}
	status := statusResponse{
		Status:       "ok",
		Resources:    g.rules.Resources(),
		Transactions: g.coordinator.Count(),
		RateLimit:    g.rateLimit,
	}
	if g.hub != nil {
		status.Sessions = pointers.IntPtr(g.hub.Count())
		status.Interests = g.hub.Interests()
	}
	writeJSON(w, http.StatusOK, status)
}
