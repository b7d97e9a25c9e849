package handlers

import (
	"net/http"

	"github.com/epicdev/launchpad/internal/app"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/token"
)

// NewJWKSHandler is GET /.well-known/jwks.json. Every key in the ring is
// published so tokens signed before a rotation keep verifying.
func NewJWKSHandler(keys *token.Keyring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET/HEAD only")
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(keys.JWKSJSON())
	}
}

// NewReadyzHandler reports dependency health.
func NewReadyzHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"store": "ok", "cache": "ok"}
		code := http.StatusOK

		if err := c.Store.Ping(r.Context()); err != nil {
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := c.Vault.Ping(r.Context()); err != nil {
			status["cache"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if c.Secondary != nil {
			status["secondary"] = "ok"
			if err := c.Secondary.Ping(r.Context()); err != nil {
				// Secondary is best effort; degraded, not down.
				status["secondary"] = "degraded: " + err.Error()
			}
		}
		httpx.WriteJSON(w, code, status)
	}
}
