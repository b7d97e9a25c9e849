// Package router assembles the HTTP surface: public OAuth endpoints,
// session auth, the launcher API, the admin API, and ops endpoints.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epicdev/launchpad/internal/app"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/http/handlers"
)

// New builds the full route tree for the given container.
func New(c *app.Container, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(httpx.WithRecover, httpx.WithRequestID, httpx.WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler {
		return httpx.WithCORS(next, c.Cfg.Server.CORSAllowedOrigins)
	})
	r.Use(httpx.WithLogging)

	metricsHandler := httpx.RegisterMetrics(reg)

	// Ops. No auth; bind behind the internal load balancer.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", handlers.NewReadyzHandler(c))
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	// OAuth2. Token endpoints never cache and carry the redis limiter.
	r.Group(func(r chi.Router) {
		r.Use(httpx.WithNoStore)
		r.Get("/authorize", handlers.NewAuthorizeHandler(c))
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return httpx.WithRateLimit(next, c.TokenLimiter, "token")
			})
			r.Post("/token", handlers.NewTokenHandler(c))
			r.Post("/revoke", handlers.NewRevokeHandler(c))
		})
	})
	r.Get("/.well-known/jwks.json", handlers.NewJWKSHandler(c.Keys))

	// Session auth.
	r.Group(func(r chi.Router) {
		r.Use(httpx.WithNoStore)
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return httpx.WithRateLimit(next, c.LoginLimiter, "login")
			})
			r.Post("/login", handlers.NewLoginHandler(c))
		})
		r.Post("/logout", handlers.NewLogoutHandler(c))
		r.Get("/me", handlers.NewMeHandler(c))
	})

	// Launcher API.
	r.Get("/apps", handlers.NewAppsHandler(c))
	r.Get("/profile", handlers.NewProfileHandler(c))

	// Gateway relay.
	r.HandleFunc("/relay/{upstream}/*", handlers.NewRelayHandler(c))

	// Admin API. Handlers enforce role + CSRF themselves.
	r.Route("/admin", func(r chi.Router) {
		r.Use(httpx.WithNoStore)
		r.HandleFunc("/apps", handlers.NewAdminAppsHandler(c))
		r.HandleFunc("/apps/{id}", handlers.NewAdminAppHandler(c))
		r.Post("/apps/{id}/activate", handlers.NewAdminAppActiveHandler(c, true))
		r.Post("/apps/{id}/deactivate", handlers.NewAdminAppActiveHandler(c, false))
		r.HandleFunc("/apps/{id}/access-rule", handlers.NewAdminRuleHandler(c))
		r.Post("/users", handlers.NewAdminUsersHandler(c))
		r.Post("/users/{id}/role", handlers.NewAdminUserRoleHandler(c))
		r.Post("/users/{id}/status", handlers.NewAdminUserStatusHandler(c))
		r.Post("/users/{id}/logout-all", handlers.NewAdminUserLogoutAllHandler(c))
	})

	return r
}
