package handlers

import (
	"net/http"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/authz"
	"github.com/epicdev/launchpad/internal/dualstore"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/observability/logger"
)

type appView struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// NewAppsHandler is GET /apps: the signed-in user's launchable set,
// filtered through the access evaluator. An unreadable rule hides the app
// rather than exposing it.
func NewAppsHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(c, r)
		if u == nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
			return
		}

		apps, err := c.Store.ListApplications(r.Context(), false)
		if err != nil {
			logger.From(r.Context()).Error("list applications failed", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not list applications")
			return
		}

		out := make([]appView, 0, len(apps))
		for _, a := range apps {
			rule, err := c.Registry.GetAccessRule(r.Context(), a.ID)
			if err != nil {
				logger.From(r.Context()).Warn("access rule unavailable, hiding app",
					logger.AppID(a.ID), logger.Err(err))
				continue
			}
			if authz.Evaluate(u, a, rule) != authz.Allow {
				continue
			}
			out = append(out, appView{
				ClientID:    a.ClientID,
				Name:        a.Name,
				Description: a.Description,
				LogoURL:     a.LogoURL,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"apps": out})
	}
}

// NewProfileHandler is GET /profile: the denormalized profile, read from
// the secondary store when it has a fresh copy, otherwise straight from
// the caller's primary record.
func NewProfileHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(c, r)
		if u == nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
			return
		}
		if c.Secondary != nil {
			if p, err := dualstore.GetProfile(r.Context(), c.Secondary, u.ID); err == nil {
				httpx.WriteJSON(w, http.StatusOK, p)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, dualstore.Profile{
			UserID: u.ID,
			Email:  u.Email,
			Name:   u.Name,
			Role:   u.Role,
			Tier:   u.Tier,
		})
	}
}
