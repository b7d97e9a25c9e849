package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/audit"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/security/password"
	sectoken "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
)

type adminAppView struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	LogoURL      string   `json:"logo_url,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	Active       bool     `json:"active"`
	Confidential bool     `json:"confidential"`
}

func adminViewOf(a *core.Application) adminAppView {
	return adminAppView{
		ID:           a.ID,
		ClientID:     a.ClientID,
		Name:         a.Name,
		Description:  a.Description,
		LogoURL:      a.LogoURL,
		RedirectURIs: a.RedirectURIs,
		Scopes:       a.Scopes,
		Active:       a.Active,
		Confidential: a.SecretHash != "",
	}
}

type appInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	LogoURL      string   `json:"logo_url"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	Confidential bool     `json:"confidential"`
}

func validateAppInput(in *appInput) string {
	if strings.TrimSpace(in.Name) == "" {
		return "name is required"
	}
	if len(in.RedirectURIs) == 0 {
		return "at least one redirect_uri is required"
	}
	for _, u := range in.RedirectURIs {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://localhost") {
			return "redirect_uris must be https (http://localhost allowed for dev)"
		}
	}
	return ""
}

func recordAudit(c *app.Container, r *http.Request, actor *core.User, typ, target, targetID string, before, after map[string]any) {
	ev := audit.Event(actor.ID, target, targetID, typ)
	ev.Before = before
	ev.After = after
	ev.OriginIP = originIP(r)
	if err := c.Audit.Record(r.Context(), ev); err != nil {
		logger.From(r.Context()).Error("audit record failed", logger.Event(typ), logger.Err(err))
	}
}

// NewAdminAppsHandler serves the application CRUD collection:
// GET /admin/apps, POST /admin/apps.
func NewAdminAppsHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}

		switch r.Method {
		case http.MethodGet:
			apps, err := c.Store.ListApplications(r.Context(), true)
			if err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not list applications")
				return
			}
			out := make([]adminAppView, 0, len(apps))
			for _, a := range apps {
				out = append(out, adminViewOf(a))
			}
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"apps": out})

		case http.MethodPost:
			if !requireCSRF(c, w, r) {
				return
			}
			var in appInput
			if !httpx.ReadJSON(w, r, &in) {
				return
			}
			if msg := validateAppInput(&in); msg != "" {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", msg)
				return
			}

			clientID, err := sectoken.GenerateOpaqueToken(12)
			if err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create application")
				return
			}
			a := &core.Application{
				ClientID:     clientID,
				Name:         in.Name,
				Description:  in.Description,
				LogoURL:      in.LogoURL,
				RedirectURIs: in.RedirectURIs,
				Scopes:       in.Scopes,
				Active:       true,
			}

			// The plaintext secret is returned exactly once.
			var secret string
			if in.Confidential {
				if secret, err = sectoken.GenerateOpaqueToken(32); err != nil {
					httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create application")
					return
				}
				if a.SecretHash, err = password.Hash(password.Default, secret); err != nil {
					httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create application")
					return
				}
			}

			if err := c.Store.CreateApplication(r.Context(), a); err != nil {
				if errors.Is(err, core.ErrConflict) {
					httpx.WriteError(w, http.StatusConflict, "conflict", "client_id already exists")
					return
				}
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create application")
				return
			}

			recordAudit(c, r, actor, core.AuditAppCreated, "app", a.ID, nil, map[string]any{"name": a.Name, "client_id": a.ClientID})

			resp := map[string]any{"app": adminViewOf(a)}
			if secret != "" {
				resp["client_secret"] = secret
			}
			httpx.WriteJSON(w, http.StatusCreated, resp)

		default:
			w.Header().Set("Allow", "GET, POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET/POST only")
		}
	}
}

// NewAdminAppHandler serves a single application:
// GET, PUT, DELETE /admin/apps/{id}, and POST /admin/apps/{id}/activate|deactivate.
func NewAdminAppHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		id := chi.URLParam(r, "id")

		switch r.Method {
		case http.MethodGet:
			a, err := c.Store.GetApplicationByID(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, http.StatusNotFound, "not_found", "no such application")
				return
			}
			httpx.WriteJSON(w, http.StatusOK, adminViewOf(a))

		case http.MethodPut:
			if !requireCSRF(c, w, r) {
				return
			}
			var in appInput
			if !httpx.ReadJSON(w, r, &in) {
				return
			}
			if msg := validateAppInput(&in); msg != "" {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", msg)
				return
			}
			a, err := c.Store.GetApplicationByID(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, http.StatusNotFound, "not_found", "no such application")
				return
			}
			before := map[string]any{"name": a.Name, "redirect_uris": a.RedirectURIs, "scopes": a.Scopes}
			a.Name = in.Name
			a.Description = in.Description
			a.LogoURL = in.LogoURL
			a.RedirectURIs = in.RedirectURIs
			a.Scopes = in.Scopes
			if err := c.Store.UpdateApplication(r.Context(), a); err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not update application")
				return
			}
			c.Registry.InvalidateApp(a.ClientID)
			recordAudit(c, r, actor, core.AuditAppUpdated, "app", a.ID, before,
				map[string]any{"name": a.Name, "redirect_uris": a.RedirectURIs, "scopes": a.Scopes})
			httpx.WriteJSON(w, http.StatusOK, adminViewOf(a))

		case http.MethodDelete:
			if !requireCSRF(c, w, r) {
				return
			}
			a, err := c.Store.SoftDeleteApplication(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, http.StatusNotFound, "not_found", "no such application")
				return
			}
			c.Registry.InvalidateApp(a.ClientID)
			c.Registry.InvalidateRule(a.ID)
			recordAudit(c, r, actor, core.AuditAppDeleted, "app", a.ID, map[string]any{"name": a.Name}, nil)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET/PUT/DELETE only")
		}
	}
}

// NewAdminAppActiveHandler is POST /admin/apps/{id}/activate and
// POST /admin/apps/{id}/deactivate.
func NewAdminAppActiveHandler(c *app.Container, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}
		id := chi.URLParam(r, "id")

		a, err := c.Store.SetApplicationActive(r.Context(), id, active)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "no such application")
			return
		}
		c.Registry.InvalidateApp(a.ClientID)

		typ := core.AuditAppDeactivated
		if active {
			typ = core.AuditAppActivated
		}
		recordAudit(c, r, actor, typ, "app", a.ID, nil, map[string]any{"active": active})
		httpx.WriteJSON(w, http.StatusOK, adminViewOf(a))
	}
}
