package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/epicdev/launchpad/internal/app"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/store/core"
)

type ruleInput struct {
	Mode    string   `json:"mode"`
	UserIDs []string `json:"user_ids"`
	Tiers   []string `json:"tiers"`
}

type ruleView struct {
	AppID   string   `json:"app_id"`
	Mode    string   `json:"mode"`
	UserIDs []string `json:"user_ids,omitempty"`
	Tiers   []string `json:"tiers,omitempty"`
}

func ruleViewOf(rule *core.AccessRule) ruleView {
	v := ruleView{AppID: rule.AppID, Mode: string(rule.Mode), UserIDs: rule.UserIDs}
	for _, t := range rule.Tiers {
		v.Tiers = append(v.Tiers, string(t))
	}
	return v
}

// NewAdminRuleHandler serves GET/PUT/DELETE /admin/apps/{id}/access-rule.
// Rule writes invalidate the registry cache before responding, so the
// admin's next evaluation sees the new rule.
func NewAdminRuleHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		id := chi.URLParam(r, "id")

		a, err := c.Store.GetApplicationByID(r.Context(), id)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "no such application")
			return
		}

		switch r.Method {
		case http.MethodGet:
			rule, err := c.Store.GetAccessRule(r.Context(), a.ID)
			if errors.Is(err, core.ErrNotFound) {
				httpx.WriteJSON(w, http.StatusOK, ruleView{AppID: a.ID, Mode: string(core.ModeAllUsers)})
				return
			}
			if err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not load access rule")
				return
			}
			httpx.WriteJSON(w, http.StatusOK, ruleViewOf(rule))

		case http.MethodPut:
			if !requireCSRF(c, w, r) {
				return
			}
			var in ruleInput
			if !httpx.ReadJSON(w, r, &in) {
				return
			}
			mode, err := core.ParseAccessMode(in.Mode)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			rule := &core.AccessRule{AppID: a.ID, Mode: mode, UserIDs: in.UserIDs, UpdatedBy: actor.ID}
			for _, t := range in.Tiers {
				tier, err := core.ParseTier(t)
				if err != nil {
					httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
					return
				}
				rule.Tiers = append(rule.Tiers, tier)
			}
			prev, _ := c.Store.GetAccessRule(r.Context(), a.ID)

			saved, err := c.Store.UpsertAccessRule(r.Context(), rule)
			if err != nil {
				if errors.Is(err, core.ErrInvalid) {
					httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
					return
				}
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not save access rule")
				return
			}
			c.Registry.InvalidateRule(a.ID)

			var before map[string]any
			if prev != nil {
				before = map[string]any{"mode": prev.Mode, "user_ids": prev.UserIDs, "tiers": prev.Tiers}
			}
			recordAudit(c, r, actor, core.AuditAccessModified, "app", a.ID, before,
				map[string]any{"mode": saved.Mode, "user_ids": saved.UserIDs, "tiers": saved.Tiers})
			httpx.WriteJSON(w, http.StatusOK, ruleViewOf(saved))

		case http.MethodDelete:
			if !requireCSRF(c, w, r) {
				return
			}
			prev, _ := c.Store.GetAccessRule(r.Context(), a.ID)
			if err := c.Store.DeleteAccessRule(r.Context(), a.ID); err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not delete access rule")
				return
			}
			c.Registry.InvalidateRule(a.ID)
			var before map[string]any
			if prev != nil {
				before = map[string]any{"mode": prev.Mode, "user_ids": prev.UserIDs, "tiers": prev.Tiers}
			}
			recordAudit(c, r, actor, core.AuditAccessModified, "app", a.ID, before,
				map[string]any{"mode": core.ModeAllUsers})
			w.WriteHeader(http.StatusNoContent)

		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET/PUT/DELETE only")
		}
	}
}
