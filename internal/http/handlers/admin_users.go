package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/audit"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/security/password"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
)

type createUserInput struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Tier     string `json:"tier"`
}

// NewAdminUsersHandler is POST /admin/users: provision an account.
func NewAdminUsersHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}

		var in createUserInput
		if !httpx.ReadJSON(w, r, &in) {
			return
		}
		in.Email = strings.ToLower(strings.TrimSpace(in.Email))
		if in.Email == "" || !strings.Contains(in.Email, "@") {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
			return
		}
		if len(in.Password) < 12 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "password must be at least 12 characters")
			return
		}
		role := core.RoleUser
		if in.Role != "" {
			var err error
			if role, err = core.ParseRole(in.Role); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}
		tier := core.TierFree
		if in.Tier != "" {
			var err error
			if tier, err = core.ParseTier(in.Tier); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}

		phc, err := password.Hash(password.Default, in.Password)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create user")
			return
		}
		u := &core.User{
			Email:        in.Email,
			Name:         in.Name,
			Role:         role,
			Status:       core.StatusActive,
			Tier:         tier,
			PasswordHash: &phc,
		}
		if err := c.Store.CreateUser(r.Context(), u); err != nil {
			if errors.Is(err, core.ErrConflict) {
				httpx.WriteError(w, http.StatusConflict, "conflict", "email already registered")
				return
			}
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not create user")
			return
		}

		recordAudit(c, r, actor, core.AuditUserCreated, "user", u.ID, nil,
			map[string]any{"email": u.Email, "role": u.Role, "tier": u.Tier})
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": viewOf(u)})
	}
}

// NewAdminUserRoleHandler is POST /admin/users/{id}/role. The change runs
// through the broadcaster, so every live session and token of the target
// dies in the same transaction.
func NewAdminUserRoleHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}
		var in struct {
			Role string `json:"role"`
		}
		if !httpx.ReadJSON(w, r, &in) {
			return
		}
		role, err := core.ParseRole(in.Role)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		u, err := c.Bcast.ChangeRole(r.Context(), actor, chi.URLParam(r, "id"), role)
		if err != nil {
			writeBroadcastError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": viewOf(u)})
	}
}

// NewAdminUserStatusHandler is POST /admin/users/{id}/status.
func NewAdminUserStatusHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}
		var in struct {
			Status string `json:"status"`
		}
		if !httpx.ReadJSON(w, r, &in) {
			return
		}
		status, err := core.ParseStatus(in.Status)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		u, err := c.Bcast.ChangeStatus(r.Context(), actor, chi.URLParam(r, "id"), status)
		if err != nil {
			writeBroadcastError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": viewOf(u)})
	}
}

// NewAdminUserLogoutAllHandler is POST /admin/users/{id}/logout-all: bumps
// the target's trust epoch without touching role or status.
func NewAdminUserLogoutAllHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := requireAdmin(c, w, r)
		if actor == nil {
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := c.Bcast.InvalidateAllSessions(r.Context(), actor, id); err != nil {
			writeBroadcastError(w, err)
			return
		}
		ev := audit.Event(actor.ID, "user", id, core.AuditSessionsRevoked)
		ev.OriginIP = originIP(r)
		_ = c.Audit.Record(r.Context(), ev)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeBroadcastError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSelfChange):
		httpx.WriteError(w, http.StatusConflict, "self_change", "cannot change your own account")
	case errors.Is(err, core.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "no such user")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not apply change")
	}
}
