// Package handlers implements the HTTP endpoints. Handlers are built from
// the app container and return http.HandlerFunc values the router mounts.
package handlers

import (
	"net/http"
	"strings"

	"github.com/epicdev/launchpad/internal/app"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/store/core"
)

// currentUser resolves the caller from the platform session cookie or,
// failing that, from a Bearer access token. Returns nil when anonymous.
func currentUser(c *app.Container, r *http.Request) *core.User {
	if ck, err := r.Cookie(c.Cfg.Session.CookieName); err == nil && ck.Value != "" {
		if u, err := c.Sessions.Resolve(r.Context(), ck.Value); err == nil {
			return u
		}
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	claims, err := c.Tokens.ValidateAccess(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		return nil
	}
	u, err := c.Store.GetUserByID(r.Context(), claims.Subject)
	if err != nil || u.Status != core.StatusActive {
		return nil
	}
	return u
}

// requireAdmin resolves the caller and enforces the admin role. Writes the
// error response itself; callers bail on nil.
func requireAdmin(c *app.Container, w http.ResponseWriter, r *http.Request) *core.User {
	u := currentUser(c, r)
	if u == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
		return nil
	}
	if u.Role != core.RoleAdmin {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "admin role required")
		return nil
	}
	return u
}

// requireCSRF enforces the double-submit check on cookie-authenticated
// mutating requests. Bearer requests skip it; a token in the header is
// already proof the caller is not a cross-site form.
func requireCSRF(c *app.Container, w http.ResponseWriter, r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	ck, err := r.Cookie(c.Cfg.Session.CookieName)
	if err != nil || ck.Value == "" {
		return true // not cookie-authenticated
	}
	if !c.Sessions.VerifyCSRF(r.Context(), ck.Value, r.Header.Get("X-CSRF-Token")) {
		httpx.WriteError(w, http.StatusForbidden, "invalid_csrf", "missing or invalid CSRF token")
		return false
	}
	return true
}

func originIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
