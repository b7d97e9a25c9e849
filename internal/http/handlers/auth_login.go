package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/epicdev/launchpad/internal/app"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
)

func sameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// setSessionCookies writes the session cookie (HttpOnly) and the CSRF
// cookie (readable by JS for the double-submit header).
func setSessionCookies(c *app.Container, w http.ResponseWriter, sid, csrf string, ttl time.Duration) {
	cfg := c.Cfg.Session
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    sid,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: sameSite(cfg.SameSite),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CSRFCookieName,
		Value:    csrf,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: false,
		Secure:   cfg.Secure,
		SameSite: sameSite(cfg.SameSite),
	})
}

func clearSessionCookies(c *app.Container, w http.ResponseWriter) {
	cfg := c.Cfg.Session
	for _, name := range []string{cfg.CookieName, cfg.CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   cfg.Domain,
			MaxAge:   -1,
			Secure:   cfg.Secure,
			SameSite: sameSite(cfg.SameSite),
		})
	}
}

type userView struct {
	ID    string    `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Role  core.Role `json:"role"`
	Tier  core.Tier `json:"tier"`
}

func viewOf(u *core.User) userView {
	return userView{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, Tier: u.Tier}
}

// NewLoginHandler is POST /login.
func NewLoginHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}

		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !httpx.ReadJSON(w, r, &in) {
			return
		}
		in.Email = strings.TrimSpace(in.Email)
		if in.Email == "" || in.Password == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
			return
		}

		sid, csrf, u, err := c.Sessions.Login(r.Context(), in.Email, in.Password)
		if err != nil {
			if errors.Is(err, session.ErrBadCredentials) {
				httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
				return
			}
			logger.From(r.Context()).Error("login failed", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not sign in")
			return
		}

		ttl := sessionTTL(c)
		setSessionCookies(c, w, sid, csrf, ttl)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"user":       viewOf(u),
			"csrf_token": csrf,
		})
	}
}

// NewLogoutHandler is POST /logout.
func NewLogoutHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}
		if !requireCSRF(c, w, r) {
			return
		}
		if ck, err := r.Cookie(c.Cfg.Session.CookieName); err == nil {
			c.Sessions.Logout(r.Context(), ck.Value)
		}
		clearSessionCookies(c, w)
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewMeHandler is GET /me.
func NewMeHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(c, r)
		if u == nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, viewOf(u))
	}
}

func sessionTTL(c *app.Container) time.Duration {
	if d, err := time.ParseDuration(c.Cfg.Session.TTL); err == nil && d > 0 {
		return d
	}
	return 12 * time.Hour
}
