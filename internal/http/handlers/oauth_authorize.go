package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/flow"
	httpx "github.com/epicdev/launchpad/internal/http"
)

// NewAuthorizeHandler is GET /authorize. On success it 302s back to
// the client with code and state. Protocol errors redirect only after the
// redirect URI itself was validated; anything earlier renders locally so a
// forged redirect_uri never receives traffic.
func NewAuthorizeHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}

		q := r.URL.Query()
		in := flow.AuthorizeInput{
			ResponseType:        q.Get("response_type"),
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			Scope:               q.Get("scope"),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			User:                currentUser(c, r),
		}

		res, err := c.Flow.Authorize(r.Context(), in)
		if err != nil {
			var pe *flow.Error
			if !errors.As(err, &pe) {
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "authorization failed")
				return
			}
			if pe.Code == "login_required" {
				// Send the browser to the platform login, returning here
				// afterwards.
				login := "/login?next=" + url.QueryEscape(r.URL.String())
				http.Redirect(w, r, login, http.StatusFound)
				return
			}
			if pe.Redirectable {
				redirectError(w, r, in.RedirectURI, in.State, pe)
				return
			}
			httpx.WriteError(w, http.StatusBadRequest, pe.Code, pe.Description)
			return
		}

		u, err := url.Parse(res.RedirectURI)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "bad redirect uri")
			return
		}
		qq := u.Query()
		qq.Set("code", res.Code)
		qq.Set("state", res.State)
		u.RawQuery = qq.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
	}
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, pe *flow.Error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, pe.Code, pe.Description)
		return
	}
	q := u.Query()
	q.Set("error", pe.Code)
	if pe.Description != "" {
		q.Set("error_description", pe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
