package handlers

import (
	"errors"
	"net/http"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/flow"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/security/password"
	"github.com/epicdev/launchpad/internal/token"
)

// NewTokenHandler is POST /token, multiplexing on grant_type:
// authorization_code and refresh_token. Form-encoded per OAuth2.
func NewTokenHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
			return
		}

		clientID, clientSecret := clientCredentials(r)

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			pair, err := c.Flow.Exchange(r.Context(), flow.ExchangeInput{
				Code:         r.PostForm.Get("code"),
				RedirectURI:  r.PostForm.Get("redirect_uri"),
				ClientID:     clientID,
				ClientSecret: clientSecret,
				CodeVerifier: r.PostForm.Get("code_verifier"),
			})
			if err != nil {
				writeFlowError(w, err)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, pair)

		case "refresh_token":
			if !verifyClient(c, w, r, clientID, clientSecret) {
				return
			}
			pair, err := c.Tokens.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
			if err != nil {
				// Replay, revocation and expiry all collapse into the same
				// answer; the caller learns nothing about why.
				httpx.WriteError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
				return
			}
			httpx.WriteJSON(w, http.StatusOK, pair)

		default:
			httpx.WriteError(w, http.StatusBadRequest, "unsupported_grant_type", "authorization_code and refresh_token only")
		}
	}
}

// NewRevokeHandler is POST /revoke (RFC 7009 shape). Always 200 on
// well-formed requests, even for unknown tokens.
func NewRevokeHandler(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}
		if err := r.ParseForm(); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
			return
		}
		clientID, clientSecret := clientCredentials(r)
		if !verifyClient(c, w, r, clientID, clientSecret) {
			return
		}
		if tok := r.PostForm.Get("token"); tok != "" {
			_ = c.Tokens.RevokeToken(r.Context(), tok)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func verifyClient(c *app.Container, w http.ResponseWriter, r *http.Request, clientID, clientSecret string) bool {
	if clientID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_client", "client_id is required")
		return false
	}
	app, err := c.Registry.GetApplicationByClientID(r.Context(), clientID)
	if err != nil || !app.Launchable() {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return false
	}
	if app.SecretHash != "" && !password.Verify(clientSecret, app.SecretHash) {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_client", "bad client credentials")
		return false
	}
	return true
}

func writeFlowError(w http.ResponseWriter, err error) {
	var pe *flow.Error
	if errors.As(err, &pe) {
		status := http.StatusBadRequest
		if pe.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		httpx.WriteError(w, status, pe.Code, pe.Description)
		return
	}
	if errors.Is(err, token.ErrInvalidGrant) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_grant", "grant is invalid")
		return
	}
	httpx.WriteError(w, http.StatusInternalServerError, "server_error", "token request failed")
}
