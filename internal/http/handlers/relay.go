package handlers

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/config"
	httpx "github.com/epicdev/launchpad/internal/http"
	"github.com/epicdev/launchpad/internal/observability/logger"
)

// Headers that belong to the connection, not the message. Never forwarded
// in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// NewRelayHandler proxies /relay/{upstream}/* to a configured upstream
// base URL. The caller must hold a valid platform session or access
// token. Upstream responses pass through header-faithfully: in
// particular every Set-Cookie header is forwarded as its own header
// line, because upstream auth responses routinely carry several
// (session, csrf-clear, state-clear) and collapsing them drops all but
// the first.
func NewRelayHandler(c *app.Container) http.HandlerFunc {
	byName := make(map[string]config.UpstreamConfig, len(c.Cfg.Relay.Upstreams))
	for _, u := range c.Cfg.Relay.Upstreams {
		byName[u.Name] = u
	}
	client := &http.Client{
		Timeout: 30 * time.Second,
		// Redirects come back to the browser untouched; following them
		// here would rewrite upstream Location semantics.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(c, r)
		if u == nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "sign in to use the gateway")
			return
		}

		up, ok := byName[chi.URLParam(r, "upstream")]
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "no such upstream")
			return
		}
		base, err := url.Parse(up.BaseURL)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "upstream misconfigured")
			return
		}

		rest := chi.URLParam(r, "*")
		target := *base
		target.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(rest, "/")
		target.RawQuery = r.URL.RawQuery

		out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not build upstream request")
			return
		}
		for name, vals := range r.Header {
			if hopHeaders[name] || name == "Cookie" || name == "Authorization" {
				continue
			}
			for _, v := range vals {
				out.Header.Add(name, v)
			}
		}
		out.Header.Set("X-Forwarded-For", originIP(r))
		out.Header.Set("X-Forwarded-User", u.ID)
		out.Header.Set("X-Forwarded-Email", u.Email)

		resp, err := client.Do(out)
		if err != nil {
			logger.From(r.Context()).Warn("relay upstream failed",
				logger.String("upstream", up.Name), logger.Err(err))
			httpx.WriteError(w, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
			return
		}
		defer resp.Body.Close()

		h := w.Header()
		for name, vals := range resp.Header {
			if hopHeaders[name] || name == "Set-Cookie" {
				continue
			}
			for _, v := range vals {
				h.Add(name, v)
			}
		}
		// One Add per cookie. A single Get/Set round trip here would
		// keep only the first cookie and break upstream logins.
		for _, sc := range resp.Header.Values("Set-Cookie") {
			h.Add("Set-Cookie", sc)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.From(r.Context()).Warn("relay body copy interrupted",
				logger.String("upstream", up.Name), logger.Err(err))
		}
	}
}
