package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/config"
	"github.com/epicdev/launchpad/internal/store/core"
)

func TestRelayForwardsEverySetCookieHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An auth response typically carries several cookies at once.
		w.Header().Add("Set-Cookie", "app_session=abc; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "app_csrf=; Path=/; Max-Age=0")
		w.Header().Add("Set-Cookie", "app_state=; Path=/; Max-Age=0")
		w.Header().Set("X-Upstream", "wiki")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Relay.Upstreams = []config.UpstreamConfig{{Name: "wiki", BaseURL: upstream.URL}}
	})
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	login := f.login(t, "dana@corp.internal")

	req := httptest.NewRequest(http.MethodGet, "/relay/wiki/session/start", nil)
	req.AddCookie(login.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cookies := rr.Header().Values("Set-Cookie")
	require.Len(t, cookies, 3, "every Set-Cookie header must survive the relay")
	assert.Contains(t, cookies[0], "app_session=abc")
	assert.Contains(t, cookies[1], "app_csrf=")
	assert.Contains(t, cookies[2], "app_state=")
	assert.Equal(t, "wiki", rr.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
}

func TestRelayRequiresAuth(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Relay.Upstreams = []config.UpstreamConfig{{Name: "wiki", BaseURL: "http://127.0.0.1:1"}}
	})
	req := httptest.NewRequest(http.MethodGet, "/relay/wiki/anything", nil)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRelayUnknownUpstream(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	login := f.login(t, "dana@corp.internal")

	req := httptest.NewRequest(http.MethodGet, "/relay/nope/x", nil)
	req.AddCookie(login.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
