package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/app"
	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/config"
	"github.com/epicdev/launchpad/internal/flow"
	"github.com/epicdev/launchpad/internal/http/router"
	"github.com/epicdev/launchpad/internal/rate"
	"github.com/epicdev/launchpad/internal/registry"
	"github.com/epicdev/launchpad/internal/security/password"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
	"github.com/epicdev/launchpad/internal/token"
)

// Verifier/challenge pair from RFC 7636 appendix B.
const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testPassword  = "hunter22hunter22"
)

var cheapHash = password.Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, KeyLen: 32}

type fixture struct {
	c  *app.Container
	h  http.Handler
	st *memory.Store
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	for _, fn := range mutate {
		fn(cfg)
	}

	st := memory.New()
	vault := cache.NewMemory("")

	key, err := token.GenerateKey("test-1")
	require.NoError(t, err)
	ring, err := token.NewKeyring(key)
	require.NoError(t, err)

	rec := audit.NewOutboxRecorder(st)
	tokens := token.NewService(st, token.NewIssuer("https://sso.internal", ring, 15*time.Minute), rec, 7*24*time.Hour, 0)
	reg := registry.New(st, time.Minute)

	c := &app.Container{
		Cfg:          cfg,
		Store:        st,
		Vault:        vault,
		Registry:     reg,
		Flow:         flow.NewService(reg, st, vault, tokens, time.Minute, 10*time.Minute),
		Tokens:       tokens,
		Keys:         ring,
		Sessions:     session.NewManager(st, vault, time.Hour),
		Bcast:        session.NewBroadcaster(st, tokens, nil),
		Audit:        rec,
		LoginLimiter: rate.AllowAll{},
		TokenLimiter: rate.AllowAll{},
	}
	return &fixture{c: c, h: router.New(c, prometheus.NewRegistry()), st: st}
}

func (f *fixture) seedUser(t *testing.T, email string, role core.Role, tier core.Tier) *core.User {
	t.Helper()
	phc, err := password.Hash(cheapHash, testPassword)
	require.NoError(t, err)
	u := &core.User{
		Email:        email,
		Name:         "Test User",
		Role:         role,
		Status:       core.StatusActive,
		Tier:         tier,
		PasswordHash: &phc,
	}
	require.NoError(t, f.st.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) seedApp(t *testing.T, name string) *core.Application {
	t.Helper()
	a := &core.Application{
		ClientID:     "client-" + strings.ToLower(name),
		Name:         name,
		RedirectURIs: []string{"https://" + strings.ToLower(name) + ".internal/callback"},
		Scopes:       []string{"openid", "profile"},
		Active:       true,
	}
	require.NoError(t, f.st.CreateApplication(context.Background(), a))
	return a
}

type loginResult struct {
	sessionCookie *http.Cookie
	csrfCookie    *http.Cookie
	csrfToken     string
}

func (f *fixture) login(t *testing.T, email string) loginResult {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": testPassword})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out struct {
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))

	res := loginResult{csrfToken: out.CSRFToken}
	for _, ck := range rr.Result().Cookies() {
		switch ck.Name {
		case f.c.Cfg.Session.CookieName:
			res.sessionCookie = ck
		case f.c.Cfg.Session.CSRFCookieName:
			res.csrfCookie = ck
		}
	}
	require.NotNil(t, res.sessionCookie)
	require.NotNil(t, res.csrfCookie)
	return res
}

func TestLoginSetsBothCookies(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)

	res := f.login(t, "dana@corp.internal")
	assert.True(t, res.sessionCookie.HttpOnly, "session cookie must be HttpOnly")
	assert.False(t, res.csrfCookie.HttpOnly, "csrf cookie must be readable by the SPA")
	assert.Equal(t, res.csrfCookie.Value, res.csrfToken)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(res.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dana@corp.internal")
}

func TestLoginBadPassword(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)

	body, _ := json.Marshal(map[string]string{"email": "dana@corp.internal", "password": "wrong-wrong-wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogoutClearsCookiesAndNeedsCSRF(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	res := f.login(t, "dana@corp.internal")

	// Without the CSRF header a cookie-authenticated logout is refused.
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(res.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(res.sessionCookie)
	req.Header.Set("X-CSRF-Token", res.csrfToken)
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	cleared := 0
	for _, ck := range rr.Result().Cookies() {
		if ck.MaxAge < 0 {
			cleared++
		}
	}
	assert.Equal(t, 2, cleared, "both cookies must be expired")

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(res.sessionCookie)
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthorizeAnonymousRedirectsToLogin(t *testing.T) {
	f := newFixture(t)
	a := f.seedApp(t, "Wiki")

	target := "/authorize?response_type=code&client_id=" + a.ClientID +
		"&redirect_uri=" + url.QueryEscape(a.RedirectURIs[0]) +
		"&state=xyz&code_challenge=" + testChallenge + "&code_challenge_method=S256"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	loc := rr.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/login?next="), loc)
}

func TestOAuthEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	a := f.seedApp(t, "Wiki")
	login := f.login(t, "dana@corp.internal")

	// Authorize.
	target := "/authorize?response_type=code&client_id=" + a.ClientID +
		"&redirect_uri=" + url.QueryEscape(a.RedirectURIs[0]) +
		"&scope=openid&state=xyz" +
		"&code_challenge=" + testChallenge + "&code_challenge_method=S256"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(login.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), a.RedirectURIs[0]), loc.String())
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	// Exchange.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.RedirectURIs[0]},
		"client_id":     {a.ClientID},
		"code_verifier": {testVerifier},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var pair struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pair))
	assert.Equal(t, "Bearer", pair.TokenType)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	// The access token authenticates API calls.
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// Rotate.
	form = url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair.RefreshToken},
		"client_id":     {a.ClientID},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Replaying the consumed refresh token is a uniform invalid_grant.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid_grant")
}

func TestTokenCodeReplayBurns(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	a := f.seedApp(t, "Wiki")
	login := f.login(t, "dana@corp.internal")

	target := "/authorize?response_type=code&client_id=" + a.ClientID +
		"&redirect_uri=" + url.QueryEscape(a.RedirectURIs[0]) +
		"&state=s1&code_challenge=" + testChallenge + "&code_challenge_method=S256"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(login.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)
	loc, _ := url.Parse(rr.Header().Get("Location"))
	code := loc.Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.RedirectURIs[0]},
		"client_id":     {a.ClientID},
		"code_verifier": {testVerifier},
	}
	exchange := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		f.h.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusOK, exchange().Code)
	assert.Equal(t, http.StatusBadRequest, exchange().Code, "second use of the code must fail")
}

func TestJWKSServed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "OKP", doc.Keys[0]["kty"])
	assert.Equal(t, "test-1", doc.Keys[0]["kid"])
}

func TestAppsListFilteredByAccessRule(t *testing.T) {
	f := newFixture(t)
	dana := f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierFree)
	f.seedApp(t, "Wiki")
	restricted := f.seedApp(t, "Finance")

	_, err := f.st.UpsertAccessRule(context.Background(), &core.AccessRule{
		AppID:   restricted.ID,
		Mode:    core.ModeOnlySpecified,
		UserIDs: []string{"somebody-else"},
	})
	require.NoError(t, err)
	_ = dana

	login := f.login(t, "dana@corp.internal")
	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	req.AddCookie(login.sessionCookie)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "Wiki")
	assert.NotContains(t, body, "Finance")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
