package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/store/core"
)

func (f *fixture) adminDo(t *testing.T, login loginResult, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(login.sessionCookie)
	req.Header.Set("X-CSRF-Token", login.csrfToken)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	login := f.login(t, "dana@corp.internal")

	rr := f.adminDo(t, login, http.MethodGet, "/admin/apps", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminCreateConfidentialApp(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	login := f.login(t, "root@corp.internal")

	rr := f.adminDo(t, login, http.MethodPost, "/admin/apps", map[string]any{
		"name":          "Finance",
		"redirect_uris": []string{"https://finance.internal/callback"},
		"scopes":        []string{"openid"},
		"confidential":  true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var out struct {
		App struct {
			ID           string `json:"id"`
			ClientID     string `json:"client_id"`
			Confidential bool   `json:"confidential"`
		} `json:"app"`
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.NotEmpty(t, out.App.ClientID)
	assert.True(t, out.App.Confidential)
	require.NotEmpty(t, out.ClientSecret, "the plaintext secret is returned exactly once")

	a, err := f.st.GetApplicationByID(context.Background(), out.App.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, a.SecretHash)
	assert.NotEqual(t, out.ClientSecret, a.SecretHash)
}

func TestAdminRejectsNonHTTPSRedirect(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	login := f.login(t, "root@corp.internal")

	rr := f.adminDo(t, login, http.MethodPost, "/admin/apps", map[string]any{
		"name":          "Sketchy",
		"redirect_uris": []string{"http://evil.example/cb"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminAccessRuleLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	a := f.seedApp(t, "Finance")
	login := f.login(t, "root@corp.internal")

	// No rule yet: GET reports the default allow-all.
	rr := f.adminDo(t, login, http.MethodGet, "/admin/apps/"+a.ID+"/access-rule", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "all_users")

	// The legacy mode alias is accepted on the wire.
	rr = f.adminDo(t, login, http.MethodPut, "/admin/apps/"+a.ID+"/access-rule", map[string]any{
		"mode":  "subscription_based",
		"tiers": []string{"pro", "enterprise"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "subscription_tier")

	// Mode/operand mismatch is rejected at the boundary.
	rr = f.adminDo(t, login, http.MethodPut, "/admin/apps/"+a.ID+"/access-rule", map[string]any{
		"mode":     "all_users",
		"user_ids": []string{"u1"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.adminDo(t, login, http.MethodDelete, "/admin/apps/"+a.ID+"/access-rule", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rule, err := f.st.GetAccessRule(context.Background(), a.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Nil(t, rule)
}

func TestAdminRuleChangeVisibleImmediately(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierFree)
	a := f.seedApp(t, "Finance")

	admin := f.login(t, "root@corp.internal")
	dana := f.login(t, "dana@corp.internal")

	launcher := func() string {
		req := httptest.NewRequest(http.MethodGet, "/apps", nil)
		req.AddCookie(dana.sessionCookie)
		rr := httptest.NewRecorder()
		f.h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		return rr.Body.String()
	}

	// Warm the registry cache, then restrict.
	assert.Contains(t, launcher(), "Finance")

	rr := f.adminDo(t, admin, http.MethodPut, "/admin/apps/"+a.ID+"/access-rule", map[string]any{
		"mode":  "subscription_tier",
		"tiers": []string{"enterprise"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// Synchronous invalidation: no TTL wait.
	assert.NotContains(t, launcher(), "Finance")
}

func TestAdminRoleChangeKillsTargetSession(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	target := f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)

	admin := f.login(t, "root@corp.internal")
	dana := f.login(t, "dana@corp.internal")

	rr := f.adminDo(t, admin, http.MethodPost, "/admin/users/"+target.ID+"/role",
		map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// The target's pre-change web session is dead.
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(dana.sessionCookie)
	me := httptest.NewRecorder()
	f.h.ServeHTTP(me, req)
	assert.Equal(t, http.StatusUnauthorized, me.Code)
}

func TestAdminSelfChangeRejected(t *testing.T) {
	f := newFixture(t)
	admin := f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	login := f.login(t, "root@corp.internal")

	rr := f.adminDo(t, login, http.MethodPost, "/admin/users/"+admin.ID+"/status",
		map[string]string{"status": "suspended"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAdminSuspendBlocksOAuth(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	target := f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)
	admin := f.login(t, "root@corp.internal")

	rr := f.adminDo(t, admin, http.MethodPost, "/admin/users/"+target.ID+"/status",
		map[string]string{"status": "suspended"})
	require.Equal(t, http.StatusOK, rr.Code)

	// A suspended user cannot sign in at all.
	body, _ := json.Marshal(map[string]string{"email": "dana@corp.internal", "password": testPassword})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	lr := httptest.NewRecorder()
	f.h.ServeHTTP(lr, req)
	assert.Equal(t, http.StatusUnauthorized, lr.Code)
}

func TestAdminLogoutAll(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "root@corp.internal", core.RoleAdmin, core.TierEnterprise)
	target := f.seedUser(t, "dana@corp.internal", core.RoleUser, core.TierPro)

	admin := f.login(t, "root@corp.internal")
	dana := f.login(t, "dana@corp.internal")

	rr := f.adminDo(t, admin, http.MethodPost, "/admin/users/"+target.ID+"/logout-all", nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(dana.sessionCookie)
	me := httptest.NewRecorder()
	f.h.ServeHTTP(me, req)
	assert.Equal(t, http.StatusUnauthorized, me.Code)

	// The account itself is untouched.
	u, err := f.st.GetUserByID(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, u.Status)
}
