package token

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/audit"
	tokens "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
)

func hashOf(plain string) string { return tokens.SHA256Base64URL(plain) }

func newFixture(t *testing.T) (*memory.Store, *Service, *core.User, *core.Application) {
	t.Helper()

	key, err := GenerateKey("test-1")
	require.NoError(t, err)
	ring, err := NewKeyring(key)
	require.NoError(t, err)
	issuer := NewIssuer("https://sso.internal", ring, 15*time.Minute)

	st := memory.New()
	svc := NewService(st, issuer, audit.NewOutboxRecorder(st), 7*24*time.Hour, time.Minute)

	u := &core.User{
		Email:  "dev@example.com",
		Name:   "Dev",
		Role:   core.RoleUser,
		Status: core.StatusActive,
		Tier:   core.TierFree,
	}
	require.NoError(t, st.CreateUser(context.Background(), u))

	app := &core.Application{
		ClientID:     "wiki",
		Name:         "Wiki",
		RedirectURIs: []string{"https://wiki.internal/callback"},
		Scopes:       []string{"openid", "profile"},
		Active:       true,
	}
	require.NoError(t, st.CreateApplication(context.Background(), app))

	return st, svc, u, app
}

func TestIssueAndValidate(t *testing.T) {
	_, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, []string{"openid", "profile"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", pair.TokenType)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.SessionID)
	assert.InDelta(t, (15 * time.Minute).Seconds(), float64(pair.ExpiresIn), 2)

	claims, err := svc.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)
	assert.Equal(t, app.ClientID, claims.ClientID)
	assert.Equal(t, pair.SessionID, claims.SessionID)
	assert.Equal(t, u.TrustEpoch, claims.Epoch)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, svc, _, _ := newFixture(t)

	_, err := svc.ValidateAccess(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestRefreshRotates(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, []string{"openid"})
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, pair.SessionID, next.SessionID)

	// The rotated-from token is consumed, not revoked.
	old, err := st.GetRefreshTokenByHash(ctx, hashOf(pair.RefreshToken))
	require.NoError(t, err)
	assert.NotNil(t, old.ConsumedAt)
	assert.Nil(t, old.RevokedAt)
}

func TestRefreshKeepsGrantedScope(t *testing.T) {
	_, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, []string{"openid", "profile"})
	require.NoError(t, err)
	assert.Equal(t, "openid profile", pair.Scope)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "openid profile", next.Scope)

	claims, err := svc.ValidateAccess(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "openid profile", claims.Scope)
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Replay of the consumed token: generic error to the caller,
	// everything descended from it gets revoked.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = svc.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// The escalation leaves an audit trail.
	entries, err := st.DueOutbox(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Kind != core.OutboxKindAudit {
			continue
		}
		var ev core.AuditEvent
		require.NoError(t, json.Unmarshal(e.Payload, &ev))
		if ev.Type == core.AuditTokenTheftDetected {
			found = true
		}
	}
	assert.True(t, found, "theft event should be queued")
}

func TestRefreshUnknownToken(t *testing.T) {
	_, svc, _, _ := newFixture(t)

	_, err := svc.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshSuspendedUser(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	_, err = st.SetUserStatus(ctx, u.ID, core.StatusSuspended)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestValidateAfterEpochBump(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	_, err = svc.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)

	_, err = st.BumpTrustEpoch(ctx, u.ID)
	require.NoError(t, err)
	svc.InvalidateSnapshot(u.ID)

	_, err = svc.ValidateAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// A fresh refresh re-embeds the new epoch and validates again.
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	claims, err := svc.ValidateAccess(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.TrustEpoch+1, claims.Epoch)
}

func TestValidateSuspendedUser(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	_, err = st.SetUserStatus(ctx, u.ID, core.StatusSuspended)
	require.NoError(t, err)
	svc.InvalidateSnapshot(u.ID)

	_, err = svc.ValidateAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeSession(t *testing.T) {
	_, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(ctx, pair.SessionID))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeUser(t *testing.T) {
	_, svc, u, app := newFixture(t)
	ctx := context.Background()

	a, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)
	b, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUser(ctx, u.ID))

	_, err = svc.Refresh(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = svc.Refresh(ctx, b.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	st, svc, u, app := newFixture(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, u, app, nil)
	require.NoError(t, err)
	hash := hashOf(pair.RefreshToken)

	const n = 16
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := st.ConsumeRefreshToken(ctx, hash)
			results <- err
		}()
	}

	wins := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, core.ErrConsumed)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent consume may succeed")
}
