package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/registry"
	"github.com/epicdev/launchpad/internal/security/password"
	sectoken "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
	"github.com/epicdev/launchpad/internal/token"
)

const (
	testRedirect = "https://wiki.internal/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk" // 43 chars
)

type fixture struct {
	store  *memory.Store
	vault  cache.Client
	tokens *token.Service
	svc    *Service
	user   *core.User
	app    *core.Application
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := token.GenerateKey("test-1")
	require.NoError(t, err)
	ring, err := token.NewKeyring(key)
	require.NoError(t, err)
	issuer := token.NewIssuer("https://sso.internal", ring, 15*time.Minute)

	st := memory.New()
	ts := token.NewService(st, issuer, audit.NewOutboxRecorder(st), 7*24*time.Hour, time.Minute)
	vault := cache.NewMemory("test")
	reg := registry.New(st, time.Minute)

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
		RedirectURIs: []string{testRedirect},
		Scopes:       []string{"openid", "profile"},
		Active:       true,
	}
	require.NoError(t, st.CreateApplication(context.Background(), app))

	return &fixture{
		store:  st,
		vault:  vault,
		tokens: ts,
		svc:    NewService(reg, st, vault, ts, time.Minute, 10*time.Minute),
		user:   u,
		app:    app,
	}
}

func (f *fixture) authorizeInput() AuthorizeInput {
	return AuthorizeInput{
		ResponseType:        "code",
		ClientID:            "wiki",
		RedirectURI:         testRedirect,
		Scope:               "openid profile",
		State:               "xyz-state",
		CodeChallenge:       sectoken.SHA256Base64URL(testVerifier),
		CodeChallengeMethod: "S256",
		User:                f.user,
	}
}

func TestAuthorizeAndExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Code)
	assert.Equal(t, "xyz-state", res.State)
	assert.Equal(t, testRedirect, res.RedirectURI)

	pair, err := f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)

	claims, err := f.tokens.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.Subject)
	assert.Equal(t, "openid profile", claims.Scope)
}

func TestAuthorizeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("unknown client", func(t *testing.T) {
		in := f.authorizeInput()
		in.ClientID = "nope"
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "invalid_client", pe.Code)
		assert.False(t, pe.Redirectable)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		in := f.authorizeInput()
		in.RedirectURI = "https://wiki.internal/callback/extra"
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.False(t, pe.Redirectable)
	})

	t.Run("implicit flow", func(t *testing.T) {
		in := f.authorizeInput()
		in.ResponseType = "token"
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "unsupported_response_type", pe.Code)
		assert.True(t, pe.Redirectable)
	})

	t.Run("missing PKCE", func(t *testing.T) {
		in := f.authorizeInput()
		in.CodeChallenge = ""
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "invalid_request", pe.Code)
	})

	t.Run("plain PKCE method", func(t *testing.T) {
		in := f.authorizeInput()
		in.CodeChallengeMethod = "plain"
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "invalid_request", pe.Code)
	})

	t.Run("excess scope", func(t *testing.T) {
		in := f.authorizeInput()
		in.Scope = "openid admin"
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "invalid_scope", pe.Code)
	})

	t.Run("nobody signed in", func(t *testing.T) {
		in := f.authorizeInput()
		in.User = nil
		_, err := f.svc.Authorize(ctx, in)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "login_required", pe.Code)
	})
}

func TestAuthorizeAccessDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.UpsertAccessRule(ctx, &core.AccessRule{
		AppID:   f.app.ID,
		Mode:    core.ModeOnlySpecified,
		UserIDs: []string{"someone-else"},
	})
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, f.authorizeInput())
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "access_denied", pe.Code)
	assert.True(t, pe.Redirectable)
}

func TestExchangeFailuresBurnTheCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	// Wrong verifier consumes the code.
	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: strings.Repeat("x", 43),
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// The correct verifier no longer helps.
	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  "https://evil.example/cb",
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeShortVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: "tooshort",
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeReplayRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	in := ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	}
	pair, err := f.svc.Exchange(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// Tokens minted from the replayed code are dead.
	_, err = f.tokens.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestExchangeConfidentialClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash, err := password.Hash(password.Default, "s3cret")
	require.NoError(t, err)
	f.app.SecretHash = hash
	require.NoError(t, f.store.UpdateApplication(ctx, f.app))

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	in := ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		ClientSecret: "wrong",
		CodeVerifier: testVerifier,
	}
	_, err = f.svc.Exchange(ctx, in)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_client", pe.Code)

	in.ClientSecret = "s3cret"
	_, err = f.svc.Exchange(ctx, in)
	require.NoError(t, err)
}

func TestExchangeExpiredCode(t *testing.T) {
	f := newFixture(t)
	f.svc.CodeTTL = 10 * time.Millisecond
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeSuspendedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	_, err = f.store.SetUserStatus(ctx, f.user.ID, core.StatusSuspended)
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, f.authorizeInput())
	require.NoError(t, err)

	in := ExchangeInput{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     "wiki",
		CodeVerifier: testVerifier,
	}

	const n = 12
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.svc.Exchange(ctx, in)
			done <- err
		}()
	}

	wins := 0
	for i := 0; i < n; i++ {
		if err := <-done; err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "a code is redeemable exactly once")
}
