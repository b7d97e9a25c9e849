// Package flow implements the authorization code grant with mandatory
// PKCE. An authorization request moves through a short-lived state
// machine: initiated -> code issued -> exchanged, with expiry and denial
// as terminal branches. Every single-use record (pending request, code)
// lives in the vault and is consumed by atomic read-and-delete.
package flow

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/epicdev/launchpad/internal/authz"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/metrics"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/registry"
	"github.com/epicdev/launchpad/internal/security/password"
	sectoken "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/token"
)

const (
	reqKeyPrefix  = "authz:req:"
	codeKeyPrefix = "authz:code:"
	usedKeyPrefix = "authz:used:"

	codeBytes = 32

	minVerifierLen = 43
	maxVerifierLen = 128
)

// Request states, recorded on the pending-request record for observability.
const (
	StateInitiated  = "initiated"
	StateCodeIssued = "code_issued"
)

// Service drives the authorization code flow.
type Service struct {
	Registry *registry.Registry
	Store    core.Repository
	Vault    cache.Client
	Tokens   *token.Service

	// CodeTTL bounds code lifetime; config enforces it below the access
	// token TTL. RequestTTL bounds the window between the authorize
	// redirect and the user completing login.
	CodeTTL    time.Duration
	RequestTTL time.Duration
}

func NewService(reg *registry.Registry, store core.Repository, vault cache.Client, tokens *token.Service, codeTTL, requestTTL time.Duration) *Service {
	if codeTTL <= 0 {
		codeTTL = time.Minute
	}
	if requestTTL <= 0 {
		requestTTL = 10 * time.Minute
	}
	return &Service{
		Registry:   reg,
		Store:      store,
		Vault:      vault,
		Tokens:     tokens,
		CodeTTL:    codeTTL,
		RequestTTL: requestTTL,
	}
}

// AuthorizeInput is the parsed /oauth/authorize request plus the resolved
// platform user. A nil User means nobody is signed in.
type AuthorizeInput struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	User                *core.User
}

// AuthorizeResult carries the minted code back to the boundary, which
// redirects to RedirectURI with code and state.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// codeRecord is the vault payload bound to an authorization code. The
// code itself is never stored; the vault key is its SHA-256.
type codeRecord struct {
	State         string    `json:"state"`
	ClientID      string    `json:"client_id"`
	AppID         string    `json:"app_id"`
	UserID        string    `json:"user_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scope         string    `json:"scope"`
	CodeChallenge string    `json:"code_challenge"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// usedRecord marks a consumed code for the remainder of its natural TTL so
// that replay can be distinguished from plain unknown codes and escalated.
type usedRecord struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	AppID     string `json:"app_id"`
}

// pendingRecord tracks an authorization request keyed by client state.
type pendingRecord struct {
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}

// Authorize validates the request, evaluates access, and mints a
// single-use authorization code. Errors are *Error values; Redirectable
// tells the boundary whether the redirect URI was validated first.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	if in.ClientID == "" || in.RedirectURI == "" {
		return nil, ErrInvalidRequest
	}

	app, err := s.Registry.GetApplicationByClientID(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		// Registry unreachable: fail closed before touching the redirect.
		logger.Named("flow").Error("client registry lookup failed", logger.ClientID(in.ClientID), logger.Err(err))
		return nil, ErrInvalidClient
	}
	if !app.Launchable() {
		return nil, ErrInvalidClient
	}

	// Exact string match, no prefix or wildcard semantics. Everything after
	// this point may redirect the error back to the client.
	if !slices.Contains(app.RedirectURIs, in.RedirectURI) {
		return nil, ErrInvalidRedirect
	}

	if in.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType
	}
	if in.State == "" {
		return nil, &Error{Code: "invalid_request", Description: "state is required", Redirectable: true}
	}
	if in.CodeChallenge == "" || in.CodeChallengeMethod != "S256" {
		return nil, &Error{Code: "invalid_request", Description: "PKCE with code_challenge_method=S256 is required", Redirectable: true}
	}
	if !scopesAllowed(in.Scope, app.Scopes) {
		return nil, ErrInvalidScope
	}
	if in.User == nil {
		return nil, &Error{Code: "login_required", Description: "no signed-in user", Redirectable: true}
	}

	rule, err := s.Registry.GetAccessRule(ctx, app.ID)
	if err != nil {
		// Unable to read the rule set: deny rather than guess.
		logger.Named("flow").Error("access rule lookup failed", logger.AppID(app.ID), logger.Err(err))
		metrics.IncAccessDecision("deny")
		return nil, ErrAccessDenied
	}
	if authz.Evaluate(in.User, app, rule) != authz.Allow {
		metrics.IncAccessDecision("deny")
		return nil, ErrAccessDenied
	}
	metrics.IncAccessDecision("allow")

	code, err := sectoken.GenerateOpaqueToken(codeBytes)
	if err != nil {
		return nil, ErrServerError
	}

	rec := codeRecord{
		State:         in.State,
		ClientID:      app.ClientID,
		AppID:         app.ID,
		UserID:        in.User.ID,
		RedirectURI:   in.RedirectURI,
		Scope:         in.Scope,
		CodeChallenge: in.CodeChallenge,
		ExpiresAt:     time.Now().Add(s.CodeTTL),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, ErrServerError
	}
	if err := s.Vault.Set(ctx, codeKeyPrefix+sectoken.SHA256Base64URL(code), string(raw), s.CodeTTL); err != nil {
		logger.Named("flow").Error("code vault write failed", logger.Err(err))
		return nil, ErrServerError
	}

	pending, _ := json.Marshal(pendingRecord{ClientID: app.ClientID, Status: StateCodeIssued})
	if err := s.Vault.Set(ctx, reqKeyPrefix+sectoken.SHA256Base64URL(in.State), string(pending), s.RequestTTL); err != nil {
		logger.Named("flow").Warn("pending request write failed", logger.Err(err))
	}

	return &AuthorizeResult{Code: code, State: in.State, RedirectURI: in.RedirectURI}, nil
}

// ExchangeInput is the parsed authorization_code token request.
type ExchangeInput struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// Exchange consumes an authorization code and issues a token pair. The
// code is removed from the vault before any check runs, so a failed
// exchange still burns it. Replay of an already-consumed code revokes the
// session it originally produced.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (*token.Pair, error) {
	if in.Code == "" || in.ClientID == "" || in.CodeVerifier == "" {
		return nil, ErrInvalidRequest
	}

	app, err := s.Registry.GetApplicationByClientID(ctx, in.ClientID)
	if err != nil || !app.Launchable() {
		return nil, ErrInvalidClient
	}
	if app.SecretHash != "" && !password.Verify(in.ClientSecret, app.SecretHash) {
		return nil, ErrInvalidClient
	}

	codeHash := sectoken.SHA256Base64URL(in.Code)
	raw, err := s.Vault.GetDel(ctx, codeKeyPrefix+codeHash)
	if err != nil {
		if cache.IsNotFound(err) {
			s.detectReplay(ctx, codeHash)
			return nil, ErrInvalidGrant
		}
		logger.Named("flow").Error("code vault read failed", logger.Err(err))
		return nil, ErrInvalidGrant
	}

	var rec codeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, ErrInvalidGrant
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if rec.ClientID != in.ClientID {
		return nil, ErrInvalidGrant
	}
	if rec.RedirectURI != in.RedirectURI {
		return nil, ErrInvalidGrant
	}
	if n := len(in.CodeVerifier); n < minVerifierLen || n > maxVerifierLen {
		return nil, ErrInvalidGrant
	}
	derived := sectoken.SHA256Base64URL(in.CodeVerifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(rec.CodeChallenge)) != 1 {
		return nil, ErrInvalidGrant
	}

	user, err := s.Store.GetUserByID(ctx, rec.UserID)
	if err != nil || user.Status != core.StatusActive {
		return nil, ErrInvalidGrant
	}

	pair, err := s.Tokens.Issue(ctx, user, app, strings.Fields(rec.Scope))
	if err != nil {
		logger.Named("flow").Error("token issuance failed", logger.UserID(user.ID), logger.AppID(app.ID), logger.Err(err))
		return nil, ErrInvalidGrant
	}

	// Burn the pending request and leave a replay marker for the rest of
	// the code's natural lifetime.
	_ = s.Vault.Delete(ctx, reqKeyPrefix+sectoken.SHA256Base64URL(rec.State))
	used, _ := json.Marshal(usedRecord{SessionID: pair.SessionID, UserID: rec.UserID, AppID: rec.AppID})
	if err := s.Vault.Set(ctx, usedKeyPrefix+codeHash, string(used), s.CodeTTL); err != nil {
		logger.Named("flow").Warn("replay marker write failed", logger.Err(err))
	}

	return pair, nil
}

// detectReplay checks whether a missing code was in fact already consumed
// and, if so, revokes everything issued from it.
func (s *Service) detectReplay(ctx context.Context, codeHash string) {
	raw, err := s.Vault.GetDel(ctx, usedKeyPrefix+codeHash)
	if err != nil {
		return
	}
	var used usedRecord
	if err := json.Unmarshal([]byte(raw), &used); err != nil {
		return
	}
	logger.Named("flow").Warn("authorization code replay detected",
		logger.UserID(used.UserID),
		logger.AppID(used.AppID),
		logger.SessionID(used.SessionID),
	)
	if err := s.Tokens.RevokeSession(ctx, used.SessionID); err != nil {
		logger.Named("flow").Error("replay revocation failed", logger.SessionID(used.SessionID), logger.Err(err))
	}
}

// scopesAllowed reports whether every requested scope is registered for
// the client. An empty request is always allowed.
func scopesAllowed(requested string, registered []string) bool {
	for _, sc := range strings.Fields(requested) {
		if !slices.Contains(registered, sc) {
			return false
		}
	}
	return true
}
