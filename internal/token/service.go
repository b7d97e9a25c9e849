// Package token owns issuance, rotation and validation of the access/
// refresh token pair.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/google/uuid"

	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/metrics"
	"github.com/epicdev/launchpad/internal/observability/logger"
	tokens "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
)

var (
	// ErrInvalidGrant covers unknown, expired and already-consumed
	// refresh tokens. Theft detection is reported with the same error to
	// callers; the distinction stays server-side.
	ErrInvalidGrant = errors.New("invalid_grant")
	ErrInvalidToken = errors.New("invalid_token")
)

// Pair is a freshly issued access/refresh pair.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	SessionID    string `json:"-"`
}

// snapshot is the cached slice of the credential store consulted by
// ValidateAccess. TTL-bounded so a privilege change is never masked for
// longer than the configured window, and purged synchronously by the
// invalidation broadcaster for in-process immediacy.
type snapshot struct {
	Role   core.Role
	Status core.Status
	Epoch  int64
}

type Service struct {
	Store      core.Repository
	Issuer     *Issuer
	Audit      audit.Recorder
	RefreshTTL time.Duration

	snapshots *lru.LRU[string, snapshot]
}

const snapshotCacheSize = 4096

// NewService builds the token service. snapshotTTL bounds how stale a
// role/status read inside ValidateAccess may be; 0 disables the cache so
// every validation hits the store.
func NewService(store core.Repository, issuer *Issuer, rec audit.Recorder, refreshTTL, snapshotTTL time.Duration) *Service {
	s := &Service{
		Store:      store,
		Issuer:     issuer,
		Audit:      rec,
		RefreshTTL: refreshTTL,
	}
	if snapshotTTL > 0 {
		s.snapshots = lru.NewLRU[string, snapshot](snapshotCacheSize, nil, snapshotTTL)
	}
	return s
}

// Issue mints a token pair for a new session. The session record snapshots
// role/status/epoch and the granted scope at issuance time.
func (s *Service) Issue(ctx context.Context, user *core.User, app *core.Application, scopes []string) (*Pair, error) {
	sess := &core.Session{
		ID:     uuid.NewString(),
		UserID: user.ID,
		AppID:  app.ID,
		Scope:  strings.Join(scopes, " "),
		Role:   user.Role,
		Status: user.Status,
		Epoch:  user.TrustEpoch,
	}
	if err := s.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	familyID := uuid.NewString()
	pair, err := s.mint(ctx, user, app, sess.ID, familyID, sess.Scope, nil)
	if err != nil {
		return nil, err
	}
	metrics.IncTokensIssued("authorization_code")
	return pair, nil
}

// Refresh rotates a refresh token. Exactly one concurrent caller can win
// the rotation; losers are indistinguishable from replay and revoke the
// whole family.
func (s *Service) Refresh(ctx context.Context, refreshPlain string) (*Pair, error) {
	hash := tokens.SHA256Base64URL(refreshPlain)

	old, err := s.Store.ConsumeRefreshToken(ctx, hash)
	switch {
	case err == nil:
		// rotation won below
	case errors.Is(err, core.ErrConsumed):
		s.handleTheft(ctx, hash)
		metrics.IncRefreshRotation("theft")
		return nil, ErrInvalidGrant
	case errors.Is(err, core.ErrRevoked), errors.Is(err, core.ErrExpired), errors.Is(err, core.ErrNotFound):
		metrics.IncRefreshRotation("invalid")
		return nil, ErrInvalidGrant
	default:
		return nil, err
	}

	user, err := s.Store.GetUserByID(ctx, old.UserID)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if user.Status != core.StatusActive {
		return nil, ErrInvalidGrant
	}
	sess, err := s.Store.GetSession(ctx, old.SessionID)
	if err != nil || sess.RevokedAt != nil {
		return nil, ErrInvalidGrant
	}
	app, err := s.Store.GetApplicationByID(ctx, old.AppID)
	if err != nil {
		return nil, ErrInvalidGrant
	}

	// Rotation never widens or narrows the grant; the session holds the
	// scope agreed at authorization time.
	pair, err := s.mint(ctx, user, app, old.SessionID, old.FamilyID, sess.Scope, &old.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncRefreshRotation("ok")
	metrics.IncTokensIssued("refresh_token")
	return pair, nil
}

// handleTheft escalates a replayed refresh token: the family dies and a
// security audit event is recorded. The caller still only sees
// invalid_grant.
func (s *Service) handleTheft(ctx context.Context, hash string) {
	t, err := s.Store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		logger.From(ctx).Warn("refresh replay on unknown token", logger.Err(err))
		return
	}
	n, err := s.Store.RevokeFamily(ctx, t.FamilyID)
	if err != nil {
		logger.From(ctx).Error("family revocation failed",
			logger.FamilyID(t.FamilyID), logger.Err(err))
	}
	_ = s.Store.RevokeSession(ctx, t.SessionID)
	metrics.IncTheftDetected()

	ev := audit.Event("", "refresh_token_family", t.FamilyID, core.AuditTokenTheftDetected)
	ev.After = map[string]any{
		"user_id":        t.UserID,
		"app_id":         t.AppID,
		"session_id":     t.SessionID,
		"tokens_revoked": n,
	}
	if err := s.Audit.Record(ctx, ev); err != nil {
		logger.From(ctx).Error("theft audit record failed",
			logger.FamilyID(t.FamilyID), logger.Err(err))
	}
	logger.From(ctx).Warn("token theft detected, family revoked",
		logger.UserID(t.UserID), logger.FamilyID(t.FamilyID), logger.Count(n))
}

func (s *Service) mint(ctx context.Context, user *core.User, app *core.Application, sessionID, familyID, scope string, rotatedFrom *string) (*Pair, error) {
	access, exp, err := s.Issuer.IssueAccess(Claims{
		Subject:   user.ID,
		ClientID:  app.ClientID,
		AppID:     app.ID,
		SessionID: sessionID,
		Scope:     scope,
		Epoch:     user.TrustEpoch,
	})
	if err != nil {
		return nil, err
	}

	refreshPlain, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rt := &core.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		AppID:       app.ID,
		SessionID:   sessionID,
		FamilyID:    familyID,
		TokenHash:   tokens.SHA256Base64URL(refreshPlain),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.RefreshTTL),
		RotatedFrom: rotatedFrom,
	}
	if err := s.Store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refreshPlain,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(exp).Seconds()),
		Scope:        scope,
		SessionID:    sessionID,
	}, nil
}

// RevokeToken revokes a single refresh token by plaintext.
func (s *Service) RevokeToken(ctx context.Context, refreshPlain string) error {
	t, err := s.Store.GetRefreshTokenByHash(ctx, tokens.SHA256Base64URL(refreshPlain))
	if err != nil {
		return err
	}
	return s.Store.RevokeRefreshToken(ctx, t.ID)
}

// RevokeSession revokes one session and every token tied to it.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	if _, err := s.Store.RevokeSessionTokens(ctx, sessionID); err != nil {
		return err
	}
	return s.Store.RevokeSession(ctx, sessionID)
}

// RevokeUser blanket-revokes every session and token of the user. Used by
// the invalidation broadcaster.
func (s *Service) RevokeUser(ctx context.Context, userID string) error {
	if _, err := s.Store.RevokeUserTokens(ctx, userID); err != nil {
		return err
	}
	if _, err := s.Store.RevokeUserSessions(ctx, userID); err != nil {
		return err
	}
	s.InvalidateSnapshot(userID)
	return nil
}

// RevokeFamily kills a whole token family (code-reuse escalation path).
func (s *Service) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.Store.RevokeFamily(ctx, familyID)
	return err
}

// InvalidateSnapshot drops the cached credential snapshot so the next
// ValidateAccess re-reads the store. Called synchronously on admin writes.
func (s *Service) InvalidateSnapshot(userID string) {
	if s.snapshots != nil {
		s.snapshots.Remove(userID)
	}
}

// ValidateAccess checks signature and expiry, then re-derives role/status/
// epoch from the credential store. A store read failure denies (fail
// closed).
//
// Point revocation of a single session is not rechecked here: an access
// token from a session revoked without an epoch bump stays usable until
// its own expiry. Admin-driven invalidation always bumps the epoch, so
// the window only applies to per-session escalations and is bounded by
// the access TTL.
func (s *Service) ValidateAccess(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.Issuer.ParseAccess(raw)
	if err != nil {
		return nil, err
	}

	snap, err := s.credentialSnapshot(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: credential check unavailable", ErrInvalidToken)
	}
	if snap.Status != core.StatusActive {
		return nil, ErrInvalidToken
	}
	if snap.Epoch != claims.Epoch {
		// Privileges changed after issuance; the embedded claim no longer
		// speaks for the user.
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) credentialSnapshot(ctx context.Context, userID string) (snapshot, error) {
	if s.snapshots != nil {
		if snap, ok := s.snapshots.Get(userID); ok {
			return snap, nil
		}
	}
	u, err := s.Store.GetUserByID(ctx, userID)
	if err != nil {
		return snapshot{}, err
	}
	snap := snapshot{Role: u.Role, Status: u.Status, Epoch: u.TrustEpoch}
	if s.snapshots != nil {
		s.snapshots.Add(userID, snap)
	}
	return snap, nil
}
