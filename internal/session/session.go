// Package session covers both session surfaces: the platform web session
// that gates the authorize endpoint, and the invalidation broadcaster that
// tears every credential of a user down when an admin changes their
// privileges.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/security/password"
	sectoken "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/store/core"
)

const webKeyPrefix = "sess:web:"

var (
	ErrBadCredentials = errors.New("invalid email or password")
	ErrNoSession      = errors.New("no valid session")
)

// Manager owns platform web sessions. The cookie value is opaque; the
// vault key is its SHA-256, so a cache dump never yields usable cookies.
type Manager struct {
	Store core.Repository
	Vault cache.Client
	TTL   time.Duration
}

func NewManager(store core.Repository, vault cache.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{Store: store, Vault: vault, TTL: ttl}
}

// webRecord pins the trust epoch at login time. Resolve compares it to the
// live value, so an epoch bump kills web sessions along with tokens.
type webRecord struct {
	UserID   string    `json:"user_id"`
	CSRF     string    `json:"csrf"`
	Epoch    int64     `json:"epoch"`
	IssuedAt time.Time `json:"issued_at"`
}

// Login verifies credentials and opens a web session. Returns the opaque
// session id, the CSRF token and the user. Lookup and verify failures are
// indistinguishable to the caller.
func (m *Manager) Login(ctx context.Context, email, plain string) (string, string, *core.User, error) {
	u, err := m.Store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			logger.Named("session").Error("user lookup failed", logger.Err(err))
		}
		return "", "", nil, ErrBadCredentials
	}
	if u.Status != core.StatusActive || u.PasswordHash == nil || !password.Verify(plain, *u.PasswordHash) {
		return "", "", nil, ErrBadCredentials
	}

	sid, err := sectoken.GenerateOpaqueToken(32)
	if err != nil {
		return "", "", nil, err
	}
	csrf, err := sectoken.GenerateOpaqueToken(32)
	if err != nil {
		return "", "", nil, err
	}

	rec, err := json.Marshal(webRecord{
		UserID:   u.ID,
		CSRF:     csrf,
		Epoch:    u.TrustEpoch,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", "", nil, err
	}
	if err := m.Vault.Set(ctx, webKeyPrefix+sectoken.SHA256Base64URL(sid), string(rec), m.TTL); err != nil {
		return "", "", nil, err
	}
	return sid, csrf, u, nil
}

// Resolve maps a session cookie to its user, enforcing live status and
// trust epoch. A stale session is deleted on sight.
func (m *Manager) Resolve(ctx context.Context, sid string) (*core.User, error) {
	if sid == "" {
		return nil, ErrNoSession
	}
	key := webKeyPrefix + sectoken.SHA256Base64URL(sid)
	raw, err := m.Vault.Get(ctx, key)
	if err != nil {
		return nil, ErrNoSession
	}
	var rec webRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, ErrNoSession
	}
	u, err := m.Store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, ErrNoSession
	}
	if u.Status != core.StatusActive || u.TrustEpoch != rec.Epoch {
		_ = m.Vault.Delete(ctx, key)
		return nil, ErrNoSession
	}
	return u, nil
}

// VerifyCSRF checks a submitted CSRF token against the session record.
func (m *Manager) VerifyCSRF(ctx context.Context, sid, submitted string) bool {
	if sid == "" || submitted == "" {
		return false
	}
	raw, err := m.Vault.Get(ctx, webKeyPrefix+sectoken.SHA256Base64URL(sid))
	if err != nil {
		return false
	}
	var rec webRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false
	}
	return sectoken.ConstantTimeEquals(rec.CSRF, submitted)
}

// Logout discards the web session. Idempotent.
func (m *Manager) Logout(ctx context.Context, sid string) {
	if sid == "" {
		return
	}
	_ = m.Vault.Delete(ctx, webKeyPrefix+sectoken.SHA256Base64URL(sid))
}
