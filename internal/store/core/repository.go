package core

import (
	"context"
	"time"
)

// Repository is the system-of-record contract. The pg implementation is the
// production store; the memory implementation backs tests and dev mode.
//
// Single-use semantics (ConsumeRefreshToken) are atomic within the store:
// under concurrent attempts exactly one caller wins, the rest get
// ErrConsumed.
type Repository interface {
	Ping(ctx context.Context) error

	// WithTx runs fn with a repository bound to one transaction. The
	// broadcaster relies on this so role/status change, epoch bump, token
	// revocation and the outbox enqueue commit atomically.
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	// Users (credential store)
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserRole(ctx context.Context, id string, role Role) (*User, error)
	SetUserStatus(ctx context.Context, id string, status Status) (*User, error)
	// BumpTrustEpoch increments and returns the user's trust epoch.
	BumpTrustEpoch(ctx context.Context, id string) (int64, error)

	// Client registry
	CreateApplication(ctx context.Context, a *Application) error
	GetApplicationByClientID(ctx context.Context, clientID string) (*Application, error)
	GetApplicationByID(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, includeInactive bool) ([]*Application, error)
	UpdateApplication(ctx context.Context, a *Application) error
	SetApplicationActive(ctx context.Context, id string, active bool) (*Application, error)
	SoftDeleteApplication(ctx context.Context, id string) (*Application, error)

	// Access rules
	GetAccessRule(ctx context.Context, appID string) (*AccessRule, error)
	UpsertAccessRule(ctx context.Context, r *AccessRule) (*AccessRule, error)
	DeleteAccessRule(ctx context.Context, appID string) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID string) (int, error)

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// ConsumeRefreshToken atomically marks the live token with this hash as
	// consumed and returns it. ErrNotFound for unknown hashes, ErrExpired
	// past expiry, ErrRevoked for revoked tokens, ErrConsumed when another
	// caller got there first (replay signal).
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) (int, error)
	RevokeSessionTokens(ctx context.Context, sessionID string) (int, error)
	RevokeUserTokens(ctx context.Context, userID string) (int, error)
	// SweepExpired removes tokens past expiry by more than olderThan and
	// revoked sessions with no live tokens left. Returns rows removed.
	SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error)

	// Outbox (dual-store sync tasks)
	EnqueueOutbox(ctx context.Context, kind string, payload []byte) error
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error
}
