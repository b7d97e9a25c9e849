package session

import (
	"context"
	"errors"

	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/metrics"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/token"
)

// ErrSelfChange rejects an admin demoting or suspending their own account.
var ErrSelfChange = errors.New("cannot change your own role or status")

// Broadcaster applies admin privilege changes and makes them bite
// immediately: the role/status write, the trust-epoch bump, the blanket
// revocation and the audit enqueue all commit in one transaction, then the
// in-process snapshot cache is purged and peers are notified.
type Broadcaster struct {
	Store    core.Repository
	Tokens   *token.Service
	Notifier Notifier
}

func NewBroadcaster(store core.Repository, tokens *token.Service, n Notifier) *Broadcaster {
	if n == nil {
		n = NoopNotifier{}
	}
	return &Broadcaster{Store: store, Tokens: tokens, Notifier: n}
}

// ChangeRole sets a user's role and invalidates everything they hold.
func (b *Broadcaster) ChangeRole(ctx context.Context, actor *core.User, userID string, role core.Role) (*core.User, error) {
	if actor != nil && actor.ID == userID {
		return nil, ErrSelfChange
	}

	var updated *core.User
	err := b.Store.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		before, err := r.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		if before.Role == role {
			updated = before
			return nil
		}
		if updated, err = r.SetUserRole(ctx, userID, role); err != nil {
			return err
		}
		if updated.TrustEpoch, err = r.BumpTrustEpoch(ctx, userID); err != nil {
			return err
		}
		if err := revokeAll(ctx, r, userID); err != nil {
			return err
		}
		ev := audit.Event(actorID(actor), "user", userID, core.AuditRoleChanged)
		ev.Before = map[string]any{"role": before.Role}
		ev.After = map[string]any{"role": role, "trust_epoch": updated.TrustEpoch}
		return audit.NewOutboxRecorder(r).Record(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	b.fanOut(ctx, userID, "role_changed")
	return updated, nil
}

// ChangeStatus sets a user's status with the same invalidation semantics.
func (b *Broadcaster) ChangeStatus(ctx context.Context, actor *core.User, userID string, status core.Status) (*core.User, error) {
	if actor != nil && actor.ID == userID {
		return nil, ErrSelfChange
	}

	var updated *core.User
	err := b.Store.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		before, err := r.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		if before.Status == status {
			updated = before
			return nil
		}
		if updated, err = r.SetUserStatus(ctx, userID, status); err != nil {
			return err
		}
		if updated.TrustEpoch, err = r.BumpTrustEpoch(ctx, userID); err != nil {
			return err
		}
		if err := revokeAll(ctx, r, userID); err != nil {
			return err
		}
		ev := audit.Event(actorID(actor), "user", userID, core.AuditStatusChanged)
		ev.Before = map[string]any{"status": before.Status}
		ev.After = map[string]any{"status": status, "trust_epoch": updated.TrustEpoch}
		return audit.NewOutboxRecorder(r).Record(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	b.fanOut(ctx, userID, "status_changed")
	return updated, nil
}

// InvalidateAllSessions force-logs a user out everywhere without touching
// role or status.
func (b *Broadcaster) InvalidateAllSessions(ctx context.Context, actor *core.User, userID string) error {
	err := b.Store.WithTx(ctx, func(ctx context.Context, r core.Repository) error {
		if _, err := r.GetUserByID(ctx, userID); err != nil {
			return err
		}
		if _, err := r.BumpTrustEpoch(ctx, userID); err != nil {
			return err
		}
		return revokeAll(ctx, r, userID)
	})
	if err != nil {
		return err
	}
	b.fanOut(ctx, userID, "sessions_invalidated")
	return nil
}

func revokeAll(ctx context.Context, r core.Repository, userID string) error {
	if _, err := r.RevokeUserTokens(ctx, userID); err != nil {
		return err
	}
	n, err := r.RevokeUserSessions(ctx, userID)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		metrics.IncSessionsRevoked()
	}
	return nil
}

// fanOut purges the local snapshot cache synchronously and notifies peer
// instances. The notification is best effort; the trust epoch already
// guarantees correctness, fan-out only shrinks the cache-TTL window.
func (b *Broadcaster) fanOut(ctx context.Context, userID, reason string) {
	if b.Tokens != nil {
		b.Tokens.InvalidateSnapshot(userID)
	}
	if err := b.Notifier.Publish(ctx, Invalidation{UserID: userID, Reason: reason}); err != nil {
		logger.Named("session").Warn("invalidation fan-out failed",
			logger.UserID(userID), logger.Event(reason), logger.Err(err))
	}
}

func actorID(actor *core.User) string {
	if actor == nil {
		return "system"
	}
	return actor.ID
}
