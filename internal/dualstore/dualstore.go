// Package dualstore keeps the secondary read store in sync with the
// system-of-record. Writers enqueue outbox tasks inside the primary
// transaction; the drain worker copies them over with bounded retry.
// Secondary unavailability degrades read freshness, never primary writes.
package dualstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/metrics"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/store/core"
)

const (
	auditKeyPrefix   = "audit:ev:"
	profileKeyPrefix = "profile:"
)

// Profile is the denormalized user record served from the secondary store.
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      core.Role `json:"role"`
	Tier      core.Tier `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnqueueProfileSync queues a profile copy task. Call inside the same
// WithTx as the user write so the task commits with it.
func EnqueueProfileSync(ctx context.Context, r core.Repository, u *core.User) error {
	p := Profile{
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Tier:      u.Tier,
		UpdatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.EnqueueOutbox(ctx, core.OutboxKindProfile, b)
}

// Worker drains the outbox into the secondary store.
type Worker struct {
	Store     core.Repository
	Secondary cache.Client

	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	ProfileTTL  time.Duration
}

func NewWorker(store core.Repository, secondary cache.Client) *Worker {
	return &Worker{
		Store:       store,
		Secondary:   secondary,
		BatchSize:   100,
		MaxAttempts: 8,
		BaseBackoff: 2 * time.Second,
		ProfileTTL:  24 * time.Hour,
	}
}

// Run drains on the given interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				logger.Named("dualstore").Error("drain failed", logger.Err(err))
			}
		}
	}
}

// DrainOnce processes one batch of due tasks. Returns the delivered count.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	due, err := w.Store.DueOutbox(ctx, time.Now().UTC(), w.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range due {
		if err := w.deliver(ctx, entry); err != nil {
			w.retry(ctx, entry, err)
			continue
		}
		if err := w.Store.MarkOutboxDone(ctx, entry.ID); err != nil {
			logger.Named("dualstore").Error("mark done failed",
				logger.Int("outbox_id", int(entry.ID)), logger.Err(err))
			continue
		}
		metrics.IncOutboxDelivered(entry.Kind)
		delivered++
	}
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, entry *core.OutboxEntry) error {
	switch entry.Kind {
	case core.OutboxKindAudit:
		var ev core.AuditEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return fmt.Errorf("decode audit payload: %w", err)
		}
		// Audit history is append-only and never expires.
		return w.Secondary.Set(ctx, auditKeyPrefix+ev.ID, string(entry.Payload), 0)

	case core.OutboxKindProfile:
		var p Profile
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("decode profile payload: %w", err)
		}
		return w.Secondary.Set(ctx, profileKeyPrefix+p.UserID, string(entry.Payload), w.ProfileTTL)

	default:
		return fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}
}

// retry reschedules with exponential backoff. A task that exhausts its
// attempts is dropped with a loud log rather than wedging the queue.
func (w *Worker) retry(ctx context.Context, entry *core.OutboxEntry, cause error) {
	attempts := entry.Attempts + 1
	if attempts >= w.MaxAttempts {
		logger.Named("dualstore").Error("outbox task dropped after max attempts",
			logger.Int("outbox_id", int(entry.ID)),
			logger.String("kind", entry.Kind),
			logger.Int("attempts", attempts),
			logger.Err(cause),
		)
		if err := w.Store.MarkOutboxDone(ctx, entry.ID); err != nil {
			logger.Named("dualstore").Error("drop failed", logger.Err(err))
		}
		return
	}

	backoff := w.BaseBackoff << (attempts - 1)
	next := time.Now().UTC().Add(backoff)
	if err := w.Store.RescheduleOutbox(ctx, entry.ID, attempts, next); err != nil {
		logger.Named("dualstore").Error("reschedule failed", logger.Err(err))
		return
	}
	metrics.IncOutboxRetry()
	logger.Named("dualstore").Warn("outbox task rescheduled",
		logger.Int("outbox_id", int(entry.ID)),
		logger.String("kind", entry.Kind),
		logger.Int("attempts", attempts),
		logger.Err(cause),
	)
}

// GetProfile reads the denormalized profile from the secondary store.
func GetProfile(ctx context.Context, secondary cache.Client, userID string) (*Profile, error) {
	raw, err := secondary.Get(ctx, profileKeyPrefix+userID)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
