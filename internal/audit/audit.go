// Package audit builds and records append-only audit events. Events travel
// through the outbox to the secondary store; the primary operation that
// produced them is never blocked by audit delivery.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/store/core"
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, ev core.AuditEvent) error
}

// OutboxRecorder enqueues events as outbox tasks on the system-of-record.
// When called inside Repository.WithTx the enqueue commits atomically with
// the primary write.
type OutboxRecorder struct {
	Repo core.Repository
}

func NewOutboxRecorder(repo core.Repository) *OutboxRecorder {
	return &OutboxRecorder{Repo: repo}
}

func (r *OutboxRecorder) Record(ctx context.Context, ev core.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.Repo.EnqueueOutbox(ctx, core.OutboxKindAudit, b); err != nil {
		// Security events must not vanish silently even when the enqueue
		// fails; the structured log is the fallback trail.
		logger.From(ctx).Error("audit enqueue failed",
			logger.Event(ev.Type), logger.Err(err), logger.Any("audit", ev))
		return err
	}
	return nil
}

// Event is a convenience constructor.
func Event(actorID, target, targetID, typ string) core.AuditEvent {
	return core.AuditEvent{
		ID:       uuid.NewString(),
		ActorID:  actorID,
		Target:   target,
		TargetID: targetID,
		Type:     typ,
		At:       time.Now().UTC(),
	}
}
