package dualstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
)

// flakyCache fails every Set until healed.
type flakyCache struct {
	cache.Client
	broken bool
}

func (f *flakyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.broken {
		return errors.New("secondary unavailable")
	}
	return f.Client.Set(ctx, key, value, ttl)
}

func TestDrainDeliversAuditAndProfile(t *testing.T) {
	st := memory.New()
	sec := cache.NewMemory("sec")
	w := NewWorker(st, sec)
	ctx := context.Background()

	ev := audit.Event("admin-1", "app", "app-1", core.AuditAppCreated)
	require.NoError(t, audit.NewOutboxRecorder(st).Record(ctx, ev))

	u := &core.User{ID: "u-1", Email: "dev@example.com", Name: "Dev", Role: core.RoleUser, Tier: core.TierPro}
	require.NoError(t, EnqueueProfileSync(ctx, st, u))

	n, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := GetProfile(ctx, sec, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", p.Email)
	assert.Equal(t, core.TierPro, p.Tier)

	// Queue is empty afterwards.
	due, err := st.DueOutbox(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDrainRetriesWithBackoff(t *testing.T) {
	st := memory.New()
	flaky := &flakyCache{Client: cache.NewMemory("sec"), broken: true}
	w := NewWorker(st, flaky)
	w.BaseBackoff = 10 * time.Millisecond
	ctx := context.Background()

	u := &core.User{ID: "u-1", Email: "dev@example.com"}
	require.NoError(t, EnqueueProfileSync(ctx, st, u))

	n, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Not due again until the backoff elapses.
	due, err := st.DueOutbox(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = st.DueOutbox(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	// Secondary heals, delivery succeeds.
	flaky.broken = false
	time.Sleep(15 * time.Millisecond)
	n, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = GetProfile(ctx, flaky, "u-1")
	assert.NoError(t, err)
}

func TestDrainDropsAfterMaxAttempts(t *testing.T) {
	st := memory.New()
	flaky := &flakyCache{Client: cache.NewMemory("sec"), broken: true}
	w := NewWorker(st, flaky)
	w.BaseBackoff = time.Nanosecond
	w.MaxAttempts = 2
	ctx := context.Background()

	require.NoError(t, EnqueueProfileSync(ctx, st, &core.User{ID: "u-1"}))

	for i := 0; i < 3; i++ {
		_, err := w.DrainOnce(ctx)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	due, err := st.DueOutbox(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "exhausted task must not wedge the queue")
}

func TestDrainSkipsUnknownKind(t *testing.T) {
	st := memory.New()
	w := NewWorker(st, cache.NewMemory("sec"))
	w.MaxAttempts = 1
	ctx := context.Background()

	require.NoError(t, st.EnqueueOutbox(ctx, "mystery", []byte(`{}`)))

	n, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	due, err := st.DueOutbox(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
