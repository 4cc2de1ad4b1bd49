package janitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/queue"
)

type fakeJanitorStore struct {
	failingIDs []string
	failingErr error

	deletedBefore  int64
	deletedCount   int64
	disabledBefore time.Time
	disabledCount  int64
}

func (f *fakeJanitorStore) FailingSubscriptionIDs(_ context.Context, _ time.Time) ([]string, error) {
	return f.failingIDs, f.failingErr
}

func (f *fakeJanitorStore) DeleteEventsBefore(_ context.Context, cutoff int64) (int64, error) {
	f.deletedBefore = cutoff
	return f.deletedCount, nil
}

func (f *fakeJanitorStore) DisableStaleFailedVerifications(_ context.Context, cutoff time.Time) (int64, error) {
	f.disabledBefore = cutoff
	return f.disabledCount, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client, queue.HealthQueueKey, slog.Default())
}

func TestSweepOnceQueuesHealthJobs(t *testing.T) {
	store := &fakeJanitorStore{failingIDs: []string{"sub-1", "sub-2"}}
	q := newTestQueue(t)
	j := New(store, q, slog.Default())

	j.SweepOnce(context.Background())

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	jobs, err := q.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.SubscriptionID] = true
		assert.Empty(t, job.EventID, "health jobs must not pin an event")
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
	}
	assert.True(t, seen["sub-1"])
	assert.True(t, seen["sub-2"])
}

func TestSweepOnceNoFailingSubscriptions(t *testing.T) {
	store := &fakeJanitorStore{}
	q := newTestQueue(t)
	j := New(store, q, slog.Default())

	j.SweepOnce(context.Background())

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSweepOnceStoreError(t *testing.T) {
	store := &fakeJanitorStore{failingErr: assert.AnError}
	q := newTestQueue(t)
	j := New(store, q, slog.Default())

	// must not panic or enqueue anything
	j.SweepOnce(context.Background())

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCleanupOnceCutoffs(t *testing.T) {
	store := &fakeJanitorStore{deletedCount: 3, disabledCount: 1}
	q := newTestQueue(t)
	j := New(store, q, slog.Default()).WithIntervals(0, 0, 48*time.Hour)

	before := time.Now()
	j.CleanupOnce(context.Background())

	wantEventCutoff := before.Add(-48 * time.Hour).Unix()
	assert.InDelta(t, wantEventCutoff, store.deletedBefore, 2)

	wantVerifyCutoff := before.Add(-DefaultVerifyFailureAge)
	assert.WithinDuration(t, wantVerifyCutoff, store.disabledBefore, 2*time.Second)
}

func TestWithIntervalsZeroKeepsDefaults(t *testing.T) {
	j := New(&fakeJanitorStore{}, newTestQueue(t), slog.Default()).WithIntervals(0, 0, 0)

	assert.Equal(t, DefaultHealthInterval, j.healthInterval)
	assert.Equal(t, DefaultCleanupInterval, j.cleanupInterval)
	assert.Equal(t, DefaultEventRetention, j.eventRetention)
}
