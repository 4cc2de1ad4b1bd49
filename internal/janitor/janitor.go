// Package janitor owns the periodic background jobs: re-attempting delivery
// to degraded subscriptions and pruning records past retention.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/queue"
)

// Defaults matching the production cadence.
const (
	DefaultHealthInterval   = 30 * time.Minute
	DefaultCleanupInterval  = 24 * time.Hour
	DefaultEventRetention   = 90 * 24 * time.Hour
	DefaultVerifyFailureAge = 30 * 24 * time.Hour

	// A subscription is swept only if it has not seen a delivery attempt
	// for this long, so the sweep never races an in-flight retry burst.
	failingQuietPeriod = time.Hour
)

type janitorStore interface {
	FailingSubscriptionIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteEventsBefore(ctx context.Context, cutoff int64) (int64, error)
	DisableStaleFailedVerifications(ctx context.Context, cutoff time.Time) (int64, error)
}

type Janitor struct {
	store           janitorStore
	healthQueue     *queue.Queue
	logger          *slog.Logger
	healthInterval  time.Duration
	cleanupInterval time.Duration
	eventRetention  time.Duration
}

func New(store janitorStore, healthQueue *queue.Queue, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:           store,
		healthQueue:     healthQueue,
		logger:          logger,
		healthInterval:  DefaultHealthInterval,
		cleanupInterval: DefaultCleanupInterval,
		eventRetention:  DefaultEventRetention,
	}
}

// WithIntervals overrides the job cadence and retention window. Zero values
// keep the defaults.
func (j *Janitor) WithIntervals(health, cleanup, retention time.Duration) *Janitor {
	if health > 0 {
		j.healthInterval = health
	}
	if cleanup > 0 {
		j.cleanupInterval = cleanup
	}
	if retention > 0 {
		j.eventRetention = retention
	}
	return j
}

// RunHealthSweep loops the failing-subscription retry job until ctx is done.
func (j *Janitor) RunHealthSweep(ctx context.Context) {
	j.logger.Info("health sweep started", "interval", j.healthInterval)

	ticker := time.NewTicker(j.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("health sweep stopping")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// RunCleanup loops the retention job until ctx is done.
func (j *Janitor) RunCleanup(ctx context.Context) {
	j.logger.Info("cleanup started", "interval", j.cleanupInterval, "event_retention", j.eventRetention)

	ticker := time.NewTicker(j.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup stopping")
			return
		case <-ticker.C:
			j.CleanupOnce(ctx)
		}
	}
}

// SweepOnce enqueues one low-priority health-retry job for every active
// subscription that has been quietly failing. The jobs carry no event id;
// the worker delivers the latest event matching each subscription's filter.
func (j *Janitor) SweepOnce(ctx context.Context) {
	ids, err := j.store.FailingSubscriptionIDs(ctx, time.Now().Add(-failingQuietPeriod))
	if err != nil {
		j.logger.Error("querying failing subscriptions", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, queue.Job{
			ID:             uuid.NewString(),
			SubscriptionID: id,
			Attempt:        1,
			MaxAttempts:    queue.DefaultMaxAttempts,
		})
	}

	if err := j.healthQueue.Enqueue(ctx, jobs, time.Now()); err != nil {
		j.logger.Error("enqueueing health retries", "error", err)
		return
	}

	j.logger.Info("health sweep queued retries", "count", len(jobs))
}

// CleanupOnce deletes events past retention and disables subscriptions stuck
// in verification_failed for longer than the grace period.
func (j *Janitor) CleanupOnce(ctx context.Context) {
	eventCutoff := time.Now().Add(-j.eventRetention).Unix()
	deleted, err := j.store.DeleteEventsBefore(ctx, eventCutoff)
	if err != nil {
		j.logger.Error("deleting expired events", "error", err)
	} else if deleted > 0 {
		j.logger.Info("deleted expired events", "count", deleted)
	}

	verifyCutoff := time.Now().Add(-DefaultVerifyFailureAge)
	disabled, err := j.store.DisableStaleFailedVerifications(ctx, verifyCutoff)
	if err != nil {
		j.logger.Error("disabling stale failed verifications", "error", err)
	} else if disabled > 0 {
		j.logger.Info("disabled stale failed verifications", "count", disabled)
	}
}
