package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/domain"
	"github.com/hookline/hookline/internal/queue"
)

// fanoutStore is the slice of the store the dispatcher needs. Matching and
// marking happen inside the store in bulk; only ids come back.
type fanoutStore interface {
	CreateEvent(ctx context.Context, eventType string, data []byte) (*domain.Event, error)
	MarkPendingEvent(ctx context.Context, eventID, eventType string) (int64, error)
	PendingSubscriptionIDs(ctx context.Context, eventID string) ([]string, error)
}

// FanOut persists triggered events and dispatches one delivery job per
// matching active subscription. The ingestion path is one insert, one bulk
// update and one bulk enqueue — it never loads subscriber records or talks
// to a third-party endpoint.
type FanOut struct {
	store  fanoutStore
	queue  *queue.Queue
	logger *slog.Logger
}

type FanOutResult struct {
	EventID  string
	Matched  int
	QueuedAt time.Time
}

func NewFanOut(store fanoutStore, q *queue.Queue, logger *slog.Logger) *FanOut {
	return &FanOut{store: store, queue: q, logger: logger}
}

// Trigger runs the two-phase mark-then-dispatch flow. A zero match count is
// a successful outcome, not an error.
func (f *FanOut) Trigger(ctx context.Context, eventType string, data []byte) (*FanOutResult, error) {
	event, err := f.store.CreateEvent(ctx, eventType, data)
	if err != nil {
		return nil, fmt.Errorf("persisting event: %w", err)
	}

	matched, err := f.store.MarkPendingEvent(ctx, event.ID, eventType)
	if err != nil {
		return nil, fmt.Errorf("marking subscriptions: %w", err)
	}

	result := &FanOutResult{EventID: event.ID, Matched: int(matched), QueuedAt: time.Now()}

	if matched == 0 {
		f.logger.Info("no matching subscriptions", "event_id", event.ID, "event_type", eventType)
		return result, nil
	}

	ids, err := f.store.PendingSubscriptionIDs(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("selecting marked subscriptions: %w", err)
	}

	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, queue.Job{
			ID:             uuid.NewString(),
			SubscriptionID: id,
			EventID:        event.ID,
			Attempt:        1,
			MaxAttempts:    queue.DefaultMaxAttempts,
		})
	}

	if err := f.queue.Enqueue(ctx, jobs, result.QueuedAt); err != nil {
		return nil, fmt.Errorf("enqueueing deliveries: %w", err)
	}

	f.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", eventType,
		"deliveries_queued", len(jobs),
	)

	return result, nil
}
