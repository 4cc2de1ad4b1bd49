// Package queue implements the delivery work queues on Redis sorted sets.
// A job's score is the time it becomes ready, so retries with backoff and
// rate-limit deferrals are just re-adds with a later score. Claiming is
// ZRangeByScore followed by ZRem: whoever removes the member owns the job,
// which keeps semantics at-least-once across dispatcher instances.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue keys.
const (
	DeliveryQueueKey = "delivery_queue"
	// HealthQueueKey holds low-priority retries for subscriptions that have
	// drifted into a failing-but-not-disabled state.
	HealthQueueKey = "health_retry_queue"
)

// DefaultMaxAttempts caps total delivery attempts per job: the initial try
// plus three retries, backed off 1s, 2s and 4s.
const DefaultMaxAttempts = 4

// Job is one unit of delivery work. EventID is empty for health-retry jobs;
// the worker resolves the latest event matching the subscription's filter.
type Job struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id,omitempty"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"max_attempts"`
}

type Queue struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func New(client *redis.Client, key string, logger *slog.Logger) *Queue {
	return &Queue{client: client, key: key, logger: logger}
}

func (q *Queue) Key() string {
	return q.key
}

// Enqueue batch-adds jobs, all ready at readyAt, via one pipeline.
func (q *Queue) Enqueue(ctx context.Context, jobs []Job, readyAt time.Time) error {
	if len(jobs) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	score := float64(readyAt.UnixMicro())

	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshaling job %s: %w", job.ID, err)
		}
		pipe.ZAdd(ctx, q.key, redis.Z{Score: score, Member: string(data)})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing jobs: %w", err)
	}
	return nil
}

// Claim fetches up to batch ready jobs and removes them from the queue.
// Members another instance removed first are silently skipped.
func (q *Queue) Claim(ctx context.Context, batch int64) ([]Job, error) {
	now := float64(time.Now().UnixMicro())

	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling queue %s: %w", q.key, err)
	}

	var jobs []Job
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("dropping undecodable job", "queue", q.key, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Retry re-enqueues a failed job with its attempt counter bumped and an
// exponential-backoff delay. Returns false when the retry budget is
// exhausted and the job is dropped.
func (q *Queue) Retry(ctx context.Context, job Job) (bool, error) {
	if job.Attempt >= job.MaxAttempts {
		return false, nil
	}

	job.Attempt++
	readyAt := time.Now().Add(RetryDelay(job.Attempt))
	if err := q.Enqueue(ctx, []Job{job}, readyAt); err != nil {
		return false, err
	}
	return true, nil
}

// Defer re-enqueues a job unchanged after delay. Used when delivery is
// throttled rather than failed, so the retry budget is untouched.
func (q *Queue) Defer(ctx context.Context, job Job, delay time.Duration) error {
	return q.Enqueue(ctx, []Job{job}, time.Now().Add(delay))
}

// Depth returns the number of jobs waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// RetryDelay is the backoff before the given attempt executes: attempt 2
// (the first retry) waits 1s, attempt 3 waits 2s, attempt 4 waits 4s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 2 {
		return time.Second
	}
	return time.Second << (attempt - 2)
}
