package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hookline/hookline/internal/domain"
	"github.com/hookline/hookline/internal/engine"
	"github.com/hookline/hookline/internal/signature"
	"github.com/hookline/hookline/internal/store"
)

// Webhook delivery headers, part of the outbound contract.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookID = "X-Webhook-Id"
	HeaderEventID   = "X-Event-Id"
)

// DefaultTimeout bounds one delivery POST.
const DefaultTimeout = 10 * time.Second

type deliveryStore interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	LatestEventMatching(ctx context.Context, events []string) (*domain.Event, error)
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id, errMsg string) (int, string, error)
	ClearPendingEvent(ctx context.Context, id string) error
	RecordDeliveryAttempt(ctx context.Context, rec store.DeliveryAttemptRecord) error
}

// Deliverer executes one delivery task: load the event, sign the payload,
// POST it, and record the outcome on the subscription. Retry scheduling is
// owned by the task's source queue.
type Deliverer struct {
	httpClient  *http.Client
	store       deliveryStore
	rateLimiter *engine.RateLimiter
	logger      *slog.Logger
}

func NewDeliverer(s deliveryStore, rl *engine.RateLimiter, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		store:       s,
		rateLimiter: rl,
		logger:      logger,
	}
}

// WithTimeout overrides the per-request HTTP timeout.
func (d *Deliverer) WithTimeout(timeout time.Duration) *Deliverer {
	if timeout > 0 {
		d.httpClient.Timeout = timeout
	}
	return d
}

// Deliver processes one task end to end.
func (d *Deliverer) Deliver(ctx context.Context, task Task) {
	job := task.Job

	sub, err := d.store.GetSubscription(ctx, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dropping job for deleted subscription", "subscription_id", job.SubscriptionID)
			return
		}
		d.logger.Error("loading subscription", "subscription_id", job.SubscriptionID, "error", err)
		d.requeue(ctx, task)
		return
	}

	// Only active subscriptions receive deliveries. A job claimed after the
	// subscription was paused or disabled is dropped, not retried.
	if sub.Status != domain.StatusActive {
		d.logger.Debug("dropping job for inactive subscription",
			"subscription_id", sub.ID, "status", sub.Status)
		return
	}

	event, permanent := d.resolveEvent(ctx, sub, job.EventID)
	if event == nil {
		if permanent {
			// The event is gone, most likely reaped by the janitor. Permanent
			// failure for this work item; subscription health is untouched.
			if err := d.store.ClearPendingEvent(ctx, sub.ID); err != nil {
				d.logger.Error("clearing pending event", "subscription_id", sub.ID, "error", err)
			}
			d.logger.Warn("dropping job: event gone",
				"subscription_id", sub.ID, "event_id", job.EventID)
		}
		return
	}

	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, sub.ID, sub.RateLimitPerSecond) {
		// Throttled, not failed: push back without touching the attempt count.
		if err := task.Source.Defer(ctx, job, time.Second); err != nil {
			d.logger.Error("deferring throttled job", "subscription_id", sub.ID, "error", err)
		}
		return
	}

	start := time.Now()
	statusCode, err := d.post(ctx, sub, event)
	elapsed := time.Since(start).Milliseconds()

	if err == nil && statusCode >= 200 && statusCode <= 299 {
		d.recordSuccess(ctx, task, sub, event, statusCode, int(elapsed))
		return
	}

	errMsg := fmt.Sprintf("endpoint returned %d", statusCode)
	if err != nil {
		errMsg = err.Error()
	}
	d.recordFailure(ctx, task, sub, event, statusCode, int(elapsed), errMsg)
}

// resolveEvent finds the event this task should deliver. Delivery jobs carry
// the event id; health-retry jobs deliver the most recent event matching the
// subscription's filter instead of the one that originally failed.
func (d *Deliverer) resolveEvent(ctx context.Context, sub *domain.Subscription, eventID string) (event *domain.Event, permanent bool) {
	var err error
	if eventID != "" {
		event, err = d.store.GetEvent(ctx, eventID)
	} else {
		event, err = d.store.LatestEventMatching(ctx, sub.Events)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eventID != ""
		}
		d.logger.Error("loading event", "subscription_id", sub.ID, "event_id", eventID, "error", err)
		return nil, false
	}
	return event, false
}

func (d *Deliverer) post(ctx context.Context, sub *domain.Subscription, event *domain.Event) (int, error) {
	payload, err := json.Marshal(domain.DeliveryPayload{
		ID:      event.ID,
		Type:    event.Type,
		Data:    event.Data,
		Created: event.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("marshaling payload: %w", err)
	}

	sig, ts := signature.Sign(payload, []byte(sub.Secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderWebhookID, sub.ID)
	req.Header.Set(HeaderEventID, event.ID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the body content is irrelevant.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode, nil
}

func (d *Deliverer) recordSuccess(ctx context.Context, task Task, sub *domain.Subscription, event *domain.Event, statusCode, elapsed int) {
	if err := d.store.RecordDeliverySuccess(ctx, sub.ID); err != nil {
		d.logger.Error("recording delivery success", "subscription_id", sub.ID, "error", err)
	}

	d.logAttempt(ctx, task, sub, event, "success", &statusCode, elapsed, "")

	d.logger.Info("delivery successful",
		"subscription_id", sub.ID,
		"event_id", event.ID,
		"attempt", task.Job.Attempt,
		"status_code", statusCode,
		"response_time_ms", elapsed,
	)
}

func (d *Deliverer) recordFailure(ctx context.Context, task Task, sub *domain.Subscription, event *domain.Event, statusCode, elapsed int, errMsg string) {
	failures, status, err := d.store.RecordDeliveryFailure(ctx, sub.ID, errMsg)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("recording delivery failure", "subscription_id", sub.ID, "error", err)
	}

	var codePtr *int
	if statusCode != 0 {
		codePtr = &statusCode
	}
	d.logAttempt(ctx, task, sub, event, "failed", codePtr, elapsed, errMsg)

	requeued, rerr := task.Source.Retry(ctx, task.Job)
	if rerr != nil {
		d.logger.Error("re-enqueueing job", "subscription_id", sub.ID, "error", rerr)
	}

	d.logger.Warn("delivery failed",
		"subscription_id", sub.ID,
		"event_id", event.ID,
		"attempt", task.Job.Attempt,
		"error", errMsg,
		"consecutive_failures", failures,
		"subscription_status", status,
		"will_retry", requeued,
	)
}

func (d *Deliverer) logAttempt(ctx context.Context, task Task, sub *domain.Subscription, event *domain.Event, status string, statusCode *int, elapsed int, errMsg string) {
	err := d.store.RecordDeliveryAttempt(ctx, store.DeliveryAttemptRecord{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		AttemptNumber:  task.Job.Attempt,
		Status:         status,
		HTTPStatusCode: statusCode,
		ResponseTimeMs: elapsed,
		ErrorMessage:   errMsg,
	})
	if err != nil {
		d.logger.Error("recording delivery attempt",
			"subscription_id", sub.ID,
			"event_id", event.ID,
			"error", err,
		)
	}
}

// requeue pushes a task back after a store error. The error counts against
// the retry budget so a poisoned job cannot circle forever; once the budget
// is spent the job is dropped.
func (d *Deliverer) requeue(ctx context.Context, task Task) {
	requeued, err := task.Source.Retry(ctx, task.Job)
	if err != nil {
		d.logger.Error("re-enqueueing job after store error", "job_id", task.Job.ID, "error", err)
		return
	}
	if !requeued {
		d.logger.Warn("dropping job after repeated store errors",
			"job_id", task.Job.ID, "subscription_id", task.Job.SubscriptionID)
	}
}
