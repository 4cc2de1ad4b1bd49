package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hookline/hookline/internal/domain"
	"github.com/hookline/hookline/internal/urlcheck"
)

// ErrNotFound is returned when a subscription or event does not exist.
var ErrNotFound = errors.New("not found")

const subscriptionColumns = `id, client_id, url, events, secret, status, verification_token,
	verification_type, pending_event_id, delivery_count, consecutive_failures,
	last_delivery_at, last_delivery_status, last_delivery_error, rate_limit_per_second,
	metadata, created_at, updated_at, verified_at, disabled_reason`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.ClientID, &sub.URL, &sub.Events, &sub.Secret, &sub.Status,
		&sub.VerificationToken, &sub.VerificationType, &sub.PendingEventID,
		&sub.DeliveryCount, &sub.ConsecutiveFailures,
		&sub.LastDeliveryAt, &sub.LastDeliveryStatus, &sub.LastDeliveryError,
		&sub.RateLimitPerSecond, &sub.Metadata,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.VerifiedAt, &sub.DisabledReason,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription registers a webhook endpoint. If a subscription with the
// same (client_id, url) already exists, it is updated in place: the secret is
// preserved, the status resets to pending_verification and a fresh
// verification token is issued. The returned bool is true when a new record
// was created.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, req domain.UpsertSubscriptionRequest) (*domain.Subscription, bool, error) {
	if err := urlcheck.Validate(req.URL); err != nil {
		return nil, false, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, false, fmt.Errorf("generating secret: %w", err)
	}

	verificationType := req.VerificationType
	if verificationType == "" {
		verificationType = domain.VerificationTokenEcho
	}

	// The secret is deliberately absent from the DO UPDATE SET list so the
	// existing one survives re-registration.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (client_id, url, events, secret, status, verification_token, verification_type, rate_limit_per_second, metadata)
		VALUES ($1, $2, $3, $4, 'pending_verification', $5, $6, $7, $8)
		ON CONFLICT (client_id, url) DO UPDATE SET
			events = EXCLUDED.events,
			status = 'pending_verification',
			verification_token = EXCLUDED.verification_token,
			verification_type = EXCLUDED.verification_type,
			rate_limit_per_second = EXCLUDED.rate_limit_per_second,
			metadata = COALESCE(EXCLUDED.metadata, subscriptions.metadata),
			pending_event_id = NULL,
			verified_at = NULL,
			disabled_reason = NULL,
			updated_at = NOW()
		RETURNING `+subscriptionColumns+`, (xmax = 0) AS inserted
	`, req.ClientID, req.URL, req.Events, secret, uuid.NewString(), verificationType, req.RateLimitPerSecond, req.Metadata)

	var sub domain.Subscription
	var inserted bool
	err = row.Scan(
		&sub.ID, &sub.ClientID, &sub.URL, &sub.Events, &sub.Secret, &sub.Status,
		&sub.VerificationToken, &sub.VerificationType, &sub.PendingEventID,
		&sub.DeliveryCount, &sub.ConsecutiveFailures,
		&sub.LastDeliveryAt, &sub.LastDeliveryStatus, &sub.LastDeliveryError,
		&sub.RateLimitPerSecond, &sub.Metadata,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.VerifiedAt, &sub.DisabledReason,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upserting subscription: %w", err)
	}

	return &sub, inserted, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// SubscriptionFilter narrows ListSubscriptions. Zero values mean "no filter".
type SubscriptionFilter struct {
	ClientID string
	Status   string
	Limit    int
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	args := []any{}
	argIdx := 1

	conditions := []string{}
	if filter.ClientID != "" {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, filter.ClientID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// SubscriptionPatch holds the fields UpdateSubscription may change. A nil
// pointer leaves the column untouched. Setting URL also resets verification
// state: status back to pending_verification with a fresh token.
type SubscriptionPatch struct {
	URL                *string
	Events             []string
	VerificationType   *string
	Status             *string
	RateLimitPerSecond *int
	Metadata           []byte
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []any{}
	argIdx := 1

	set := func(clause string, value any) {
		setClauses = append(setClauses, fmt.Sprintf(clause, argIdx))
		args = append(args, value)
		argIdx++
	}

	if patch.URL != nil {
		if err := urlcheck.Validate(*patch.URL); err != nil {
			return nil, err
		}
		set("url = $%d", *patch.URL)
		set("verification_token = $%d", uuid.NewString())
		setClauses = append(setClauses,
			"status = 'pending_verification'",
			"verified_at = NULL",
			"pending_event_id = NULL",
			"disabled_reason = NULL",
		)
	}
	if patch.Events != nil {
		set("events = $%d", patch.Events)
	}
	if patch.VerificationType != nil {
		set("verification_type = $%d", *patch.VerificationType)
	}
	switch {
	case patch.Status == nil:
	case patch.URL != nil:
		// A URL change already forced pending_verification above; status
		// toggles in the same patch are ignored rather than fought over.
	case *patch.Status == domain.StatusActive:
		// Unpausing only resumes a paused subscription. Pending, failed and
		// disabled records keep their state; disabled ones go through /retry.
		setClauses = append(setClauses,
			"status = CASE WHEN status = 'paused' THEN 'active' ELSE status END")
	case *patch.Status == domain.StatusPaused:
		// Only a verified, active subscription can be paused.
		setClauses = append(setClauses,
			"status = CASE WHEN status = 'active' THEN 'paused' ELSE status END")
	default:
		set("status = $%d", *patch.Status)
	}
	if patch.RateLimitPerSecond != nil {
		set("rate_limit_per_second = $%d", *patch.RateLimitPerSecond)
	}
	if patch.Metadata != nil {
		set("metadata = $%d", patch.Metadata)
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`UPDATE subscriptions SET %s WHERE id = $%d RETURNING `+subscriptionColumns,
		joinStrings(setClauses, ", "), argIdx)
	args = append(args, id)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDeliverySuccess applies the post-delivery bookkeeping for a 2xx
// response as one atomic statement.
func (s *PostgresStore) RecordDeliverySuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			consecutive_failures = 0,
			delivery_count = delivery_count + 1,
			last_delivery_at = NOW(),
			last_delivery_status = 'success',
			last_delivery_error = NULL,
			pending_event_id = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recording delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure increments the failure counter and, inside the same
// statement, disables the subscription once the threshold is reached so
// concurrent workers can never race past it. The resulting count and status
// are returned for logging.
func (s *PostgresStore) RecordDeliveryFailure(ctx context.Context, id, errMsg string) (failures int, status string, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET
			consecutive_failures = consecutive_failures + 1,
			last_delivery_at = NOW(),
			last_delivery_status = 'failed',
			last_delivery_error = $2,
			pending_event_id = NULL,
			status = CASE WHEN consecutive_failures + 1 >= $3 AND status = 'active'
				THEN 'disabled' ELSE status END,
			disabled_reason = CASE WHEN consecutive_failures + 1 >= $3 AND status = 'active'
				THEN 'too many consecutive failures' ELSE disabled_reason END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures, status
	`, id, errMsg, domain.MaxConsecutiveFailures).Scan(&failures, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("recording delivery failure: %w", err)
	}
	return failures, status, nil
}

// ClearPendingEvent drops the dispatch back-reference without touching the
// health counters. Used when a queued event has already been cleaned up.
func (s *PostgresStore) ClearPendingEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET pending_event_id = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing pending event: %w", err)
	}
	return nil
}

// ResetForRetry clears the failure count and reactivates a disabled
// subscription. Backs the manual /retry endpoint.
func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET
			consecutive_failures = 0,
			status = CASE WHEN status = 'disabled' THEN 'active' ELSE status END,
			disabled_reason = NULL,
			last_delivery_error = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resetting subscription: %w", err)
	}
	return sub, nil
}

// MarkVerified activates a subscription if it is still pending and the token
// it was verified with is still current. Returns false when a newer upsert
// superseded this verification attempt.
func (s *PostgresStore) MarkVerified(ctx context.Context, id, token string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = 'active', verified_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND verification_token = $2 AND status = 'pending_verification'
	`, id, token)
	if err != nil {
		return false, fmt.Errorf("marking verified: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkVerificationFailed records a failed verification attempt, guarded by
// the same staleness check as MarkVerified.
func (s *PostgresStore) MarkVerificationFailed(ctx context.Context, id, token string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = 'verification_failed', verified_at = NULL, updated_at = NOW()
		WHERE id = $1 AND verification_token = $2 AND status = 'pending_verification'
	`, id, token)
	if err != nil {
		return false, fmt.Errorf("marking verification failed: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkPendingEvent tags every active subscription whose event filter matches
// eventType with the event id, in one bulk statement. Returns the matched
// count. Subscriber rows never pass through application memory here.
func (s *PostgresStore) MarkPendingEvent(ctx context.Context, eventID, eventType string) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET pending_event_id = $1, updated_at = NOW()
		WHERE status = 'active'
		  AND (events @> ARRAY[$2]::text[] OR events @> ARRAY['*']::text[])
	`, eventID, eventType)
	if err != nil {
		return 0, fmt.Errorf("marking pending event: %w", err)
	}
	return result.RowsAffected(), nil
}

// PendingSubscriptionIDs selects the ids marked for an event, feeding the
// bulk enqueue. Only ids cross the wire; workers re-fetch what they need.
func (s *PostgresStore) PendingSubscriptionIDs(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM subscriptions WHERE status = 'active' AND pending_event_id = $1
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying pending subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailingSubscriptionIDs returns active subscriptions that have been failing
// (but are not yet disabled) and have not seen a delivery since cutoff.
// Feeds the health-monitor retry sweep.
func (s *PostgresStore) FailingSubscriptionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'active'
		  AND consecutive_failures BETWEEN 1 AND $1
		  AND last_delivery_at < $2
	`, domain.MaxConsecutiveFailures-1, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying failing subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DisableStaleFailedVerifications promotes verification_failed subscriptions
// older than cutoff to disabled. Returns the number affected.
func (s *PostgresStore) DisableStaleFailedVerifications(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			status = 'disabled',
			disabled_reason = 'verification failed for 30 days',
			updated_at = NOW()
		WHERE status = 'verification_failed' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("disabling stale verifications: %w", err)
	}
	return result.RowsAffected(), nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}

func joinStrings(strs []string, sep string) string {
	result := ""
	for i, s := range strs {
		if i > 0 {
			result += sep
		}
		result += s
	}
	return result
}
