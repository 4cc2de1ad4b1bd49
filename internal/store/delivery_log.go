package store

import (
	"context"
	"fmt"

	"github.com/hookline/hookline/internal/domain"
)

// DeliveryAttemptRecord holds data for inserting a delivery attempt.
type DeliveryAttemptRecord struct {
	SubscriptionID string
	EventID        string
	AttemptNumber  int
	Status         string
	HTTPStatusCode *int
	ResponseTimeMs int
	ErrorMessage   string
}

// RecordDeliveryAttempt appends one row to the delivery audit log.
func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, rec DeliveryAttemptRecord) error {
	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (subscription_id, event_id, attempt_number, status, http_status_code, response_time_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.SubscriptionID, rec.EventID, rec.AttemptNumber, rec.Status, rec.HTTPStatusCode, rec.ResponseTimeMs, errMsg)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns the most recent attempts for a subscription.
func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, event_id, attempt_number, status, http_status_code, response_time_ms, error_message, created_at
		FROM delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.SubscriptionID, &a.EventID, &a.AttemptNumber,
			&a.Status, &a.HTTPStatusCode, &a.ResponseTimeMs, &a.ErrorMessage, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SubscriptionStats aggregates the audit log for one subscription.
type SubscriptionStats struct {
	TotalAttempts int     `json:"total_attempts"`
	SuccessCount  int     `json:"success_count"`
	FailedCount   int     `json:"failed_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

func (s *PostgresStore) GetSubscriptionStats(ctx context.Context, subscriptionID string) (*SubscriptionStats, error) {
	var stats SubscriptionStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0) AS avg_response_ms
		FROM delivery_attempts
		WHERE subscription_id = $1
	`, subscriptionID).Scan(&stats.TotalAttempts, &stats.SuccessCount, &stats.FailedCount, &stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying subscription stats: %w", err)
	}

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalAttempts) * 100
	}

	return &stats, nil
}
