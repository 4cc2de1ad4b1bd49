package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hookline/hookline/internal/domain"
)

// CreateEvent appends an event to the log. created_at is unix seconds
// because it is part of the signed delivery payload.
func (s *PostgresStore) CreateEvent(ctx context.Context, eventType string, data []byte) (*domain.Event, error) {
	var event domain.Event
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (event_type, data, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, event_type, data, created_at, processed_at
	`, eventType, data, time.Now().Unix()).Scan(
		&event.ID, &event.Type, &event.Data, &event.CreatedAt, &event.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	var event domain.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, data, created_at, processed_at
		FROM events WHERE id = $1
	`, id).Scan(
		&event.ID, &event.Type, &event.Data, &event.CreatedAt, &event.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	query := `SELECT id, event_type, data, created_at, processed_at FROM events`
	args := []any{}
	argIdx := 1

	if eventType != "" {
		query += fmt.Sprintf(" WHERE event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY created_at DESC, processed_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Data, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEventMatching returns the most recent event covered by the given
// event filter, or ErrNotFound if none exists. A "*" entry matches any type.
// Health-monitor retries deliver this event rather than the one that
// originally failed.
func (s *PostgresStore) LatestEventMatching(ctx context.Context, events []string) (*domain.Event, error) {
	wildcard := false
	for _, e := range events {
		if e == "*" {
			wildcard = true
			break
		}
	}

	var event domain.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, data, created_at, processed_at
		FROM events
		WHERE $1 OR event_type = ANY($2)
		ORDER BY created_at DESC, processed_at DESC
		LIMIT 1
	`, wildcard, events).Scan(
		&event.ID, &event.Type, &event.Data, &event.CreatedAt, &event.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying latest matching event: %w", err)
	}
	return &event, nil
}

// DeleteEventsBefore removes events past the retention window. cutoff is
// unix seconds.
func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return result.RowsAffected(), nil
}
