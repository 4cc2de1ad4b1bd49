package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/domain"
)

// setupPostgres connects to the database named by DATABASE_URL and resets the
// tables. Tests are skipped when no database is configured.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}

	ctx := context.Background()
	s, err := NewPostgres(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.RunMigrations(ctx, "../../migrations"))

	_, err = s.Pool().Exec(ctx, "TRUNCATE delivery_attempts, subscriptions, events")
	require.NoError(t, err)

	return s
}

func registerActive(t *testing.T, s *PostgresStore, clientID, url string) *domain.Subscription {
	t.Helper()
	ctx := context.Background()

	sub, _, err := s.UpsertSubscription(ctx, domain.UpsertSubscriptionRequest{
		ClientID: clientID,
		URL:      url,
		Events:   []string{"order.created"},
	})
	require.NoError(t, err)

	applied, err := s.MarkVerified(ctx, sub.ID, sub.VerificationToken)
	require.NoError(t, err)
	require.True(t, applied)

	sub, err = s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, sub.Status)
	return sub
}

func TestRecordDeliveryFailure_DisablesAtThreshold(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	sub := registerActive(t, s, "client-1", "https://example.com/hooks/a")

	// The first nine failures leave the subscription active and failing.
	for i := 1; i < domain.MaxConsecutiveFailures; i++ {
		failures, status, err := s.RecordDeliveryFailure(ctx, sub.ID, fmt.Sprintf("boom %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, failures)
		assert.Equal(t, domain.StatusActive, status)
	}

	// Still failing-but-active: visible to the health sweep.
	ids, err := s.FailingSubscriptionIDs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, sub.ID)

	// The tenth failure flips it to disabled inside the same statement.
	failures, status, err := s.RecordDeliveryFailure(ctx, sub.ID, "boom 10")
	require.NoError(t, err)
	assert.Equal(t, domain.MaxConsecutiveFailures, failures)
	assert.Equal(t, domain.StatusDisabled, status)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisabled, got.Status)
	require.NotNil(t, got.DisabledReason)
	assert.Equal(t, "too many consecutive failures", *got.DisabledReason)

	// Disabled subscriptions are invisible to fan-out and the health sweep.
	event, err := s.CreateEvent(ctx, "order.created", []byte(`{}`))
	require.NoError(t, err)
	matched, err := s.MarkPendingEvent(ctx, event.ID, "order.created")
	require.NoError(t, err)
	assert.Zero(t, matched)

	ids, err = s.FailingSubscriptionIDs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, ids, sub.ID)

	// Manual retry is the only way back.
	reset, err := s.ResetForRetry(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, reset.Status)
	assert.Zero(t, reset.ConsecutiveFailures)
	assert.Nil(t, reset.DisabledReason)
}

func TestRecordDeliverySuccess_ResetsFailureCount(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	sub := registerActive(t, s, "client-1", "https://example.com/hooks/a")

	for i := 0; i < 5; i++ {
		_, _, err := s.RecordDeliveryFailure(ctx, sub.ID, "boom")
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordDeliverySuccess(ctx, sub.ID))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, 1, got.DeliveryCount)
}

func TestUpdateSubscription_UnpauseOnlyResumesPaused(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	active := domain.StatusActive
	paused := domain.StatusPaused

	// Unpausing a never-verified subscription must not activate it.
	pending, _, err := s.UpsertSubscription(ctx, domain.UpsertSubscriptionRequest{
		ClientID: "client-1",
		URL:      "https://example.com/hooks/pending",
		Events:   []string{"order.created"},
	})
	require.NoError(t, err)

	got, err := s.UpdateSubscription(ctx, pending.ID, SubscriptionPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, got.Status)

	// Same for one that failed verification.
	failed, _, err := s.UpsertSubscription(ctx, domain.UpsertSubscriptionRequest{
		ClientID: "client-1",
		URL:      "https://example.com/hooks/failed",
		Events:   []string{"order.created"},
	})
	require.NoError(t, err)
	applied, err := s.MarkVerificationFailed(ctx, failed.ID, failed.VerificationToken)
	require.NoError(t, err)
	require.True(t, applied)

	got, err = s.UpdateSubscription(ctx, failed.ID, SubscriptionPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerificationFailed, got.Status)

	// And for a disabled one, which must go through /retry instead.
	disabled := registerActive(t, s, "client-1", "https://example.com/hooks/disabled")
	for i := 0; i < domain.MaxConsecutiveFailures; i++ {
		_, _, err := s.RecordDeliveryFailure(ctx, disabled.ID, "boom")
		require.NoError(t, err)
	}
	got, err = s.UpdateSubscription(ctx, disabled.ID, SubscriptionPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisabled, got.Status)

	// The legitimate cycle works: active -> paused -> active.
	sub := registerActive(t, s, "client-1", "https://example.com/hooks/ok")

	got, err = s.UpdateSubscription(ctx, sub.ID, SubscriptionPatch{Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, got.Status)

	got, err = s.UpdateSubscription(ctx, sub.ID, SubscriptionPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	// Pausing only applies to active subscriptions.
	got, err = s.UpdateSubscription(ctx, pending.ID, SubscriptionPatch{Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, got.Status)
}

func TestUpsertSubscription_PreservesSecretOnReRegistration(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	first, inserted, err := s.UpsertSubscription(ctx, domain.UpsertSubscriptionRequest{
		ClientID: "client-1",
		URL:      "https://example.com/hooks/a",
		Events:   []string{"order.created"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	second, inserted, err := s.UpsertSubscription(ctx, domain.UpsertSubscriptionRequest{
		ClientID: "client-1",
		URL:      "https://example.com/hooks/a",
		Events:   []string{"order.created", "order.updated"},
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Secret, second.Secret)
	assert.NotEqual(t, first.VerificationToken, second.VerificationToken)
	assert.Equal(t, domain.StatusPendingVerification, second.Status)
	assert.Equal(t, []string{"order.created", "order.updated"}, second.Events)
}
