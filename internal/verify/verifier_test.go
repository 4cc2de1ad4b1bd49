package verify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/domain"
)

type fakeVerifyStore struct {
	sub      *domain.Subscription
	verified bool
	failed   bool
	// token that MarkVerified/MarkVerificationFailed were called with
	gotToken string
}

func (f *fakeVerifyStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	return f.sub, nil
}

func (f *fakeVerifyStore) MarkVerified(_ context.Context, id, token string) (bool, error) {
	f.verified = true
	f.gotToken = token
	return token == f.sub.VerificationToken, nil
}

func (f *fakeVerifyStore) MarkVerificationFailed(_ context.Context, id, token string) (bool, error) {
	f.failed = true
	f.gotToken = token
	return token == f.sub.VerificationToken, nil
}

func newTestVerifier(t *testing.T, sub *domain.Subscription) (*Verifier, *fakeVerifyStore) {
	t.Helper()
	store := &fakeVerifyStore{sub: sub}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewVerifier(store, logger), store
}

func pendingSubscription(url, verificationType string) *domain.Subscription {
	return &domain.Subscription{
		ID:                "sub-1",
		URL:               url,
		Status:            domain.StatusPendingVerification,
		VerificationToken: "tok-abc",
		VerificationType:  verificationType,
	}
}

func TestTokenEcho_SucceedsOn2xx(t *testing.T) {
	var got tokenEchoRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationTokenEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.True(t, store.verified)
	assert.False(t, store.failed)
	assert.Equal(t, "webhook.verification", got.Type)
	assert.Equal(t, "tok-abc", got.VerificationToken)
	assert.NotZero(t, got.Created)
}

func TestTokenEcho_FailsOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationTokenEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.True(t, store.failed)
}

func TestChallengeEcho_SucceedsOnCorrectEcho(t *testing.T) {
	var got challengeEchoRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"challenge": got.Challenge})
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationChallengeEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.True(t, store.verified)
	assert.Equal(t, "url_verification", got.Type)
	assert.Equal(t, "tok-abc", got.Token)
	assert.NotEmpty(t, got.Challenge)
	assert.NotEqual(t, "tok-abc", got.Challenge, "challenge must be independent from the token")
}

func TestChallengeEcho_FailsOnWrongEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"challenge": "not-the-challenge"})
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationChallengeEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.True(t, store.failed)
}

func TestChallengeEcho_FailsOnMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationChallengeEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.True(t, store.failed)
}

func TestVerify_FailsOnConnectionError(t *testing.T) {
	// Grab a URL that refuses connections.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	v, store := newTestVerifier(t, pendingSubscription(url, domain.VerificationTokenEcho))
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.True(t, store.failed)
}

func TestVerify_FailsOnTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationTokenEcho))
	v.httpClient.Timeout = 50 * time.Millisecond
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.True(t, store.failed)
}

func TestVerify_SkipsNonPendingSubscription(t *testing.T) {
	sub := pendingSubscription("http://example.com", domain.VerificationTokenEcho)
	sub.Status = domain.StatusActive

	v, store := newTestVerifier(t, sub)
	v.VerifySubscription(context.Background(), "sub-1")

	assert.False(t, store.verified)
	assert.False(t, store.failed)
}

func TestRunner_ProcessesSubmissions(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer server.Close()

	v, store := newTestVerifier(t, pendingSubscription(server.URL, domain.VerificationTokenEcho))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	runner := NewRunner(v, 2, logger)
	runner.Start(context.Background())
	runner.Submit("sub-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("verification was never attempted")
	}

	runner.Stop()
	assert.True(t, store.verified)
}
