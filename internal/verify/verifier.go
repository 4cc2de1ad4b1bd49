// Package verify drives a subscription from pending_verification to active
// or verification_failed by issuing a challenge to the candidate URL.
//
// Two protocols are supported. Token echo (Stripe-style) POSTs the
// verification token and accepts any 2xx response. Challenge echo
// (Slack-style) POSTs a fresh random challenge and requires the endpoint to
// echo it back in a JSON body. Verification runs once per trigger and does
// not retry; the next upsert or URL change re-triggers it.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/domain"
)

const (
	// Verification request body types, matched by receivers.
	typeTokenEcho     = "webhook.verification"
	typeChallengeEcho = "url_verification"

	maxResponseBytes = 4096
)

// DefaultTimeout bounds the verification POST.
const DefaultTimeout = 10 * time.Second

type verifyStore interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	MarkVerified(ctx context.Context, id, token string) (bool, error)
	MarkVerificationFailed(ctx context.Context, id, token string) (bool, error)
}

type Verifier struct {
	httpClient *http.Client
	store      verifyStore
	logger     *slog.Logger
}

func NewVerifier(store verifyStore, logger *slog.Logger) *Verifier {
	return &Verifier{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		store:      store,
		logger:     logger,
	}
}

type tokenEchoRequest struct {
	Type              string `json:"type"`
	VerificationToken string `json:"verification_token"`
	Created           int64  `json:"created"`
}

type challengeEchoRequest struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

type challengeEchoResponse struct {
	Challenge string `json:"challenge"`
}

// VerifySubscription runs one verification attempt for the subscription.
// The status is only updated if the stored token still matches the one we
// loaded, so a concurrent re-registration always wins.
func (v *Verifier) VerifySubscription(ctx context.Context, id string) {
	sub, err := v.store.GetSubscription(ctx, id)
	if err != nil {
		v.logger.Error("verification: loading subscription", "subscription_id", id, "error", err)
		return
	}
	if sub.Status != domain.StatusPendingVerification {
		v.logger.Debug("verification skipped", "subscription_id", id, "status", sub.Status)
		return
	}

	ok, reason := v.attempt(ctx, sub)

	if ok {
		applied, err := v.store.MarkVerified(ctx, sub.ID, sub.VerificationToken)
		if err != nil {
			v.logger.Error("verification: marking verified", "subscription_id", id, "error", err)
			return
		}
		if applied {
			v.logger.Info("subscription verified", "subscription_id", id, "url", sub.URL)
		}
		return
	}

	applied, err := v.store.MarkVerificationFailed(ctx, sub.ID, sub.VerificationToken)
	if err != nil {
		v.logger.Error("verification: marking failed", "subscription_id", id, "error", err)
		return
	}
	if applied {
		v.logger.Warn("subscription verification failed",
			"subscription_id", id,
			"url", sub.URL,
			"reason", reason,
		)
	}
}

func (v *Verifier) attempt(ctx context.Context, sub *domain.Subscription) (bool, string) {
	switch sub.VerificationType {
	case domain.VerificationChallengeEcho:
		return v.challengeEcho(ctx, sub)
	default:
		return v.tokenEcho(ctx, sub)
	}
}

func (v *Verifier) tokenEcho(ctx context.Context, sub *domain.Subscription) (bool, string) {
	body := tokenEchoRequest{
		Type:              typeTokenEcho,
		VerificationToken: sub.VerificationToken,
		Created:           time.Now().Unix(),
	}

	resp, _, err := v.post(ctx, sub.URL, body)
	if err != nil {
		return false, err.Error()
	}
	if resp < 200 || resp > 299 {
		return false, fmt.Sprintf("endpoint returned %d", resp)
	}
	return true, ""
}

func (v *Verifier) challengeEcho(ctx context.Context, sub *domain.Subscription) (bool, string) {
	// The challenge is independent from the verification token; the endpoint
	// proves liveness by echoing a value it has never seen before.
	challenge := uuid.NewString()

	body := challengeEchoRequest{
		Type:      typeChallengeEcho,
		Challenge: challenge,
		Token:     sub.VerificationToken,
	}

	status, respBody, err := v.post(ctx, sub.URL, body)
	if err != nil {
		return false, err.Error()
	}
	if status < 200 || status > 299 {
		return false, fmt.Sprintf("endpoint returned %d", status)
	}

	var echo challengeEchoResponse
	if err := json.Unmarshal(respBody, &echo); err != nil {
		return false, "response is not valid JSON"
	}
	if echo.Challenge != challenge {
		return false, "challenge mismatch"
	}
	return true, ""
}

func (v *Verifier) post(ctx context.Context, url string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("building verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("verification request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, body, nil
}
