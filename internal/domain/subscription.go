package domain

import (
	"encoding/json"
	"time"
)

// Subscription statuses.
const (
	StatusPendingVerification = "pending_verification"
	StatusActive              = "active"
	StatusVerificationFailed  = "verification_failed"
	StatusPaused              = "paused"
	StatusDisabled            = "disabled"
)

// Verification protocols.
const (
	VerificationChallengeEcho = "challenge_echo" // Slack-style: endpoint must echo the challenge back
	VerificationTokenEcho     = "token_echo"     // Stripe-style: any 2xx response counts
)

// MaxConsecutiveFailures is the threshold at which a subscription is
// automatically disabled and excluded from fan-out.
const MaxConsecutiveFailures = 10

type Subscription struct {
	ID                  string          `json:"id"`
	ClientID            string          `json:"client_id"`
	URL                 string          `json:"url"`
	Events              []string        `json:"events"`
	Secret              string          `json:"secret,omitempty"`
	Status              string          `json:"status"`
	VerificationToken   string          `json:"verification_token,omitempty"`
	VerificationType    string          `json:"verification_type"`
	PendingEventID      *string         `json:"pending_event_id,omitempty"`
	DeliveryCount       int             `json:"delivery_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastDeliveryAt      *time.Time      `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus  *string         `json:"last_delivery_status,omitempty"`
	LastDeliveryError   *string         `json:"last_delivery_error,omitempty"`
	RateLimitPerSecond  int             `json:"rate_limit_per_second"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	VerifiedAt          *time.Time      `json:"verified_at,omitempty"`
	DisabledReason      *string         `json:"disabled_reason,omitempty"`
}

// SubscribesTo reports whether the subscription's event filter covers the
// given event type. A literal "*" entry matches everything.
func (s *Subscription) SubscribesTo(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

type UpsertSubscriptionRequest struct {
	ClientID           string          `json:"client_id"`
	URL                string          `json:"url"`
	Events             []string        `json:"events"`
	VerificationType   string          `json:"verification_type,omitempty"`
	RateLimitPerSecond int             `json:"rate_limit_per_second,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

type UpdateSubscriptionRequest struct {
	URL                *string         `json:"url,omitempty"`
	Events             []string        `json:"events,omitempty"`
	VerificationType   *string         `json:"verification_type,omitempty"`
	Paused             *bool           `json:"paused,omitempty"`
	RateLimitPerSecond *int            `json:"rate_limit_per_second,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

type UpsertSubscriptionResponse struct {
	ID                string   `json:"id"`
	URL               string   `json:"url"`
	Events            []string `json:"events"`
	Secret            string   `json:"secret"`
	Status            string   `json:"status"`
	VerificationToken string   `json:"verification_token"`
}
