package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable record of a triggered event. CreatedAt is unix
// seconds because that is what gets signed and delivered on the wire.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   int64           `json:"created"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// DeliveryPayload is the JSON body POSTed to subscriber endpoints.
type DeliveryPayload struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Created int64           `json:"created"`
}

type DeliveryAttempt struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	AttemptNumber  int       `json:"attempt_number"`
	Status         string    `json:"status"`
	HTTPStatusCode *int      `json:"http_status_code,omitempty"`
	ResponseTimeMs int       `json:"response_time_ms"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
