package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookline/hookline/internal/domain"
	"github.com/hookline/hookline/internal/engine"
	"github.com/hookline/hookline/internal/store"
)

// maxEventPayload caps trigger bodies at 1 MiB.
const maxEventPayload = 1 << 20

type eventStore interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error)
}

type eventTrigger interface {
	Trigger(ctx context.Context, eventType string, data []byte) (*engine.FanOutResult, error)
}

type EventHandler struct {
	store  eventStore
	fanout eventTrigger
}

func NewEventHandler(s eventStore, f eventTrigger) *EventHandler {
	return &EventHandler{store: s, fanout: f}
}

type triggerResponse struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	WebhookCount int       `json:"webhook_count"`
	QueuedAt     time.Time `json:"queued_at"`
}

// Trigger accepts an arbitrary JSON payload, persists it as an event, and
// queues one delivery job per matching active webhook.
func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")
	if eventType == "" {
		respondError(w, http.StatusBadRequest, "event type is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventPayload+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxEventPayload {
		respondError(w, http.StatusRequestEntityTooLarge, "payload exceeds 1MB limit")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	result, err := h.fanout.Trigger(r.Context(), eventType, body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to trigger event")
		return
	}

	if result.Matched == 0 {
		respondJSON(w, http.StatusOK, map[string]any{
			"event_id": result.EventID,
			"message":  "no active webhooks subscribed to this event type",
		})
		return
	}

	respondJSON(w, http.StatusAccepted, triggerResponse{
		EventID:      result.EventID,
		EventType:    eventType,
		WebhookCount: result.Matched,
		QueuedAt:     result.QueuedAt,
	})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	respondJSON(w, http.StatusOK, event)
}
