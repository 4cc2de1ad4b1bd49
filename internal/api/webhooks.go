package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hookline/hookline/internal/domain"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/urlcheck"
)

type webhookStore interface {
	UpsertSubscription(ctx context.Context, req domain.UpsertSubscriptionRequest) (*domain.Subscription, bool, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch store.SubscriptionPatch) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ResetForRetry(ctx context.Context, id string) (*domain.Subscription, error)
	GetSubscriptionStats(ctx context.Context, subscriptionID string) (*store.SubscriptionStats, error)
	ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]domain.DeliveryAttempt, error)
}

// verifySubmitter hands a subscription id to the background verification pool.
type verifySubmitter interface {
	Submit(subscriptionID string)
}

type WebhookHandler struct {
	store    webhookStore
	verifier verifySubmitter
}

func NewWebhookHandler(s webhookStore, v verifySubmitter) *WebhookHandler {
	return &WebhookHandler{store: s, verifier: v}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.UpsertSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event is required")
		return
	}
	if req.VerificationType == "" {
		req.VerificationType = domain.VerificationTokenEcho
	}
	if !validVerificationType(req.VerificationType) {
		respondError(w, http.StatusBadRequest, "verification_type must be challenge_echo or token_echo")
		return
	}

	sub, inserted, err := h.store.UpsertSubscription(r.Context(), req)
	if err != nil {
		if errors.Is(err, urlcheck.ErrInvalidURL) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to register webhook")
		return
	}

	h.verifier.Submit(sub.ID)

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	respondJSON(w, status, domain.UpsertSubscriptionResponse{
		ID:                sub.ID,
		URL:               sub.URL,
		Events:            sub.Events,
		Secret:            sub.Secret,
		Status:            sub.Status,
		VerificationToken: sub.VerificationToken,
	})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.SubscriptionFilter{
		ClientID: r.URL.Query().Get("client_id"),
		Status:   r.URL.Query().Get("status"),
		Limit:    50,
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	subs, err := h.store.ListSubscriptions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	// Secrets are only returned at registration time.
	for i := range subs {
		subs[i].Secret = ""
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.VerificationType != nil && !validVerificationType(*req.VerificationType) {
		respondError(w, http.StatusBadRequest, "verification_type must be challenge_echo or token_echo")
		return
	}

	patch := store.SubscriptionPatch{
		URL:                req.URL,
		Events:             req.Events,
		VerificationType:   req.VerificationType,
		RateLimitPerSecond: req.RateLimitPerSecond,
		Metadata:           req.Metadata,
	}
	if req.Paused != nil {
		status := domain.StatusActive
		if *req.Paused {
			status = domain.StatusPaused
		}
		patch.Status = &status
	}

	sub, err := h.store.UpdateSubscription(r.Context(), id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		if errors.Is(err, urlcheck.ErrInvalidURL) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	// A URL change resets the endpoint to pending and it must prove itself again.
	if sub.Status == domain.StatusPendingVerification {
		h.verifier.Submit(sub.ID)
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Retry re-activates a webhook that was auto-disabled after repeated
// delivery failures, zeroing its failure counter.
func (h *WebhookHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.ResetForRetry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found or not disabled")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to retry webhook")
		return
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}

	stats, err := h.store.GetSubscriptionStats(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook stats")
		return
	}

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), id, 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list delivery attempts")
		return
	}

	type statsResponse struct {
		SubscriptionID      string                   `json:"subscription_id"`
		Status              string                   `json:"status"`
		ConsecutiveFailures int                      `json:"consecutive_failures"`
		Stats               *store.SubscriptionStats `json:"stats"`
		RecentAttempts      []domain.DeliveryAttempt `json:"recent_attempts"`
	}

	respondJSON(w, http.StatusOK, statsResponse{
		SubscriptionID:      sub.ID,
		Status:              sub.Status,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		Stats:               stats,
		RecentAttempts:      attempts,
	})
}

func validVerificationType(t string) bool {
	return t == domain.VerificationChallengeEcho || t == domain.VerificationTokenEcho
}
