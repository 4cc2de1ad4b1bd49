package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hookline/hookline/internal/engine"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/verify"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, fanout *engine.FanOut, runner *verify.Runner) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	webhookHandler := NewWebhookHandler(pgStore, runner)
	eventHandler := NewEventHandler(pgStore, fanout)

	r.Get("/health", HealthHandler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", webhookHandler.Create)
		r.Get("/", webhookHandler.List)
		r.Get("/{id}", webhookHandler.Get)
		r.Patch("/{id}", webhookHandler.Update)
		r.Delete("/{id}", webhookHandler.Delete)
		r.Post("/{id}/retry", webhookHandler.Retry)
		r.Get("/{id}/stats", webhookHandler.Stats)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/trigger/{eventType}", eventHandler.Trigger)
		r.Get("/", eventHandler.List)
		r.Get("/{id}", eventHandler.Get)
	})

	return r
}
