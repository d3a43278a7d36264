package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// NewRouter creates a chi.Mux with the webhook routes and middleware
// configured. expectedARN gates inbound SNS calls; empty disables the gate.
func NewRouter(events EventPublisher, expectedARN string, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/ses-events", func(r chi.Router) {
		r.Use(SNSSubscriptionGate(expectedARN, log))
		r.Post("/", SESEventsHandler(events))
	})

	return r
}
