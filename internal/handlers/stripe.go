package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
	stripeClient "github.com/PortNumber53/leaveratings/backend/internal/stripe"
)

const webhookBodyLimit = 65536

// WebhookEventLog records deliveries so processed events can be skipped.
type WebhookEventLog interface {
	BeginWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	FinishWebhookEvent(ctx context.Context, eventID string, procErr error) error
}

// EventReconciler applies a verified Stripe event.
type EventReconciler interface {
	HandleEvent(ctx context.Context, ev *models.WebhookEvent) (*billing.Outcome, error)
}

// StripeHandler holds dependencies for the Stripe webhook endpoint
type StripeHandler struct {
	Events        WebhookEventLog
	Reconciler    EventReconciler
	WebhookSecret string
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(events WebhookEventLog, reconciler EventReconciler, webhookSecret string) *StripeHandler {
	return &StripeHandler{
		Events:        events,
		Reconciler:    reconciler,
		WebhookSecret: webhookSecret,
	}
}

// RegisterRoutes registers the webhook route
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

type webhookReceived struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// HandleWebhook verifies and processes Stripe webhook events. Step failures
// inside a recognised event are recorded and still acknowledged.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unknown"
		result := "rejected"
		defer func() {
			metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		if strings.TrimSpace(h.WebhookSecret) == "" {
			writeError(w, http.StatusServiceUnavailable, "webhook secret not configured")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		signature := r.Header.Get("Stripe-Signature")
		if signature == "" {
			writeError(w, http.StatusBadRequest, "missing Stripe signature")
			return
		}

		event, err := stripeClient.ConstructEvent(body, signature, h.WebhookSecret)
		if err != nil {
			log.Warn().Err(err).Msg("webhook signature verification failed")
			writeError(w, http.StatusBadRequest, "invalid Stripe signature")
			return
		}
		eventType = event.Type
		logger := log.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

		done, err := h.Events.BeginWebhookEvent(r.Context(), event)
		if err != nil {
			logger.Warn().Err(err).Msg("could not record webhook delivery; processing anyway")
		}
		if done {
			result = "duplicate"
			logger.Debug().Msg("event already processed")
			writeJSON(w, http.StatusOK, webhookReceived{Received: true, Duplicate: true})
			return
		}

		outcome, err := h.Reconciler.HandleEvent(r.Context(), event)
		if err != nil {
			h.finish(r.Context(), event.ID, err)
			if errors.Is(err, billing.ErrInvalidEvent) {
				result = "invalid"
				writeError(w, http.StatusBadRequest, "invalid event payload")
				return
			}
			result = "error"
			logger.Error().Err(err).Msg("webhook processing failed")
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}

		result = outcome.Result()
		h.finish(r.Context(), event.ID, outcome.Err())
		writeJSON(w, http.StatusOK, webhookReceived{Received: true})
	}
}

func (h *StripeHandler) finish(ctx context.Context, eventID string, procErr error) {
	if err := h.Events.FinishWebhookEvent(ctx, eventID, procErr); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("could not record webhook outcome")
	}
}
