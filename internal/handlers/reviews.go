package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/reviews"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
)

const publicBodyLimit = 16 << 10

// ReviewService is the public review page surface.
type ReviewService interface {
	Generate(ctx context.Context, slug string, req reviews.GenerateRequest) (reviews.Draft, error)
	SubmitFeedback(ctx context.Context, slug string, req reviews.FeedbackRequest) error
	MarkPosted(ctx context.Context, reviewID string) error
}

// ReviewHandler serves the public review endpoints.
type ReviewHandler struct {
	Service ReviewService
}

// NewReviewHandler creates a ReviewHandler.
func NewReviewHandler(service ReviewService) *ReviewHandler {
	return &ReviewHandler{Service: service}
}

// RegisterRoutes registers the public routes.
func (h *ReviewHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/public/businesses/{slug}/reviews", h.Generate())
	router.Post("/api/public/businesses/{slug}/feedback", h.Feedback())
	router.Post("/api/public/reviews/{id}/posted", h.MarkPosted())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, publicBodyLimit)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeReviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usage.ErrLimitReached):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "limit_reached"})
	case errors.Is(err, reviews.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: err.Error()})
	case errors.Is(err, store.ErrBusinessNotFound):
		writeError(w, http.StatusNotFound, "Business not found")
	case errors.Is(err, store.ErrReviewNotFound):
		writeError(w, http.StatusNotFound, "Review not found")
	default:
		log.Error().Err(err).Msg("review request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

type generateResponse struct {
	Success  bool   `json:"success"`
	Review   string `json:"review"`
	ReviewID string `json:"reviewId,omitempty"`
}

// Generate drafts a review for a positive rating. The returned reviewId is
// what the posted route takes.
func (h *ReviewHandler) Generate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviews.GenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		draft, err := h.Service.Generate(r.Context(), chi.URLParam(r, "slug"), req)
		if err != nil {
			writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, generateResponse{Success: true, Review: draft.Text, ReviewID: draft.ReviewID})
	}
}

// Feedback stores private feedback for a negative rating.
func (h *ReviewHandler) Feedback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviews.FeedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := h.Service.SubmitFeedback(r.Context(), chi.URLParam(r, "slug"), req); err != nil {
			writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// MarkPosted flags a draft as posted to Google.
func (h *ReviewHandler) MarkPosted() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Service.MarkPosted(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
