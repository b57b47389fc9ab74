package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/middleware"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// CheckoutService starts checkout and portal sessions.
type CheckoutService interface {
	StartCheckout(ctx context.Context, accountID string) (*billing.Redirect, error)
	OpenPortal(ctx context.Context, accountID string) (*billing.Redirect, error)
}

// EntitlementRefresher returns the current billing entitlement.
type EntitlementRefresher interface {
	Refresh(ctx context.Context, accountID string) (billing.Entitlement, error)
}

// BillingHandler serves the authenticated billing routes.
type BillingHandler struct {
	Checkout  CheckoutService
	Refresher EntitlementRefresher
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(checkout CheckoutService, refresher EntitlementRefresher) *BillingHandler {
	return &BillingHandler{Checkout: checkout, Refresher: refresher}
}

// RegisterRoutes registers billing routes. The router must already require
// an authenticated account.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/billing/checkout", h.StartCheckout())
	router.Get("/api/billing/portal", h.OpenPortal())
	router.Get("/api/billing/status", h.Status())
}

func writeBillingError(w http.ResponseWriter, accountID string, err error) {
	var be *billing.Error
	if errors.As(err, &be) {
		if be.Status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("account_id", accountID).Msg("billing request failed")
		}
		writeJSON(w, be.Status, errorResponse{Error: be.Message, Details: be.Detail})
		return
	}
	log.Error().Err(err).Str("account_id", accountID).Msg("billing request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// StartCheckout returns a checkout URL, or a portal URL when the account is
// already subscribed.
func (h *BillingHandler) StartCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountID(r.Context())
		redirect, err := h.Checkout.StartCheckout(r.Context(), accountID)
		if err != nil {
			writeBillingError(w, accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, redirect)
	}
}

// OpenPortal returns a billing portal URL.
func (h *BillingHandler) OpenPortal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountID(r.Context())
		redirect, err := h.Checkout.OpenPortal(r.Context(), accountID)
		if err != nil {
			writeBillingError(w, accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, redirect)
	}
}

// Status returns the refreshed entitlement.
func (h *BillingHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountID(r.Context())
		ent, err := h.Refresher.Refresh(r.Context(), accountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		if err != nil {
			writeBillingError(w, accountID, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}
