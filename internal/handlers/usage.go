package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/middleware"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
)

// UsageSummarizer reads an account's usage view.
type UsageSummarizer interface {
	Summary(ctx context.Context, accountID string) (usage.Summary, error)
}

// Usage returns lifetime usage and the free-tier limit for the caller.
func Usage(summarizer UsageSummarizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountID(r.Context())
		summary, err := summarizer.Summary(r.Context(), accountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("failed to read usage")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
