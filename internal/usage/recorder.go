package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// DefaultRetention is how many generated reviews are kept per business.
const DefaultRetention = 3

// ArtifactStore persists generated reviews.
type ArtifactStore interface {
	CreateReview(ctx context.Context, review *models.Review) error
	TrimReviews(ctx context.Context, businessID string, keep int) (int64, error)
}

// Submitter runs work off the request path.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Outcome is the result of one billable action.
type Outcome struct {
	// ReviewID is the id the stored draft takes; empty lets the store pick one.
	ReviewID      string
	Rating        int
	Text          string
	CustomerEmail string
}

// Recorder persists the effects of a billable action in the background.
type Recorder struct {
	ledger    Ledger
	artifacts ArtifactStore
	tasks     Submitter
	retention int
	now       func() time.Time
	log       zerolog.Logger
}

// NewRecorder creates a Recorder keeping retention reviews per business.
func NewRecorder(ledger Ledger, artifacts ArtifactStore, tasks Submitter, retention int) *Recorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Recorder{
		ledger:    ledger,
		artifacts: artifacts,
		tasks:     tasks,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "action_recorder").Logger(),
	}
}

// RecordAction schedules the usage increment and artifact write and returns
// immediately.
func (r *Recorder) RecordAction(accountID, businessID string, outcome Outcome) {
	period := models.PeriodLabel(r.now())
	accepted := r.tasks.Submit("record_action", func(ctx context.Context) error {
		return r.record(ctx, accountID, businessID, period, outcome)
	})
	if !accepted {
		r.log.Error().Str("account_id", accountID).Str("business_id", businessID).Msg("action not recorded; task runner unavailable")
	}
}

// record runs the increment concurrently with the insert+trim pair. Steps
// never cancel each other; their failures are joined.
func (r *Recorder) record(ctx context.Context, accountID, businessID, period string, outcome Outcome) error {
	var eg errgroup.Group
	var incErr, artifactErr error

	if accountID != "" {
		eg.Go(func() error {
			if _, err := r.ledger.IncrementUsage(ctx, accountID, period); err != nil {
				incErr = fmt.Errorf("increment usage: %w", err)
				metrics.RecorderFailures.WithLabelValues("increment").Inc()
				r.log.Error().Err(err).Str("account_id", accountID).Str("period", period).Msg("failed to increment usage")
			}
			return nil
		})
	}

	eg.Go(func() error {
		artifactErr = r.storeArtifact(ctx, businessID, outcome)
		return nil
	})

	_ = eg.Wait()
	return errors.Join(incErr, artifactErr)
}

func (r *Recorder) storeArtifact(ctx context.Context, businessID string, outcome Outcome) error {
	review := &models.Review{
		ID:              outcome.ReviewID,
		BusinessID:      businessID,
		Rating:          outcome.Rating,
		GeneratedReview: outcome.Text,
	}
	if outcome.CustomerEmail != "" {
		email := outcome.CustomerEmail
		review.CustomerEmail = &email
	}

	logger := r.log.With().Str("business_id", businessID).Logger()
	if err := r.artifacts.CreateReview(ctx, review); err != nil {
		metrics.RecorderFailures.WithLabelValues("insert").Inc()
		logger.Error().Err(err).Msg("failed to store generated review")
		// Trim still runs so an earlier overshoot is corrected.
		if _, trimErr := r.artifacts.TrimReviews(ctx, businessID, r.retention); trimErr != nil {
			metrics.RecorderFailures.WithLabelValues("trim").Inc()
			logger.Error().Err(trimErr).Msg("failed to trim reviews")
			return errors.Join(fmt.Errorf("store review: %w", err), fmt.Errorf("trim reviews: %w", trimErr))
		}
		return fmt.Errorf("store review: %w", err)
	}

	if _, err := r.artifacts.TrimReviews(ctx, businessID, r.retention); err != nil {
		metrics.RecorderFailures.WithLabelValues("trim").Inc()
		logger.Error().Err(err).Msg("failed to trim reviews")
		return fmt.Errorf("trim reviews: %w", err)
	}
	return nil
}
