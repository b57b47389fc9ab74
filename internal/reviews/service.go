// Package reviews implements the public review page actions: drafting a
// review for a positive rating, and collecting private feedback otherwise.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/generator"
	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
)

// previousDrafts is how many recent drafts feed the prompt.
const previousDrafts = 3

// ErrInvalidRequest wraps payload validation failures.
var ErrInvalidRequest = errors.New("reviews: invalid request")

// Store is the persistence used by the service.
type Store interface {
	GetBusinessBySlug(ctx context.Context, slug string) (*models.Business, error)
	RecentReviewTexts(ctx context.Context, businessID string, limit int) ([]string, error)
	MarkReviewPosted(ctx context.Context, reviewID string) error
	CreateFeedback(ctx context.Context, fb *models.Feedback) error
}

// Gate decides whether a billable action may run.
type Gate interface {
	Check(ctx context.Context, accountID string) usage.Decision
}

// Recorder persists the effects of a billable action.
type Recorder interface {
	RecordAction(accountID, businessID string, outcome usage.Outcome)
}

// Notifier delivers private feedback to the business owner.
type Notifier interface {
	NotifyFeedback(ctx context.Context, business *models.Business, fb *models.Feedback) error
}

// GenerateRequest is the payload for drafting a review.
type GenerateRequest struct {
	Rating        int    `json:"rating" validate:"required,min=3,max=4"`
	CustomerEmail string `json:"customerEmail" validate:"omitempty,email"`
}

// FeedbackRequest is the payload for private feedback.
type FeedbackRequest struct {
	Rating        int    `json:"rating" validate:"required,min=1,max=2"`
	Message       string `json:"message" validate:"required,max=5000"`
	CustomerEmail string `json:"customerEmail" validate:"omitempty,email"`
}

// Service coordinates the gate, generator and recorder.
type Service struct {
	store     Store
	gate      Gate
	generator generator.Generator
	recorder  Recorder
	notifier  Notifier
	validate  *validator.Validate
	log       zerolog.Logger
}

// NewService creates a Service. A nil notifier logs feedback.
func NewService(st Store, gate Gate, gen generator.Generator, recorder Recorder, notifier Notifier) *Service {
	if gen == nil {
		gen = generator.Disabled{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Service{
		store:     st,
		gate:      gate,
		generator: gen,
		recorder:  recorder,
		notifier:  notifier,
		validate:  validator.New(),
		log:       log.With().Str("component", "reviews").Logger(),
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}
	return nil
}

// Draft is a generated review. ReviewID identifies the stored row and is
// what MarkPosted takes; both fields are empty when generation failed.
type Draft struct {
	ReviewID string
	Text     string
}

// Generate drafts a review for the business at slug. It returns
// usage.ErrLimitReached when the owning account is out of free actions. A
// generator failure yields an empty draft, not an error.
func (s *Service) Generate(ctx context.Context, slug string, req GenerateRequest) (Draft, error) {
	if err := s.check(req); err != nil {
		return Draft{}, err
	}
	business, err := s.store.GetBusinessBySlug(ctx, slug)
	if err != nil {
		return Draft{}, err
	}
	ownerID := business.OwnerID()
	logger := s.log.With().Str("business_id", business.ID).Str("account_id", ownerID).Logger()

	if d := s.gate.Check(ctx, ownerID); !d.Allowed {
		metrics.ReviewsGenerated.WithLabelValues("limit_reached").Inc()
		logger.Info().Int("used", d.Used).Int("ceiling", d.Ceiling).Msg("free tier limit reached")
		return Draft{}, usage.ErrLimitReached
	}

	previous, err := s.store.RecentReviewTexts(ctx, business.ID, previousDrafts)
	if err != nil {
		logger.Warn().Err(err).Msg("could not load previous drafts")
		previous = nil
	}

	text, err := s.generator.Generate(ctx, generator.Request{
		BusinessName:    business.Name,
		Location:        business.Location,
		Keywords:        business.Keywords,
		Rating:          req.Rating,
		PreviousReviews: previous,
	})
	if err != nil {
		logger.Error().Err(err).Msg("review generation failed; returning empty draft")
		text = ""
	}
	if text == "" {
		metrics.ReviewsGenerated.WithLabelValues("empty").Inc()
		return Draft{}, nil
	}

	metrics.ReviewsGenerated.WithLabelValues("generated").Inc()
	draft := Draft{ReviewID: uuid.NewString(), Text: text}
	s.recorder.RecordAction(ownerID, business.ID, usage.Outcome{
		ReviewID:      draft.ReviewID,
		Rating:        req.Rating,
		Text:          text,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
	})
	return draft, nil
}

// SubmitFeedback stores negative-rating feedback and notifies the owner.
// Feedback is neither gated nor counted.
func (s *Service) SubmitFeedback(ctx context.Context, slug string, req FeedbackRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if err := s.check(req); err != nil {
		return err
	}
	business, err := s.store.GetBusinessBySlug(ctx, slug)
	if err != nil {
		return err
	}

	fb := &models.Feedback{BusinessID: business.ID, Rating: req.Rating, Message: req.Message}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		fb.CustomerEmail = &email
	}
	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		return err
	}
	if err := s.notifier.NotifyFeedback(ctx, business, fb); err != nil {
		s.log.Warn().Err(err).Str("business_id", business.ID).Msg("feedback stored but notification failed")
	}
	return nil
}

// MarkPosted records that the customer copied the draft to Google.
func (s *Service) MarkPosted(ctx context.Context, reviewID string) error {
	if _, err := uuid.Parse(reviewID); err != nil {
		return fmt.Errorf("%w: review id", ErrInvalidRequest)
	}
	return s.store.MarkReviewPosted(ctx, reviewID)
}

// LogNotifier writes feedback to the structured log.
type LogNotifier struct{}

// NotifyFeedback implements Notifier.
func (LogNotifier) NotifyFeedback(_ context.Context, business *models.Business, fb *models.Feedback) error {
	ev := log.Info().
		Str("component", "feedback").
		Str("business_id", business.ID).
		Str("business", business.Name).
		Str("contact_email", business.ContactEmail).
		Int("rating", fb.Rating).
		Str("message", fb.Message)
	if fb.CustomerEmail != nil {
		ev = ev.Str("customer_email", *fb.CustomerEmail)
	}
	ev.Msg("customer feedback received")
	return nil
}
