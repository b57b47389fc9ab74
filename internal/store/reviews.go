package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// CreateReview inserts a generated review draft. An empty ID is assigned.
func (s *Store) CreateReview(ctx context.Context, review *models.Review) error {
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	query := `
INSERT INTO reviews (id, business_id, rating, generated_review, feedback, customer_email, is_posted_to_google)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		review.ID,
		review.BusinessID,
		review.Rating,
		review.GeneratedReview,
		review.Feedback,
		review.CustomerEmail,
		review.IsPostedToGoogle,
	).Scan(&review.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create review: %w", err)
	}
	return nil
}

// RecentReviewTexts returns up to limit generated texts, newest first.
func (s *Store) RecentReviewTexts(ctx context.Context, businessID string, limit int) ([]string, error) {
	query := `
SELECT generated_review
FROM reviews
WHERE business_id = $1 AND generated_review <> ''
ORDER BY created_at DESC, id DESC
LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent reviews: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("store: scan review: %w", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate reviews: %w", err)
	}
	return texts, nil
}

// TrimReviews deletes all but the keep most recent reviews for a business and
// returns how many rows were removed.
func (s *Store) TrimReviews(ctx context.Context, businessID string, keep int) (int64, error) {
	query := `
DELETE FROM reviews
WHERE business_id = $1
  AND id NOT IN (
	SELECT id FROM reviews
	WHERE business_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2
  )
	`
	res, err := s.db.ExecContext(ctx, query, businessID, keep)
	if err != nil {
		return 0, fmt.Errorf("store: trim reviews: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkReviewPosted flags a review as copied to Google.
func (s *Store) MarkReviewPosted(ctx context.Context, reviewID string) error {
	query := `UPDATE reviews SET is_posted_to_google = true WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, reviewID)
	if err != nil {
		return fmt.Errorf("store: mark review posted: %w", err)
	}
	return requireRow(res, ErrReviewNotFound)
}

// CreateFeedback stores a private feedback submission.
func (s *Store) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	query := `
INSERT INTO feedback (id, business_id, rating, message, customer_email)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query, fb.ID, fb.BusinessID, fb.Rating, fb.Message, fb.CustomerEmail).Scan(&fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create feedback: %w", err)
	}
	return nil
}
