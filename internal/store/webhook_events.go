package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// BeginWebhookEvent records a delivery and reports whether the same event id
// was already processed without error.
func (s *Store) BeginWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	query := `
INSERT INTO webhook_events (event_id, event_type, event_created)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO UPDATE SET received_at = now()
RETURNING processed_at IS NOT NULL AND processing_error IS NULL
	`
	var done bool
	if err := s.db.QueryRowContext(ctx, query, ev.ID, ev.Type, ev.Created).Scan(&done); err != nil {
		return false, fmt.Errorf("store: begin webhook event: %w", err)
	}
	return done, nil
}

// FinishWebhookEvent stamps the delivery as processed, recording the step
// failure message when procErr is non-nil.
func (s *Store) FinishWebhookEvent(ctx context.Context, eventID string, procErr error) error {
	var msg *string
	if procErr != nil {
		m := procErr.Error()
		msg = &m
	}
	query := `
UPDATE webhook_events
SET processed_at = now(),
	processing_error = $2
WHERE event_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, eventID, msg); err != nil {
		return fmt.Errorf("store: finish webhook event: %w", err)
	}
	return nil
}
