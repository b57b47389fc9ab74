package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// UpsertSubscription inserts or updates the mirror row keyed by
// stripe_subscription_id. Writes carrying an older LastEventAt than the stored
// row are ignored; applied is false in that case.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) (bool, error) {
	query := `
INSERT INTO billing_subscriptions (
	account_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, cancel_at, last_event_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (stripe_subscription_id) DO UPDATE SET
	account_id = EXCLUDED.account_id,
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	status = EXCLUDED.status,
	current_period_start = EXCLUDED.current_period_start,
	current_period_end = EXCLUDED.current_period_end,
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	cancel_at = EXCLUDED.cancel_at,
	last_event_at = EXCLUDED.last_event_at,
	updated_at = now()
WHERE billing_subscriptions.last_event_at <= EXCLUDED.last_event_at
RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.AccountID,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelAt,
		sub.LastEventAt,
	).Scan(&sub.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: upsert subscription: %w", err)
	}
	return true, nil
}

// MarkSubscriptionCanceled sets an existing mirror row to canceled. It never
// inserts; found is false when no row exists for the id.
func (s *Store) MarkSubscriptionCanceled(ctx context.Context, stripeSubscriptionID string, eventAt time.Time) (bool, error) {
	query := `
UPDATE billing_subscriptions
SET status = 'canceled',
	last_event_at = GREATEST(last_event_at, $2),
	updated_at = now()
WHERE stripe_subscription_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, stripeSubscriptionID, eventAt)
	if err != nil {
		return false, fmt.Errorf("store: cancel subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetSubscriptionByStripeID loads a mirror row.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error) {
	query := `
SELECT id, account_id::text, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, cancel_at,
	last_event_at, created_at, updated_at
FROM billing_subscriptions
WHERE stripe_subscription_id = $1
	`
	var (
		sub      models.BillingSubscription
		status   string
		cancelAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, stripeSubscriptionID).Scan(
		&sub.ID,
		&sub.AccountID,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&cancelAt,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	sub.Status = models.SubscriptionStatus(status)
	if cancelAt.Valid {
		t := cancelAt.Time
		sub.CancelAt = &t
	}
	return &sub, nil
}
