package models

import (
	"encoding/json"
	"time"
)

// BillingSubscription is the local mirror of a Stripe subscription, one row per
// stripe_subscription_id. Rows are never deleted.
type BillingSubscription struct {
	ID                   int64              `json:"id"`
	AccountID            string             `json:"account_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelAt             *time.Time         `json:"cancel_at,omitempty"`
	LastEventAt          time.Time          `json:"last_event_at"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// ProviderSubscription is a subscription as reported by Stripe, either in a
// webhook payload or a read API response. Period bounds are nil when the
// payload omitted them.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	Created            time.Time
}

// HasPeriod reports whether both billing period bounds are present.
func (p *ProviderSubscription) HasPeriod() bool {
	return p.CurrentPeriodStart != nil && p.CurrentPeriodEnd != nil &&
		!p.CurrentPeriodStart.IsZero() && !p.CurrentPeriodEnd.IsZero()
}

// IsCanceling reports whether the subscription is scheduled to end.
func (p *ProviderSubscription) IsCanceling(now time.Time) bool {
	return p.CancelAtPeriodEnd || (p.CancelAt != nil && p.CancelAt.After(now))
}

// Record converts the provider view into a local mirror row for accountID.
func (p *ProviderSubscription) Record(accountID string, eventAt time.Time) *BillingSubscription {
	rec := &BillingSubscription{
		AccountID:            accountID,
		StripeSubscriptionID: p.ID,
		StripeCustomerID:     p.CustomerID,
		Status:               p.Status,
		CancelAtPeriodEnd:    p.CancelAtPeriodEnd,
		CancelAt:             p.CancelAt,
		LastEventAt:          eventAt,
	}
	if p.CurrentPeriodStart != nil {
		rec.CurrentPeriodStart = *p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		rec.CurrentPeriodEnd = *p.CurrentPeriodEnd
	}
	return rec
}

// WebhookEvent is a Stripe event after signature verification.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage // data.object
}
