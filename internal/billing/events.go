package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// Stripe event types consumed by the reconciler.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

type checkoutSession struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (c *checkoutSession) email() string {
	if c.CustomerEmail != "" {
		return c.CustomerEmail
	}
	if c.CustomerDetails != nil {
		return c.CustomerDetails.Email
	}
	return ""
}

type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CancelAt           int64  `json:"cancel_at"`
	Created            int64  `json:"created"`
}

func (s *subscriptionObject) toProvider() *models.ProviderSubscription {
	return &models.ProviderSubscription{
		ID:                 s.ID,
		CustomerID:         s.Customer,
		Status:             models.SubscriptionStatus(s.Status),
		CurrentPeriodStart: UnixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   UnixTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CancelAt:           UnixTime(s.CancelAt),
		Created:            time.Unix(s.Created, 0).UTC(),
	}
}

// UnixTime converts a Stripe unix timestamp, treating zero as absent.
func UnixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// decodeObject unmarshals the event's data.object payload.
func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
