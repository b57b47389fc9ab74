package models

import "time"

// SubscriptionStatus mirrors the Stripe subscription status values.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// IsActiveEquivalent reports whether the status entitles the account to a
// subscription reference (active or trialing).
func (s SubscriptionStatus) IsActiveEquivalent() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Account is a business owner. SubscriptionStatus and SubscriptionID are
// either both nil or both set with an active-equivalent status.
type Account struct {
	ID                 string              `json:"id"`
	Email              string              `json:"email"`
	SubscriptionStatus *SubscriptionStatus `json:"subscription_status,omitempty"`
	SubscriptionID     *string             `json:"subscription_id,omitempty"`
	BillingCustomerID  *string             `json:"billing_customer_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Status returns the stored subscription status or "" for the free tier.
func (a *Account) Status() SubscriptionStatus {
	if a == nil || a.SubscriptionStatus == nil {
		return ""
	}
	return *a.SubscriptionStatus
}

// CustomerID returns the Stripe customer id or "".
func (a *Account) CustomerID() string {
	if a == nil || a.BillingCustomerID == nil {
		return ""
	}
	return *a.BillingCustomerID
}

// Business is the public review page owned by an account. AccountID is nil
// for orphaned pages.
type Business struct {
	ID               string    `json:"id"`
	AccountID        *string   `json:"account_id,omitempty"`
	Slug             string    `json:"slug"`
	Name             string    `json:"name"`
	Location         string    `json:"location"`
	Keywords         string    `json:"keywords"`
	GoogleReviewLink string    `json:"google_review_link"`
	ContactEmail     string    `json:"contact_email"`
	CreatedAt        time.Time `json:"created_at"`
}

// OwnerID returns the owning account id or "" when the business is orphaned.
func (b *Business) OwnerID() string {
	if b == nil || b.AccountID == nil {
		return ""
	}
	return *b.AccountID
}
