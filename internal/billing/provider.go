// Package billing reconciles Stripe subscription state with local account
// entitlements and drives checkout and portal sessions.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// ErrNotFound is returned by a Provider when the referenced customer or
// subscription does not exist (or was deleted) at the billing provider.
var ErrNotFound = errors.New("billing: resource not found at provider")

// CheckoutParams describes a subscription-mode checkout session.
type CheckoutParams struct {
	AccountID  string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Provider is the read/write surface of the billing provider used by this package.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*models.ProviderSubscription, error)
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]models.ProviderSubscription, error)
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	CustomerExists(ctx context.Context, customerID string) (bool, error)
	CreateCustomer(ctx context.Context, email, accountID string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// AccountStore is the entitlement store as seen by billing components.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	SetEntitlement(ctx context.Context, accountID string, status models.SubscriptionStatus, subscriptionID string) error
	ClearEntitlement(ctx context.Context, accountID string) error
	BackfillBillingCustomerID(ctx context.Context, accountID, customerID string) (bool, error)
	SetBillingCustomerID(ctx context.Context, accountID, customerID string) error
}

// SubscriptionStore persists the local subscription mirror.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) (bool, error)
	MarkSubscriptionCanceled(ctx context.Context, stripeSubscriptionID string, eventAt time.Time) (bool, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error)
}

// Store combines the persistence needed by the reconciler.
type Store interface {
	AccountStore
	SubscriptionStore
}

// JobQueue schedules durable background billing work.
type JobQueue interface {
	EnqueueUnique(ctx context.Context, job *models.Job, dedupeKey string) (bool, error)
}

// TaskSubmitter runs fire-and-forget work off the request path.
type TaskSubmitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// mostRelevant picks the newest active-equivalent subscription, falling back
// to the newest of any status. It returns nil for an empty list.
func mostRelevant(subs []models.ProviderSubscription) *models.ProviderSubscription {
	var bestActive, bestAny *models.ProviderSubscription
	for i := range subs {
		s := &subs[i]
		if bestAny == nil || newer(s, bestAny) {
			bestAny = s
		}
		if s.Status.IsActiveEquivalent() && (bestActive == nil || newer(s, bestActive)) {
			bestActive = s
		}
	}
	if bestActive != nil {
		return bestActive
	}
	return bestAny
}

func newer(a, b *models.ProviderSubscription) bool {
	if a.Created.Equal(b.Created) {
		return a.ID > b.ID
	}
	return a.Created.After(b.Created)
}
