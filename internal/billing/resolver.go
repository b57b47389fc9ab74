package billing

import (
	"context"
	"errors"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// Hint carries the identifiers an event offers for locating its account.
type Hint struct {
	CustomerID     string
	Email          string
	SubscriptionID string
}

// AccountResolver finds the account an event belongs to. It returns
// (nil, nil) when nothing matches.
type AccountResolver interface {
	Resolve(ctx context.Context, hint Hint) (*models.Account, error)
}

// ResolverFunc adapts a function to AccountResolver.
type ResolverFunc func(ctx context.Context, hint Hint) (*models.Account, error)

// Resolve implements AccountResolver.
func (f ResolverFunc) Resolve(ctx context.Context, hint Hint) (*models.Account, error) {
	return f(ctx, hint)
}

func notFoundToNil(acct *models.Account, err error) (*models.Account, error) {
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, nil
	}
	return acct, err
}

// ByCustomerID matches the account linked to the event's Stripe customer.
func ByCustomerID(accounts AccountStore) AccountResolver {
	return ResolverFunc(func(ctx context.Context, hint Hint) (*models.Account, error) {
		if hint.CustomerID == "" {
			return nil, nil
		}
		return notFoundToNil(accounts.GetAccountByCustomerID(ctx, hint.CustomerID))
	})
}

// ByEmail matches on the email carried by the event itself.
func ByEmail(accounts AccountStore) AccountResolver {
	return ResolverFunc(func(ctx context.Context, hint Hint) (*models.Account, error) {
		if hint.Email == "" {
			return nil, nil
		}
		return notFoundToNil(accounts.GetAccountByEmail(ctx, hint.Email))
	})
}

// ByProviderCustomerEmail asks the provider for the customer's email and
// matches on it. Used when the customer id was never linked locally.
func ByProviderCustomerEmail(accounts AccountStore, provider Provider) AccountResolver {
	return ResolverFunc(func(ctx context.Context, hint Hint) (*models.Account, error) {
		if hint.CustomerID == "" || provider == nil {
			return nil, nil
		}
		email, err := provider.CustomerEmail(ctx, hint.CustomerID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if email == "" {
			return nil, nil
		}
		return notFoundToNil(accounts.GetAccountByEmail(ctx, email))
	})
}

// BySubscriptionRecord follows the local mirror row for the subscription id.
func BySubscriptionRecord(accounts AccountStore, subs SubscriptionStore) AccountResolver {
	return ResolverFunc(func(ctx context.Context, hint Hint) (*models.Account, error) {
		if hint.SubscriptionID == "" {
			return nil, nil
		}
		rec, err := subs.GetSubscriptionByStripeID(ctx, hint.SubscriptionID)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return notFoundToNil(accounts.GetAccount(ctx, rec.AccountID))
	})
}

// FirstOf tries resolvers in order and returns the first match. A failing
// resolver does not stop the chain; its error is returned only when no
// later resolver matches.
func FirstOf(resolvers ...AccountResolver) AccountResolver {
	return ResolverFunc(func(ctx context.Context, hint Hint) (*models.Account, error) {
		var errs []error
		for _, r := range resolvers {
			acct, err := r.Resolve(ctx, hint)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if acct != nil {
				return acct, nil
			}
		}
		return nil, errors.Join(errs...)
	})
}
