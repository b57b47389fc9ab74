package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

var errNoCustomer = errors.New("account has no billing customer")

// Entitlement is the billing state shown to the account owner.
type Entitlement struct {
	Status         *models.SubscriptionStatus `json:"status"`
	SubscriptionID *string                    `json:"subscriptionId,omitempty"`
	EndDate        *time.Time                 `json:"endDate"`
	IsCanceling    bool                       `json:"isCanceling"`
	Source         string                     `json:"source"`
}

const (
	SourceLocal    = "local"
	SourceProvider = "provider"
)

// Refresher reconciles an account's entitlement against the provider on
// read paths, writing corrections back off the request path.
type Refresher struct {
	accounts AccountStore
	provider Provider
	tasks    TaskSubmitter
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRefresher creates a Refresher. A zero timeout defaults to 10s.
func NewRefresher(accounts AccountStore, provider Provider, tasks TaskSubmitter, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{
		accounts: accounts,
		provider: provider,
		tasks:    tasks,
		timeout:  timeout,
		now:      time.Now,
		log:      log.With().Str("component", "entitlement_refresh").Logger(),
	}
}

func localEntitlement(acct *models.Account) Entitlement {
	return Entitlement{
		Status:         acct.SubscriptionStatus,
		SubscriptionID: acct.SubscriptionID,
		Source:         SourceLocal,
	}
}

// Refresh returns the freshest entitlement it can. Provider failures fall
// back to the stored state; only the account read can fail the call.
func (r *Refresher) Refresh(ctx context.Context, accountID string) (Entitlement, error) {
	acct, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return Entitlement{}, err
	}
	local := localEntitlement(acct)

	if acct.SubscriptionID == nil && !acct.Status().IsActiveEquivalent() {
		return local, nil
	}
	if r.provider == nil {
		return local, nil
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sub, err := r.lookup(pctx, acct)
	if err != nil {
		r.log.Warn().Err(err).Str("account_id", acct.ID).Msg("provider lookup failed; serving stored entitlement")
		return local, nil
	}

	if sub == nil {
		if acct.SubscriptionID != nil || acct.SubscriptionStatus != nil {
			r.submitCorrection(acct, nil)
		}
		return Entitlement{Source: SourceProvider}, nil
	}

	if needsCorrection(acct, sub) {
		r.submitCorrection(acct, sub)
	}
	return r.fromProvider(sub), nil
}

// Resync always consults the provider, bypassing the fast path, and applies
// any correction synchronously. Used by the durable worker.
func (r *Refresher) Resync(ctx context.Context, accountID string) error {
	acct, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	customerID := acct.CustomerID()
	if customerID == "" || r.provider == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	subs, err := r.provider.ListCustomerSubscriptions(pctx, customerID)
	if err != nil {
		return err
	}
	sub := mostRelevant(subs)
	if !needsCorrection(acct, sub) {
		return nil
	}
	return r.correct(ctx, acct, sub)
}

func (r *Refresher) lookup(ctx context.Context, acct *models.Account) (*models.ProviderSubscription, error) {
	if acct.SubscriptionID != nil {
		sub, err := r.provider.GetSubscription(ctx, *acct.SubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.log.Info().Str("account_id", acct.ID).Str("subscription_id", *acct.SubscriptionID).Msg("stored subscription missing at provider; listing customer subscriptions")
	}

	customerID := acct.CustomerID()
	if customerID == "" {
		if acct.SubscriptionID != nil {
			return nil, nil
		}
		return nil, errNoCustomer
	}
	subs, err := r.provider.ListCustomerSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return mostRelevant(subs), nil
}

func (r *Refresher) fromProvider(sub *models.ProviderSubscription) Entitlement {
	ent := Entitlement{Source: SourceProvider}
	if !sub.Status.IsActiveEquivalent() {
		return ent
	}

	status := sub.Status
	id := sub.ID
	ent.Status = &status
	ent.SubscriptionID = &id
	ent.IsCanceling = sub.IsCanceling(r.now())
	if ent.IsCanceling && sub.CancelAt != nil {
		ent.EndDate = sub.CancelAt
	} else {
		ent.EndDate = sub.CurrentPeriodEnd
	}
	return ent
}

// needsCorrection reports whether the stored pair disagrees with sub. A nil
// sub means the provider has nothing for the account.
func needsCorrection(acct *models.Account, sub *models.ProviderSubscription) bool {
	if sub == nil || !sub.Status.IsActiveEquivalent() {
		return acct.SubscriptionStatus != nil || acct.SubscriptionID != nil
	}
	return acct.Status() != sub.Status || acct.SubscriptionID == nil || *acct.SubscriptionID != sub.ID
}

func (r *Refresher) submitCorrection(acct *models.Account, sub *models.ProviderSubscription) {
	if r.tasks == nil {
		return
	}
	snapshot := *acct
	var target *models.ProviderSubscription
	if sub != nil {
		copied := *sub
		target = &copied
	}
	r.tasks.Submit("entitlement_correction", func(ctx context.Context) error {
		return r.correct(ctx, &snapshot, target)
	})
}

func (r *Refresher) correct(ctx context.Context, acct *models.Account, sub *models.ProviderSubscription) error {
	if sub != nil && sub.Status.IsActiveEquivalent() {
		r.log.Info().Str("account_id", acct.ID).Str("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("correcting stored entitlement")
		return r.accounts.SetEntitlement(ctx, acct.ID, sub.Status, sub.ID)
	}
	r.log.Info().Str("account_id", acct.ID).Msg("clearing stale stored entitlement")
	return r.accounts.ClearEntitlement(ctx, acct.ID)
}
