package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// Redirect tells the client where to send the account owner next.
type Redirect struct {
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
}

const (
	RedirectCheckout = "checkout"
	RedirectPortal   = "portal"
)

// CheckoutConfig holds the Stripe price and app URLs for sessions.
type CheckoutConfig struct {
	PriceID    string
	AppBaseURL string
	Timeout    time.Duration
}

// Checkout creates checkout or portal sessions for an account.
type Checkout struct {
	accounts  AccountStore
	provider  Provider
	collapser *Collapser
	cfg       CheckoutConfig
	log       zerolog.Logger
}

// NewCheckout creates a Checkout service.
func NewCheckout(accounts AccountStore, provider Provider, collapser *Collapser, cfg CheckoutConfig) *Checkout {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Checkout{
		accounts:  accounts,
		provider:  provider,
		collapser: collapser,
		cfg:       cfg,
		log:       log.With().Str("component", "checkout").Logger(),
	}
}

func (c *Checkout) loadAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := c.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, newError(http.StatusNotFound, "Account not found", nil)
	}
	if err != nil {
		return nil, newError(http.StatusInternalServerError, "Failed to load account", err)
	}
	return acct, nil
}

// StartCheckout returns a portal redirect when the account already has an
// active subscription, otherwise a new subscription checkout.
func (c *Checkout) StartCheckout(ctx context.Context, accountID string) (*Redirect, error) {
	if c.provider == nil || c.cfg.PriceID == "" {
		return nil, newError(http.StatusServiceUnavailable, "Billing is not configured", nil)
	}
	acct, err := c.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	customerID, err := c.ensureCustomer(ctx, acct)
	if err != nil {
		return nil, providerError("Failed to prepare billing customer", err)
	}

	if c.collapser != nil {
		kept, err := c.collapser.CollapseDuplicates(ctx, customerID)
		if err != nil {
			c.log.Warn().Err(err).Str("account_id", acct.ID).Msg("could not list existing subscriptions; continuing to checkout")
		} else if kept != nil {
			url, err := c.provider.CreatePortalSession(ctx, customerID, c.cfg.AppBaseURL+"/billing")
			if err != nil {
				c.log.Warn().Err(err).Str("account_id", acct.ID).Msg("portal unavailable for subscribed account")
				return nil, &Error{
					Status:  http.StatusBadRequest,
					Message: "You already have an active subscription",
					Detail:  "Please manage your subscription from the billing page.",
					Err:     err,
				}
			}
			return &Redirect{
				Kind:    RedirectPortal,
				URL:     url,
				Message: "You already have an active subscription.",
			}, nil
		}
	}

	url, err := c.provider.CreateCheckoutSession(ctx, CheckoutParams{
		AccountID:  acct.ID,
		CustomerID: customerID,
		PriceID:    c.cfg.PriceID,
		SuccessURL: c.cfg.AppBaseURL + "/billing?success=true",
		CancelURL:  c.cfg.AppBaseURL + "/billing?canceled=true",
	})
	if err != nil {
		return nil, providerError("Failed to create checkout session", err)
	}
	c.log.Info().Str("account_id", acct.ID).Str("customer_id", customerID).Msg("checkout session created")
	return &Redirect{Kind: RedirectCheckout, URL: url}, nil
}

// OpenPortal returns a billing portal redirect for an existing customer.
func (c *Checkout) OpenPortal(ctx context.Context, accountID string) (*Redirect, error) {
	if c.provider == nil {
		return nil, newError(http.StatusServiceUnavailable, "Billing is not configured", nil)
	}
	acct, err := c.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	customerID := acct.CustomerID()
	if customerID == "" {
		return nil, newError(http.StatusNotFound, "No billing account found", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	exists, err := c.provider.CustomerExists(ctx, customerID)
	if err != nil {
		return nil, providerError("Failed to verify billing customer", err)
	}
	if !exists {
		return nil, newError(http.StatusNotFound, "Customer account not found", nil)
	}

	url, err := c.provider.CreatePortalSession(ctx, customerID, c.cfg.AppBaseURL+"/dashboard")
	if err != nil {
		return nil, providerError("Failed to open billing portal", err)
	}
	return &Redirect{Kind: RedirectPortal, URL: url}, nil
}

// ensureCustomer returns a Stripe customer id that exists at the provider,
// creating one (and persisting it) when missing.
func (c *Checkout) ensureCustomer(ctx context.Context, acct *models.Account) (string, error) {
	if existing := acct.CustomerID(); existing != "" {
		ok, err := c.provider.CustomerExists(ctx, existing)
		if err != nil {
			return "", err
		}
		if ok {
			return existing, nil
		}

		c.log.Warn().Str("account_id", acct.ID).Str("customer_id", existing).Msg("stored customer missing at provider; recreating")
		created, err := c.provider.CreateCustomer(ctx, acct.Email, acct.ID)
		if err != nil {
			return "", err
		}
		if err := c.accounts.SetBillingCustomerID(ctx, acct.ID, created); err != nil {
			return "", err
		}
		return created, nil
	}

	created, err := c.provider.CreateCustomer(ctx, acct.Email, acct.ID)
	if err != nil {
		return "", err
	}
	changed, err := c.accounts.BackfillBillingCustomerID(ctx, acct.ID, created)
	if err != nil {
		return "", err
	}
	if changed {
		return created, nil
	}

	// A concurrent checkout linked a customer first; use the stored one.
	fresh, err := c.accounts.GetAccount(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	c.log.Info().Str("account_id", acct.ID).Str("orphan_customer_id", created).Msg("customer already linked by concurrent checkout")
	if fresh.CustomerID() == "" {
		return created, nil
	}
	return fresh.CustomerID(), nil
}
