// Package stripe adapts the Stripe SDK to the billing.Provider interface and
// verifies webhook signatures.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripelib "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// listLimit bounds how many subscriptions are read per customer.
const listLimit = 10

// Client wraps the Stripe SDK client.
type Client struct {
	sc *client.API
}

var _ billing.Provider = (*Client)(nil)

// NewClient creates a Stripe client whose HTTP calls are bounded by timeout.
func NewClient(secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewClientWithBackends(secretKey, stripelib.NewBackends(&http.Client{Timeout: timeout}))
}

// NewClientWithBackends is used by tests to point the SDK at a fake server.
func NewClientWithBackends(secretKey string, backends *stripelib.Backends) *Client {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &Client{sc: sc}
}

// translate maps "no such resource" responses to billing.ErrNotFound.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripelib.Error
	if errors.As(err, &se) && (se.Code == stripelib.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound) {
		return fmt.Errorf("stripe: %s: %w", op, billing.ErrNotFound)
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}

func convertSubscription(sub *stripelib.Subscription) *models.ProviderSubscription {
	out := &models.ProviderSubscription{
		ID:                 sub.ID,
		Status:             models.SubscriptionStatus(sub.Status),
		CurrentPeriodStart: billing.UnixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   billing.UnixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelAt:           billing.UnixTime(sub.CancelAt),
		Created:            time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*models.ProviderSubscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, translate("get subscription", err)
	}
	return convertSubscription(sub), nil
}

// ListCustomerSubscriptions returns the customer's most recent subscriptions
// of any status.
func (c *Client) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]models.ProviderSubscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(listLimit)
	params.Single = true

	var out []models.ProviderSubscription
	iter := c.sc.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, *convertSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, translate("list subscriptions", err)
	}
	return out, nil
}

func (c *Client) getCustomer(ctx context.Context, customerID string) (*stripelib.Customer, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	cust, err := c.sc.Customers.Get(customerID, params)
	if err != nil {
		return nil, translate("get customer", err)
	}
	if cust.Deleted {
		return nil, fmt.Errorf("stripe: customer %s deleted: %w", customerID, billing.ErrNotFound)
	}
	return cust, nil
}

// CustomerEmail returns the email on file for the customer.
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	cust, err := c.getCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	return cust.Email, nil
}

// CustomerExists reports whether the customer exists and is not deleted.
func (c *Client) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	_, err := c.getCustomer(ctx, customerID)
	if errors.Is(err, billing.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateCustomer creates a customer tagged with the account id.
func (c *Client) CreateCustomer(ctx context.Context, email, accountID string) (string, error) {
	params := &stripelib.CustomerParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.AddMetadata("account_id", accountID)
	cust, err := c.sc.Customers.New(params)
	if err != nil {
		return "", translate("create customer", err)
	}
	return cust.ID, nil
}

// CancelAtPeriodEnd schedules the subscription to end with its current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(true)}
	params.Context = ctx
	if _, err := c.sc.Subscriptions.Update(subscriptionID, params); err != nil {
		return translate("cancel at period end", err)
	}
	return nil
}

// CreateCheckoutSession starts a subscription-mode checkout and returns its URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (string, error) {
	params := &stripelib.CheckoutSessionParams{
		Customer:          stripelib.String(p.CustomerID),
		ClientReferenceID: stripelib.String(p.AccountID),
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{{
			Price:    stripelib.String(p.PriceID),
			Quantity: stripelib.Int64(1),
		}},
		SuccessURL: stripelib.String(p.SuccessURL),
		CancelURL:  stripelib.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("account_id", p.AccountID)
	session, err := c.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", translate("create checkout session", err)
	}
	return session.URL, nil
}

// CreatePortalSession opens the customer billing portal.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx
	session, err := c.sc.BillingPortalSessions.New(params)
	if err != nil {
		return "", translate("create portal session", err)
	}
	return session.URL, nil
}

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// ConstructEvent verifies the Stripe-Signature header and returns the event.
func ConstructEvent(payload []byte, header, secret string) (*models.WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &models.WebhookEvent{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data != nil {
		out.Data = ev.Data.Raw
	}
	return out, nil
}
