package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// Outcome summarises what the reconciler did with one event. Step failures
// are recorded rather than returned so the delivery is still acknowledged.
type Outcome struct {
	Ignored    bool
	Dropped    string
	Stale      bool
	AccountID  string
	StepErrors []error
}

// Err joins the step failures, or returns nil.
func (o *Outcome) Err() error {
	return errors.Join(o.StepErrors...)
}

func (o *Outcome) fail(step string, err error) {
	o.StepErrors = append(o.StepErrors, fmt.Errorf("%s: %w", step, err))
}

// Result is a short label for metrics.
func (o *Outcome) Result() string {
	switch {
	case o.Ignored:
		return "ignored"
	case o.Dropped != "":
		return "dropped"
	case len(o.StepErrors) > 0:
		return "partial"
	case o.Stale:
		return "stale"
	default:
		return "applied"
	}
}

// Reconciler applies Stripe webhook events to the entitlement store and the
// subscription mirror. Every write is idempotent under redelivery and mirror
// writes are ordered by event creation time.
type Reconciler struct {
	store    Store
	provider Provider
	queue    JobQueue
	log      zerolog.Logger

	checkoutAccounts     AccountResolver
	subscriptionAccounts AccountResolver
	deletionAccounts     AccountResolver
}

// NewReconciler wires the default account resolution strategies. queue may
// be nil, in which case no follow-up resync is scheduled after a clear.
func NewReconciler(st Store, provider Provider, queue JobQueue) *Reconciler {
	return &Reconciler{
		store:    st,
		provider: provider,
		queue:    queue,
		log:      log.With().Str("component", "reconciler").Logger(),

		checkoutAccounts: FirstOf(ByCustomerID(st), ByEmail(st)),
		subscriptionAccounts: FirstOf(
			ByCustomerID(st),
			ByProviderCustomerEmail(st, provider),
		),
		deletionAccounts: FirstOf(
			ByCustomerID(st),
			BySubscriptionRecord(st, st),
			ByProviderCustomerEmail(st, provider),
		),
	}
}

// HandleEvent processes one verified event. Only an undecodable payload is
// returned as an error (wrapping ErrInvalidEvent).
func (r *Reconciler) HandleEvent(ctx context.Context, ev *models.WebhookEvent) (*Outcome, error) {
	logger := r.log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()
	out := &Outcome{}

	switch ev.Type {
	case EventCheckoutCompleted:
		var session checkoutSession
		if err := decodeObject(ev.Data, &session); err != nil {
			return nil, err
		}
		r.checkoutCompleted(ctx, logger, ev, &session, out)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var obj subscriptionObject
		if err := decodeObject(ev.Data, &obj); err != nil {
			return nil, err
		}
		r.subscriptionChanged(ctx, logger, ev, obj.toProvider(), out)

	case EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(ev.Data, &obj); err != nil {
			return nil, err
		}
		r.subscriptionDeleted(ctx, logger, ev, obj.toProvider(), out)

	default:
		out.Ignored = true
		logger.Debug().Msg("ignoring unhandled event type")
	}

	for _, err := range out.StepErrors {
		logger.Error().Err(err).Str("account_id", out.AccountID).Msg("reconcile step failed")
	}
	return out, nil
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, logger zerolog.Logger, ev *models.WebhookEvent, session *checkoutSession, out *Outcome) {
	if session.Subscription == "" {
		out.Ignored = true
		logger.Debug().Str("session_id", session.ID).Msg("checkout without subscription")
		return
	}

	hint := Hint{CustomerID: session.Customer, Email: session.email(), SubscriptionID: session.Subscription}
	acct := r.resolve(ctx, logger, r.checkoutAccounts, hint, out)
	if acct == nil {
		return
	}

	sub, err := r.provider.GetSubscription(ctx, session.Subscription)
	if err != nil {
		out.fail("fetch subscription "+session.Subscription, err)
		return
	}
	if sub.CustomerID == "" {
		sub.CustomerID = session.Customer
	}
	r.applySubscription(ctx, logger, acct, sub, ev.Created, out)
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, logger zerolog.Logger, ev *models.WebhookEvent, sub *models.ProviderSubscription, out *Outcome) {
	if sub.ID == "" {
		out.Dropped = "missing subscription id"
		logger.Warn().Msg("subscription event without id")
		return
	}
	if !sub.HasPeriod() {
		out.Dropped = "missing billing period"
		logger.Warn().Str("subscription_id", sub.ID).Msg("subscription event missing period timestamps; skipped")
		return
	}

	hint := Hint{CustomerID: sub.CustomerID, SubscriptionID: sub.ID}
	acct := r.resolve(ctx, logger, r.subscriptionAccounts, hint, out)
	if acct == nil {
		return
	}
	r.applySubscription(ctx, logger, acct, sub, ev.Created, out)
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, logger zerolog.Logger, ev *models.WebhookEvent, sub *models.ProviderSubscription, out *Outcome) {
	if sub.ID == "" {
		out.Dropped = "missing subscription id"
		logger.Warn().Msg("subscription deletion without id")
		return
	}

	if found, err := r.store.MarkSubscriptionCanceled(ctx, sub.ID, ev.Created); err != nil {
		out.fail("mark subscription canceled", err)
	} else if !found {
		logger.Info().Str("subscription_id", sub.ID).Msg("no local subscription row to cancel")
	}

	hint := Hint{CustomerID: sub.CustomerID, SubscriptionID: sub.ID}
	acct := r.resolve(ctx, logger, r.deletionAccounts, hint, out)
	if acct == nil {
		return
	}
	if err := r.store.ClearEntitlement(ctx, acct.ID); err != nil {
		out.fail("clear entitlement", err)
		return
	}
	logger.Info().Str("account_id", acct.ID).Str("subscription_id", sub.ID).Msg("subscription deleted; entitlement cleared")
	r.scheduleResync(ctx, logger, acct)
}

// resolve runs the strategy chain and backfills the customer id on a match.
func (r *Reconciler) resolve(ctx context.Context, logger zerolog.Logger, resolver AccountResolver, hint Hint, out *Outcome) *models.Account {
	acct, err := resolver.Resolve(ctx, hint)
	if acct == nil {
		out.Dropped = "no matching account"
		ev := logger.Warn().Str("customer_id", hint.CustomerID).Str("subscription_id", hint.SubscriptionID)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("no account for billing event; dropped")
		return nil
	}
	out.AccountID = acct.ID

	if acct.BillingCustomerID == nil && hint.CustomerID != "" {
		changed, err := r.store.BackfillBillingCustomerID(ctx, acct.ID, hint.CustomerID)
		if err != nil {
			out.fail("backfill customer id", err)
		} else if changed {
			id := hint.CustomerID
			acct.BillingCustomerID = &id
			logger.Info().Str("account_id", acct.ID).Str("customer_id", id).Msg("linked billing customer")
		}
	}
	return acct
}

// applySubscription writes the mirror row and then the account pair. A stale
// mirror write (older than the stored event) skips the account update.
func (r *Reconciler) applySubscription(ctx context.Context, logger zerolog.Logger, acct *models.Account, sub *models.ProviderSubscription, eventAt time.Time, out *Outcome) {
	if !sub.HasPeriod() {
		out.Dropped = "missing billing period"
		logger.Warn().Str("subscription_id", sub.ID).Msg("subscription missing period timestamps; skipped")
		return
	}

	applied, err := r.store.UpsertSubscription(ctx, sub.Record(acct.ID, eventAt))
	switch {
	case err != nil:
		out.fail("upsert subscription", err)
	case !applied:
		out.Stale = true
		logger.Info().Str("subscription_id", sub.ID).Time("event_created", eventAt).Msg("older than stored subscription state; skipped")
		return
	}

	if sub.Status.IsActiveEquivalent() {
		if err := r.store.SetEntitlement(ctx, acct.ID, sub.Status, sub.ID); err != nil {
			out.fail("set entitlement", err)
			return
		}
		logger.Info().Str("account_id", acct.ID).Str("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("entitlement set")
		return
	}

	if err := r.store.ClearEntitlement(ctx, acct.ID); err != nil {
		out.fail("clear entitlement", err)
		return
	}
	logger.Info().Str("account_id", acct.ID).Str("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("entitlement cleared")
	r.scheduleResync(ctx, logger, acct)
}

// scheduleResync asks the worker to re-read the customer's subscriptions
// after a clear, in case another subscription is still active.
func (r *Reconciler) scheduleResync(ctx context.Context, logger zerolog.Logger, acct *models.Account) {
	if r.queue == nil || acct.BillingCustomerID == nil {
		return
	}
	job := models.NewJob(models.JobRefreshEntitlement, models.JSONB{"account_id": acct.ID})
	scheduled := time.Now().Add(time.Minute)
	job.ScheduledFor = &scheduled
	if _, err := r.queue.EnqueueUnique(ctx, job, acct.ID); err != nil {
		logger.Warn().Err(err).Str("account_id", acct.ID).Msg("failed to schedule entitlement resync")
	}
}
