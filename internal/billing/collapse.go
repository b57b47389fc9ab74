package billing

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// Collapser keeps at most one active subscription per customer. Extra active
// subscriptions are scheduled to cancel at the end of their period.
type Collapser struct {
	provider Provider
	queue    JobQueue
	log      zerolog.Logger
}

// NewCollapser creates a Collapser. With a nil queue cancellations are sent
// to the provider directly.
func NewCollapser(provider Provider, queue JobQueue) *Collapser {
	return &Collapser{
		provider: provider,
		queue:    queue,
		log:      log.With().Str("component", "duplicate_collapse").Logger(),
	}
}

// CollapseDuplicates returns the subscription that was kept, or nil when the
// customer has no active subscription.
func (c *Collapser) CollapseDuplicates(ctx context.Context, customerID string) (*models.ProviderSubscription, error) {
	subs, err := c.provider.ListCustomerSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}

	var active []models.ProviderSubscription
	for _, s := range subs {
		if s.Status.IsActiveEquivalent() {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	sort.Slice(active, func(i, j int) bool { return newer(&active[i], &active[j]) })
	keep := active[0]

	for _, dup := range active[1:] {
		if dup.CancelAtPeriodEnd {
			continue
		}
		logger := c.log.With().Str("customer_id", customerID).Str("kept", keep.ID).Str("subscription_id", dup.ID).Logger()
		if err := c.scheduleCancel(ctx, dup.ID); err != nil {
			logger.Error().Err(err).Msg("failed to schedule duplicate cancellation")
			continue
		}
		logger.Info().Msg("duplicate active subscription scheduled to cancel at period end")
	}
	return &keep, nil
}

func (c *Collapser) scheduleCancel(ctx context.Context, subscriptionID string) error {
	if c.queue == nil {
		return c.provider.CancelAtPeriodEnd(ctx, subscriptionID)
	}
	job := models.NewJob(models.JobCancelSubscriptionAtPeriodEnd, models.JSONB{"subscription_id": subscriptionID})
	job.Priority = models.JobPriorityHigh
	_, err := c.queue.EnqueueUnique(ctx, job, subscriptionID)
	return err
}
