package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

const sweepPageSize = 200

// SubscriptionCanceler schedules a provider subscription to end.
type SubscriptionCanceler interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// DuplicateCollapser keeps one active subscription per customer.
type DuplicateCollapser interface {
	CollapseDuplicates(ctx context.Context, customerID string) (*models.ProviderSubscription, error)
}

// EntitlementResyncer re-reads an account's entitlement from the provider.
type EntitlementResyncer interface {
	Resync(ctx context.Context, accountID string) error
}

// CustomerLister pages through linked billing customers.
type CustomerLister interface {
	ListBillingCustomerIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// BillingJobs bundles what the billing job handlers need.
type BillingJobs struct {
	Canceler      SubscriptionCanceler
	Collapser     DuplicateCollapser
	Refresher     EntitlementResyncer
	Customers     CustomerLister
	SweepInterval time.Duration
}

// RegisterBillingJobs registers the billing maintenance job handlers
func RegisterBillingJobs(w *Worker, deps BillingJobs) {
	w.RegisterHandler(models.JobCancelSubscriptionAtPeriodEnd, cancelAtPeriodEndHandler(deps.Canceler))
	w.RegisterHandler(models.JobCollapseDuplicates, collapseHandler(deps.Collapser))
	w.RegisterHandler(models.JobSweepDuplicates, sweepHandler(w, deps.Customers, deps.SweepInterval))
	w.RegisterHandler(models.JobRefreshEntitlement, refreshHandler(deps.Refresher))

	log.Info().Msg("registered billing job handlers")
}

// ScheduleSweep enqueues a duplicate sweep unless one is already pending.
func ScheduleSweep(ctx context.Context, w *Worker, at time.Time) (bool, error) {
	job := models.NewJob(models.JobSweepDuplicates, models.JSONB{})
	job.Priority = models.JobPriorityLow
	if !at.IsZero() {
		job.ScheduledFor = &at
	}
	return w.EnqueueUnique(ctx, job, "sweep")
}

// manualSweepKey marks a one-off sweep that does not schedule a successor.
const manualSweepKey = "manual"

// JobEnqueuer is satisfied by both Worker and store.JobStore.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// QueueManualSweep enqueues a sweep due immediately. It skips the "sweep"
// dedupe key, so a periodic sweep scheduled for later does not absorb it,
// and it does not reschedule itself when it finishes.
func QueueManualSweep(ctx context.Context, q JobEnqueuer) (*models.Job, error) {
	job := models.NewJob(models.JobSweepDuplicates, models.JSONB{manualSweepKey: true})
	job.Priority = models.JobPriorityLow
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func isManualSweep(job *models.Job) bool {
	manual, _ := job.Payload[manualSweepKey].(bool)
	return manual
}

func requirePayload(job *models.Job, key string) (string, error) {
	v := job.PayloadString(key)
	if v == "" {
		return "", fmt.Errorf("missing %s in payload", key)
	}
	return v, nil
}

func cancelAtPeriodEndHandler(canceler SubscriptionCanceler) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subID, err := requirePayload(job, "subscription_id")
		if err != nil {
			return err
		}
		err = canceler.CancelAtPeriodEnd(ctx, subID)
		if errors.Is(err, billing.ErrNotFound) {
			log.Info().Str("subscription_id", subID).Msg("subscription already gone at provider")
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel subscription %s: %w", subID, err)
		}
		log.Info().Str("subscription_id", subID).Msg("subscription set to cancel at period end")
		return nil
	}
}

func collapseHandler(collapser DuplicateCollapser) Handler {
	return func(ctx context.Context, job *models.Job) error {
		customerID, err := requirePayload(job, "customer_id")
		if err != nil {
			return err
		}
		if _, err := collapser.CollapseDuplicates(ctx, customerID); err != nil {
			return fmt.Errorf("collapse duplicates for %s: %w", customerID, err)
		}
		return nil
	}
}

// sweepHandler fans out one collapse job per linked customer, then schedules
// the next sweep when an interval is configured.
func sweepHandler(w *Worker, customers CustomerLister, interval time.Duration) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var after string
		var scheduled, seen int
		for {
			ids, err := customers.ListBillingCustomerIDs(ctx, after, sweepPageSize)
			if err != nil {
				return fmt.Errorf("list billing customers: %w", err)
			}
			for _, id := range ids {
				seen++
				collapse := models.NewJob(models.JobCollapseDuplicates, models.JSONB{"customer_id": id})
				collapse.Priority = models.JobPriorityLow
				created, err := w.EnqueueUnique(ctx, collapse, id)
				if err != nil {
					return fmt.Errorf("enqueue collapse for %s: %w", id, err)
				}
				if created {
					scheduled++
				}
			}
			if len(ids) < sweepPageSize {
				break
			}
			after = ids[len(ids)-1]
		}

		log.Info().Int("customers", seen).Int("scheduled", scheduled).Msg("duplicate subscription sweep finished")

		if interval > 0 && !isManualSweep(job) {
			next := models.NewJob(models.JobSweepDuplicates, models.JSONB{"dedupe_key": "sweep"})
			next.Priority = models.JobPriorityLow
			at := time.Now().Add(interval)
			next.ScheduledFor = &at
			if err := w.Enqueue(ctx, next); err != nil {
				log.Warn().Err(err).Msg("failed to schedule next sweep")
			}
		}
		return nil
	}
}

func refreshHandler(refresher EntitlementResyncer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		accountID, err := requirePayload(job, "account_id")
		if err != nil {
			return err
		}
		if err := refresher.Resync(ctx, accountID); err != nil {
			return fmt.Errorf("resync entitlement for %s: %w", accountID, err)
		}
		return nil
	}
}
