// Package usage meters billable actions and gates them against the free-tier
// ceiling.
package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// DefaultCeiling is the lifetime number of free billable actions.
const DefaultCeiling = 10

// ErrLimitReached is returned when an account without an active subscription
// has used its free actions.
var ErrLimitReached = errors.New("usage: free tier limit reached")

// AccountReader reads the entitlement fields of an account.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// Ledger reads and writes the per-period usage counters.
type Ledger interface {
	IncrementUsage(ctx context.Context, accountID, period string) (int, error)
	TotalUsage(ctx context.Context, accountID string) (int, error)
}

// GateConfig controls who is unlimited and where the free tier ends.
type GateConfig struct {
	Ceiling           int
	TrialingUnlimited bool
}

// Decision is the result of a gate check.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Used       int
	Ceiling    int
	FailedOpen bool
}

// Summary is the usage view shown to the account owner. Limit is nil for
// unlimited accounts.
type Summary struct {
	CurrentUsage          int  `json:"currentUsage"`
	Limit                 *int `json:"limit"`
	HasActiveSubscription bool `json:"hasActiveSubscription"`
}

// Gate decides whether an account may perform one more billable action.
type Gate struct {
	accounts AccountReader
	ledger   Ledger
	config   GateConfig
	log      zerolog.Logger
}

// NewGate creates a Gate. A non-positive ceiling uses DefaultCeiling.
func NewGate(accounts AccountReader, ledger Ledger, config GateConfig) *Gate {
	if config.Ceiling <= 0 {
		config.Ceiling = DefaultCeiling
	}
	return &Gate{
		accounts: accounts,
		ledger:   ledger,
		config:   config,
		log:      log.With().Str("component", "usage_gate").Logger(),
	}
}

func (g *Gate) unlimited(status models.SubscriptionStatus) bool {
	if status == models.SubscriptionActive {
		return true
	}
	return g.config.TrialingUnlimited && status == models.SubscriptionTrialing
}

// Check evaluates the gate for accountID. It never returns an error: read
// failures allow the action and set FailedOpen.
func (g *Gate) Check(ctx context.Context, accountID string) Decision {
	d := Decision{Ceiling: g.config.Ceiling}
	if accountID == "" {
		d.Allowed = true
		metrics.GateDecisions.WithLabelValues("bypass").Inc()
		return d
	}

	acct, err := g.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		d.Allowed = true
		metrics.GateDecisions.WithLabelValues("bypass").Inc()
		g.log.Warn().Str("account_id", accountID).Msg("gate check for unknown account; allowing")
		return d
	}
	if err != nil {
		return g.failOpen(d, accountID, err)
	}

	if g.unlimited(acct.Status()) {
		d.Allowed = true
		d.Unlimited = true
		metrics.GateDecisions.WithLabelValues("unlimited").Inc()
		return d
	}

	used, err := g.ledger.TotalUsage(ctx, accountID)
	if err != nil {
		return g.failOpen(d, accountID, err)
	}
	d.Used = used
	d.Allowed = used < g.config.Ceiling
	if d.Allowed {
		metrics.GateDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.GateDecisions.WithLabelValues("denied").Inc()
	}
	return d
}

func (g *Gate) failOpen(d Decision, accountID string, err error) Decision {
	d.Allowed = true
	d.FailedOpen = true
	metrics.GateDecisions.WithLabelValues("fail_open").Inc()
	g.log.Warn().Err(err).Str("account_id", accountID).Msg("usage gate read failed; allowing action")
	return d
}

// CanPerformAction reports whether the account may perform one more action.
func (g *Gate) CanPerformAction(ctx context.Context, accountID string) bool {
	return g.Check(ctx, accountID).Allowed
}

// Summary reads status and lifetime usage in parallel.
func (g *Gate) Summary(ctx context.Context, accountID string) (Summary, error) {
	var (
		acct *models.Account
		used int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		acct, err = g.accounts.GetAccount(egCtx, accountID)
		return err
	})
	eg.Go(func() error {
		var err error
		used, err = g.ledger.TotalUsage(egCtx, accountID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Summary{}, fmt.Errorf("usage: summary: %w", err)
	}

	s := Summary{
		CurrentUsage:          used,
		HasActiveSubscription: acct.Status() == models.SubscriptionActive,
	}
	if !g.unlimited(acct.Status()) {
		limit := g.config.Ceiling
		s.Limit = &limit
	}
	return s, nil
}
