package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

func newTestGate(accounts map[string]*models.Account, ledger *memLedger, cfg GateConfig) *Gate {
	return NewGate(&memAccounts{accounts: accounts}, ledger, cfg)
}

func TestActiveAccountIsUnlimitedAtAnyUsage(t *testing.T) {
	for _, used := range []int{0, 1, 1000} {
		ledger := newLedger()
		ledger.set("a1", "2026-10", used)
		g := newTestGate(map[string]*models.Account{
			"a1": {ID: "a1", SubscriptionStatus: status(models.SubscriptionActive), SubscriptionID: ptrString("sub_1")},
		}, ledger, GateConfig{Ceiling: 10})

		d := g.Check(context.Background(), "a1")
		assert.True(t, d.Allowed, "usage %d", used)
		assert.True(t, d.Unlimited, "usage %d", used)
	}
}

func TestFreeTierCeilingBoundary(t *testing.T) {
	accounts := map[string]*models.Account{"a1": {ID: "a1"}}
	cases := []struct {
		used int
		want bool
	}{
		{0, true},
		{9, true},
		{10, false},
		{11, false},
	}
	for _, tc := range cases {
		ledger := newLedger()
		ledger.set("a1", "2026-09", tc.used)
		g := newTestGate(accounts, ledger, GateConfig{Ceiling: 10})
		assert.Equal(t, tc.want, g.CanPerformAction(context.Background(), "a1"), "usage %d", tc.used)
	}
}

func TestTrialingCountsAgainstCeilingUnlessConfigured(t *testing.T) {
	accounts := map[string]*models.Account{
		"a1": {ID: "a1", SubscriptionStatus: status(models.SubscriptionTrialing), SubscriptionID: ptrString("sub_1")},
	}
	ledger := newLedger()
	ledger.set("a1", "2026-10", 10)

	assert.False(t, newTestGate(accounts, ledger, GateConfig{Ceiling: 10}).CanPerformAction(context.Background(), "a1"))
	assert.True(t, newTestGate(accounts, ledger, GateConfig{Ceiling: 10, TrialingUnlimited: true}).CanPerformAction(context.Background(), "a1"))
}

func TestNoAccountBypassesGate(t *testing.T) {
	ledger := newLedger()
	ledger.totalErr = errors.New("should not be read")
	g := newTestGate(map[string]*models.Account{}, ledger, GateConfig{})

	d := g.Check(context.Background(), "")
	assert.True(t, d.Allowed)
	assert.False(t, d.FailedOpen)
}

func TestGateFailsOpenOnReadError(t *testing.T) {
	g := NewGate(&memAccounts{err: errors.New("connection refused")}, newLedger(), GateConfig{})
	d := g.Check(context.Background(), "a1")
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)

	ledger := newLedger()
	ledger.totalErr = errors.New("timeout")
	g = newTestGate(map[string]*models.Account{"a1": {ID: "a1"}}, ledger, GateConfig{})
	d = g.Check(context.Background(), "a1")
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
}

func TestSummary(t *testing.T) {
	ledger := newLedger()
	ledger.set("free", "2026-09", 3)
	ledger.set("free", "2026-10", 4)
	ledger.set("paid", "2026-10", 40)
	g := newTestGate(map[string]*models.Account{
		"free": {ID: "free"},
		"paid": {ID: "paid", SubscriptionStatus: status(models.SubscriptionActive), SubscriptionID: ptrString("sub_1")},
	}, ledger, GateConfig{Ceiling: 10})

	s, err := g.Summary(context.Background(), "free")
	require.NoError(t, err)
	assert.Equal(t, 7, s.CurrentUsage)
	require.NotNil(t, s.Limit)
	assert.Equal(t, 10, *s.Limit)
	assert.False(t, s.HasActiveSubscription)

	s, err = g.Summary(context.Background(), "paid")
	require.NoError(t, err)
	assert.Equal(t, 40, s.CurrentUsage)
	assert.Nil(t, s.Limit)
	assert.True(t, s.HasActiveSubscription)

	_, err = g.Summary(context.Background(), "missing")
	assert.Error(t, err)
}

func ptrString(s string) *string { return &s }
