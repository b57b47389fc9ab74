package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

type memAccounts struct {
	accounts map[string]*models.Account
	err      error
}

func (m *memAccounts) GetAccount(_ context.Context, id string) (*models.Account, error) {
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

type memLedger struct {
	mu       sync.Mutex
	counts   map[string]int // account/period -> count
	totalErr error
	incErr   error
}

func newLedger() *memLedger {
	return &memLedger{counts: map[string]int{}}
}

func (l *memLedger) IncrementUsage(_ context.Context, accountID, period string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.incErr != nil {
		return 0, l.incErr
	}
	l.counts[accountID+"/"+period]++
	return l.counts[accountID+"/"+period], nil
}

func (l *memLedger) TotalUsage(_ context.Context, accountID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totalErr != nil {
		return 0, l.totalErr
	}
	total := 0
	for k, v := range l.counts {
		if len(k) > len(accountID) && k[:len(accountID)+1] == accountID+"/" {
			total += v
		}
	}
	return total, nil
}

func (l *memLedger) set(accountID, period string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[accountID+"/"+period] = count
}

type memArtifacts struct {
	mu        sync.Mutex
	reviews   []*models.Review
	seq       int
	createErr error
}

func (m *memArtifacts) CreateReview(_ context.Context, r *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	c := *r
	c.CreatedAt = time.Unix(int64(m.seq), 0)
	m.reviews = append(m.reviews, &c)
	return nil
}

func (m *memArtifacts) TrimReviews(_ context.Context, businessID string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine, others []*models.Review
	for _, r := range m.reviews {
		if r.BusinessID == businessID {
			mine = append(mine, r)
		} else {
			others = append(others, r)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })
	removed := 0
	if len(mine) > keep {
		removed = len(mine) - keep
		mine = mine[:keep]
	}
	m.reviews = append(others, mine...)
	return int64(removed), nil
}

func (m *memArtifacts) texts(businessID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Review
	for _, r := range m.reviews {
		if r.BusinessID == businessID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	texts := make([]string, 0, len(out))
	for _, r := range out {
		texts = append(texts, r.GeneratedReview)
	}
	return texts
}

type inlineTasks struct {
	errs []error
}

func (s *inlineTasks) Submit(_ string, fn func(ctx context.Context) error) bool {
	if err := fn(context.Background()); err != nil {
		s.errs = append(s.errs, err)
	}
	return true
}

func status(s models.SubscriptionStatus) *models.SubscriptionStatus { return &s }
