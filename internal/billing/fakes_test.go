package billing

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// memStore mimics the SQL store's conditional writes in memory.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	subs     map[string]*models.BillingSubscription
	failSet  error
}

func newMemStore(accounts ...*models.Account) *memStore {
	s := &memStore{accounts: map[string]*models.Account{}, subs: map[string]*models.BillingSubscription{}}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) copyOf(a *models.Account) *models.Account {
	c := *a
	return &c
}

func (s *memStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return s.copyOf(a), nil
}

func (s *memStore) GetAccountByCustomerID(_ context.Context, customerID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.CustomerID() == customerID {
			return s.copyOf(a), nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (s *memStore) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, strings.TrimSpace(email)) {
			return s.copyOf(a), nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (s *memStore) SetEntitlement(_ context.Context, id string, status models.SubscriptionStatus, subID string) error {
	if s.failSet != nil {
		return s.failSet
	}
	if !status.IsActiveEquivalent() || subID == "" {
		return store.ErrInactiveEntitlement
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.SubscriptionStatus = &status
	a.SubscriptionID = &subID
	return nil
}

func (s *memStore) ClearEntitlement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.SubscriptionStatus = nil
	a.SubscriptionID = nil
	return nil
}

func (s *memStore) BackfillBillingCustomerID(_ context.Context, id, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.BillingCustomerID != nil {
		return false, nil
	}
	for _, other := range s.accounts {
		if other.CustomerID() == customerID {
			return false, store.ErrCustomerIDTaken
		}
	}
	a.BillingCustomerID = &customerID
	return true, nil
}

func (s *memStore) SetBillingCustomerID(_ context.Context, id, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.BillingCustomerID = &customerID
	return nil
}

func (s *memStore) UpsertSubscription(_ context.Context, sub *models.BillingSubscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[sub.StripeSubscriptionID]; ok && cur.LastEventAt.After(sub.LastEventAt) {
		return false, nil
	}
	c := *sub
	s.subs[sub.StripeSubscriptionID] = &c
	return true, nil
}

func (s *memStore) MarkSubscriptionCanceled(_ context.Context, subID string, eventAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[subID]
	if !ok {
		return false, nil
	}
	cur.Status = models.SubscriptionCanceled
	if eventAt.After(cur.LastEventAt) {
		cur.LastEventAt = eventAt
	}
	return true, nil
}

func (s *memStore) GetSubscriptionByStripeID(_ context.Context, subID string) (*models.BillingSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[subID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	c := *cur
	return &c, nil
}

// fakeProvider is an in-memory billing provider.
type fakeProvider struct {
	mu        sync.Mutex
	subs      map[string]models.ProviderSubscription
	customers map[string]string // id -> email
	listErr   error
	getErr    error
	portalErr error
	returnURL string
	calls     []string
	canceled  []string
	nextID    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: map[string]models.ProviderSubscription{}, customers: map[string]string{}}
}

func (p *fakeProvider) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) add(sub models.ProviderSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID] = sub
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*models.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("get:" + id)
	if p.getErr != nil {
		return nil, p.getErr
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (p *fakeProvider) ListCustomerSubscriptions(_ context.Context, customerID string) ([]models.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list:" + customerID)
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []models.ProviderSubscription
	for _, s := range p.subs {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *fakeProvider) CustomerEmail(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email, ok := p.customers[customerID]
	if !ok {
		return "", ErrNotFound
	}
	return email, nil
}

func (p *fakeProvider) CustomerExists(_ context.Context, customerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.customers[customerID]
	return ok, nil
}

func (p *fakeProvider) CreateCustomer(_ context.Context, email, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := "cus_new" + strconv.Itoa(p.nextID)
	p.customers[id] = email
	p.record("create_customer")
	return id, nil
}

func (p *fakeProvider) CancelAtPeriodEnd(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, params CheckoutParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("checkout:" + params.CustomerID)
	return "https://checkout.test/" + params.CustomerID, nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("portal:" + customerID)
	p.returnURL = returnURL
	if p.portalErr != nil {
		return "", p.portalErr
	}
	return "https://portal.test/" + customerID, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*models.Job
	keys map[string]bool
	err  error
}

func (q *fakeQueue) EnqueueUnique(_ context.Context, job *models.Job, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if q.keys == nil {
		q.keys = map[string]bool{}
	}
	if q.keys[job.JobType+"/"+key] {
		return false, nil
	}
	q.keys[job.JobType+"/"+key] = true
	q.jobs = append(q.jobs, job)
	return true, nil
}

func (q *fakeQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.jobs {
		out = append(out, j.JobType)
	}
	return out
}

// syncTasks runs submitted work inline.
type syncTasks struct {
	names []string
	errs  []error
}

func (s *syncTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	s.names = append(s.names, name)
	if err := fn(context.Background()); err != nil {
		s.errs = append(s.errs, err)
	}
	return true
}

var errProviderDown = errors.New("provider unavailable")

func ptr[T any](v T) *T { return &v }

func account(id, email string) *models.Account {
	return &models.Account{ID: id, Email: email}
}

func linkedAccount(id, email, customerID string) *models.Account {
	a := account(id, email)
	a.BillingCustomerID = ptr(customerID)
	return a
}

func entitled(a *models.Account, status models.SubscriptionStatus, subID string) *models.Account {
	a.SubscriptionStatus = &status
	a.SubscriptionID = &subID
	return a
}
