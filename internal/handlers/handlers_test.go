package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v78/webhook"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/middleware"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/reviews"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
)

const testWebhookSecret = "whsec_handler_test"

type fakeEventLog struct {
	done     map[string]bool
	finished map[string]error
	beginErr error
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{done: map[string]bool{}, finished: map[string]error{}}
}

func (f *fakeEventLog) BeginWebhookEvent(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	if f.beginErr != nil {
		return false, f.beginErr
	}
	return f.done[ev.ID], nil
}

func (f *fakeEventLog) FinishWebhookEvent(_ context.Context, eventID string, procErr error) error {
	f.finished[eventID] = procErr
	if procErr == nil {
		f.done[eventID] = true
	}
	return nil
}

type fakeReconciler struct {
	calls   int
	outcome *billing.Outcome
	err     error
}

func (f *fakeReconciler) HandleEvent(_ context.Context, _ *models.WebhookEvent) (*billing.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome == nil {
		return &billing.Outcome{AccountID: "acct-1"}, nil
	}
	return f.outcome, nil
}

func signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

const updatedEvent = `{"id":"evt_1","object":"event","type":"customer.subscription.updated","created":1790812800,"data":{"object":{"id":"sub_1","status":"active"}}}`

func TestStripeWebhookAcknowledgesAndSkipsReplay(t *testing.T) {
	events := newFakeEventLog()
	rec := &fakeReconciler{}
	h := NewStripeHandler(events, rec, testWebhookSecret)

	rr := httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())
	assert.Contains(t, events.finished, "evt_1")

	rr = httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, rr.Body.String())
	assert.Equal(t, 1, rec.calls)
}

func TestStripeWebhookStepFailureStillAcknowledged(t *testing.T) {
	events := newFakeEventLog()
	rec := &fakeReconciler{outcome: &billing.Outcome{StepErrors: []error{errors.New("db down")}}}
	h := NewStripeHandler(events, rec, testWebhookSecret)

	rr := httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Error(t, events.finished["evt_1"])
	assert.False(t, events.done["evt_1"])
}

func TestStripeWebhookRejections(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		rec := &fakeReconciler{}
		h := NewStripeHandler(newFakeEventLog(), rec, testWebhookSecret)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(updatedEvent))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rr := httptest.NewRecorder()
		h.HandleWebhook().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Zero(t, rec.calls)
	})

	t.Run("missing signature", func(t *testing.T) {
		h := NewStripeHandler(newFakeEventLog(), &fakeReconciler{}, testWebhookSecret)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(updatedEvent))
		rr := httptest.NewRecorder()
		h.HandleWebhook().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("no secret configured", func(t *testing.T) {
		h := NewStripeHandler(newFakeEventLog(), &fakeReconciler{}, "")
		rr := httptest.NewRecorder()
		h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		rec := &fakeReconciler{err: billing.ErrInvalidEvent}
		h := NewStripeHandler(newFakeEventLog(), rec, testWebhookSecret)
		rr := httptest.NewRecorder()
		h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStripeWebhookProcessesWhenEventLogFails(t *testing.T) {
	events := newFakeEventLog()
	events.beginErr = errors.New("db down")
	rec := &fakeReconciler{}
	h := NewStripeHandler(events, rec, testWebhookSecret)

	rr := httptest.NewRecorder()
	h.HandleWebhook().ServeHTTP(rr, signedWebhook(t, updatedEvent))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, rec.calls)
}

type fakeReviewService struct {
	draft     reviews.Draft
	err       error
	gotSlug   string
	gotRating int
}

func (f *fakeReviewService) Generate(_ context.Context, slug string, req reviews.GenerateRequest) (reviews.Draft, error) {
	f.gotSlug = slug
	f.gotRating = req.Rating
	return f.draft, f.err
}

func (f *fakeReviewService) SubmitFeedback(_ context.Context, slug string, _ reviews.FeedbackRequest) error {
	f.gotSlug = slug
	return f.err
}

func (f *fakeReviewService) MarkPosted(_ context.Context, _ string) error {
	return f.err
}

func serveReviews(svc ReviewService, method, path, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	NewReviewHandler(svc).RegisterRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestGenerateReview(t *testing.T) {
	svc := &fakeReviewService{draft: reviews.Draft{ReviewID: "7b1e6c52-0c8e-4c4e-9a57-3f5d2f0f9d11", Text: "Lovely coffee."}}
	rr := serveReviews(svc, http.MethodPost, "/api/public/businesses/joes/reviews", `{"rating":4}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"review":"Lovely coffee.","reviewId":"7b1e6c52-0c8e-4c4e-9a57-3f5d2f0f9d11"}`, rr.Body.String())
	assert.Equal(t, "joes", svc.gotSlug)
	assert.Equal(t, 4, svc.gotRating)
}

func TestGenerateReviewEmptyDraftOmitsReviewID(t *testing.T) {
	rr := serveReviews(&fakeReviewService{}, http.MethodPost, "/api/public/businesses/joes/reviews", `{"rating":4}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"review":""}`, rr.Body.String())
}

func TestGenerateReviewErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"limit", usage.ErrLimitReached, http.StatusPaymentRequired, `"limit_reached"`},
		{"invalid", reviews.ErrInvalidRequest, http.StatusBadRequest, `"invalid_request"`},
		{"missing business", store.ErrBusinessNotFound, http.StatusNotFound, `Business not found`},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, `Internal server error`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serveReviews(&fakeReviewService{err: tc.err}, http.MethodPost, "/api/public/businesses/joes/reviews", `{"rating":4}`)
			assert.Equal(t, tc.status, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.body)
		})
	}
}

func TestGenerateReviewRejectsMalformedJSON(t *testing.T) {
	rr := serveReviews(&fakeReviewService{}, http.MethodPost, "/api/public/businesses/joes/reviews", `{`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMarkPostedNotFound(t *testing.T) {
	rr := serveReviews(&fakeReviewService{err: store.ErrReviewNotFound}, http.MethodPost, "/api/public/reviews/abc/posted", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type fakeCheckout struct {
	redirect *billing.Redirect
	err      error
	account  string
}

func (f *fakeCheckout) StartCheckout(_ context.Context, accountID string) (*billing.Redirect, error) {
	f.account = accountID
	return f.redirect, f.err
}

func (f *fakeCheckout) OpenPortal(_ context.Context, accountID string) (*billing.Redirect, error) {
	f.account = accountID
	return f.redirect, f.err
}

type fakeRefresher struct {
	ent billing.Entitlement
	err error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (billing.Entitlement, error) {
	return f.ent, f.err
}

func authed(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(middleware.WithAccountID(req.Context(), "acct-1"))
}

func TestBillingCheckout(t *testing.T) {
	checkout := &fakeCheckout{redirect: &billing.Redirect{Kind: billing.RedirectCheckout, URL: "https://checkout.example/s"}}
	h := NewBillingHandler(checkout, &fakeRefresher{})

	rr := httptest.NewRecorder()
	h.StartCheckout().ServeHTTP(rr, authed(http.MethodPost, "/api/billing/checkout"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "acct-1", checkout.account)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "https://checkout.example/s", body["url"])
}

func TestBillingErrorsCarryStatus(t *testing.T) {
	checkout := &fakeCheckout{err: &billing.Error{Status: http.StatusNotFound, Message: "No billing account found"}}
	h := NewBillingHandler(checkout, &fakeRefresher{})

	rr := httptest.NewRecorder()
	h.OpenPortal().ServeHTTP(rr, authed(http.MethodGet, "/api/billing/portal"))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"No billing account found"}`, rr.Body.String())
}

func TestBillingStatus(t *testing.T) {
	status := models.SubscriptionActive
	h := NewBillingHandler(&fakeCheckout{}, &fakeRefresher{ent: billing.Entitlement{Status: &status, Source: billing.SourceProvider}})

	rr := httptest.NewRecorder()
	h.Status().ServeHTTP(rr, authed(http.MethodGet, "/api/billing/status"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"active"`)

	h = NewBillingHandler(&fakeCheckout{}, &fakeRefresher{err: store.ErrAccountNotFound})
	rr = httptest.NewRecorder()
	h.Status().ServeHTTP(rr, authed(http.MethodGet, "/api/billing/status"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type fakeSummarizer struct {
	summary usage.Summary
	err     error
}

func (f fakeSummarizer) Summary(_ context.Context, _ string) (usage.Summary, error) {
	return f.summary, f.err
}

func TestUsageSummary(t *testing.T) {
	limit := 10
	rr := httptest.NewRecorder()
	Usage(fakeSummarizer{summary: usage.Summary{CurrentUsage: 3, Limit: &limit}}).ServeHTTP(rr, authed(http.MethodGet, "/api/usage"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"currentUsage":3,"limit":10,"hasActiveSubscription":false}`, rr.Body.String())

	rr = httptest.NewRecorder()
	Usage(fakeSummarizer{err: errors.New("boom")}).ServeHTTP(rr, authed(http.MethodGet, "/api/usage"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type fakeJobs struct {
	job *models.Job
	err error
}

func (f fakeJobs) GetByID(_ context.Context, _ int64) (*models.Job, error) { return f.job, f.err }

func (f fakeJobs) GetStats(_ context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 2, Total: 5}, nil
}

func TestJobRoutes(t *testing.T) {
	r := chi.NewRouter()
	NewJobHandler(fakeJobs{err: store.ErrJobNotFound}).RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/42", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"pending":2`)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady(t *testing.T) {
	rr := httptest.NewRecorder()
	Ready(pingFunc(func(context.Context) error { return nil })).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	Ready(pingFunc(func(context.Context) error { return errors.New("down") })).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
