package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/leaveratings/backend/internal/config"
	"github.com/PortNumber53/leaveratings/backend/internal/handlers"
	"github.com/PortNumber53/leaveratings/backend/internal/reviews"
	"github.com/PortNumber53/leaveratings/backend/internal/tasks"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
)

const testJWTSecret = "test-secret"

type stubUsage struct{ accountID string }

func (s *stubUsage) Summary(_ context.Context, accountID string) (usage.Summary, error) {
	s.accountID = accountID
	limit := 10
	return usage.Summary{CurrentUsage: 2, Limit: &limit}, nil
}

type stubReviews struct{}

func (stubReviews) Generate(context.Context, string, reviews.GenerateRequest) (reviews.Draft, error) {
	return reviews.Draft{}, usage.ErrLimitReached
}

func (stubReviews) SubmitFeedback(context.Context, string, reviews.FeedbackRequest) error {
	return nil
}

func (stubReviews) MarkPosted(context.Context, string) error { return nil }

type stubDB struct{}

func (stubDB) Ping(context.Context) error { return nil }

func newTestServer(u *stubUsage) *Server {
	cfg := config.Config{
		ServerAddress:   ":0",
		JWTSecret:       testJWTSecret,
		AppBaseURL:      "http://localhost:3000",
		PublicRateLimit: 100,
	}
	return New(cfg, Deps{
		DB:      stubDB{},
		Usage:   u,
		Reviews: handlers.NewReviewHandler(stubReviews{}),
	})
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(&stubUsage{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestUsageRequiresBearerToken(t *testing.T) {
	u := &stubUsage{}
	server := newTestServer(u)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set("Authorization", bearer(t, "acct-9"))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "acct-9", u.accountID)
}

func TestPublicReviewRouteIsUnauthenticated(t *testing.T) {
	server := newTestServer(&stubUsage{})

	req := httptest.NewRequest(http.MethodPost, "/api/public/businesses/joes/reviews", strings.NewReader(`{"rating":4}`))
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunWaitsForBackgroundTasksToDrain(t *testing.T) {
	runner := tasks.New(tasks.Config{Workers: 1})
	server := New(config.Config{ServerAddress: "127.0.0.1:0", JWTSecret: testJWTSecret}, Deps{Tasks: runner})

	var finished atomic.Bool
	require.True(t, runner.Submit("slow_record", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			finished.Store(true)
		case <-ctx.Done():
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, server.Run(ctx, 5*time.Second))
	assert.True(t, finished.Load(), "Run returned before the task runner drained")
}

func TestRunReturnsListenError(t *testing.T) {
	runner := tasks.New(tasks.Config{Workers: 1})
	server := New(config.Config{ServerAddress: "127.0.0.1:-1", JWTSecret: testJWTSecret}, Deps{Tasks: runner})

	err := server.Run(context.Background(), time.Second)
	assert.Error(t, err)
	assert.False(t, runner.Submit("late", func(context.Context) error { return nil }), "runner should be stopped after Run")
}
