package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/config"
	"github.com/PortNumber53/leaveratings/backend/internal/handlers"
	appmw "github.com/PortNumber53/leaveratings/backend/internal/middleware"
	"github.com/PortNumber53/leaveratings/backend/internal/tasks"
	"github.com/PortNumber53/leaveratings/backend/internal/worker"
)

// Deps are the wired components the router exposes. Nil members leave their
// routes unregistered.
type Deps struct {
	DB       handlers.Pinger
	Webhooks *handlers.StripeHandler
	Billing  *handlers.BillingHandler
	Usage    handlers.UsageSummarizer
	Reviews  *handlers.ReviewHandler
	Jobs     handlers.JobReader
	Worker   *worker.Worker
	Tasks    *tasks.Runner
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	tasks      *tasks.Runner
}

// New constructs an HTTP server using the provided configuration and components.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(appmw.NewRequestTracker().Middleware())

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	router.Handle("/metrics", promhttp.Handler())

	// Stripe signs the raw body; nothing may read it before the handler.
	if deps.Webhooks != nil {
		deps.Webhooks.RegisterRoutes(router)
	}

	router.Group(func(r chi.Router) {
		r.Use(appmw.RequireAccount(cfg.JWTSecret))
		if deps.Billing != nil {
			deps.Billing.RegisterRoutes(r)
		}
		if deps.Usage != nil {
			r.Get("/api/usage", handlers.Usage(deps.Usage))
		}
		if deps.Jobs != nil {
			handlers.NewJobHandler(deps.Jobs).RegisterRoutes(r)
		}
	})

	if deps.Reviews != nil {
		router.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: publicOrigins(cfg),
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
			r.Use(appmw.NewRateLimiter(cfg.PublicRateLimit, publicBurst(cfg.PublicRateLimit)).Middleware())
			deps.Reviews.RegisterRoutes(r)
		})
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, tasks: deps.Tasks}
}

func publicOrigins(cfg config.Config) []string {
	if len(cfg.CORSAllowedOrigins) > 0 {
		return cfg.CORSAllowedOrigins
	}
	return []string{cfg.AppBaseURL}
}

func publicBurst(rps float64) int {
	burst := int(rps * 5)
	if burst < 5 {
		burst = 5
	}
	return burst
}

// Start begins serving HTTP traffic and starts the worker. It returns once
// the listener closes, without waiting for Shutdown to finish draining.
func (s *Server) Start() error {
	s.startWorker()
	return s.serve()
}

func (s *Server) startWorker() {
	if s.worker != nil {
		log.Info().Msg("starting job worker")
		s.worker.Start(context.Background())
	}
}

func (s *Server) serve() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// and returns only after the worker and background tasks have drained or
// shutdownTimeout has elapsed.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.startWorker()
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.serve() }()

	var err error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("http server shutdown error")
		if err == nil {
			err = serr
		}
	}
	return err
}

// Shutdown stops accepting requests, then drains the worker and the
// background task runner.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Msg("worker shutdown error")
		}
	}
	if s.tasks != nil {
		if terr := s.tasks.Stop(ctx); terr != nil {
			log.Error().Err(terr).Msg("background tasks did not drain")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
