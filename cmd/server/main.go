package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/billing"
	"github.com/PortNumber53/leaveratings/backend/internal/config"
	"github.com/PortNumber53/leaveratings/backend/internal/generator"
	"github.com/PortNumber53/leaveratings/backend/internal/handlers"
	"github.com/PortNumber53/leaveratings/backend/internal/httpserver"
	"github.com/PortNumber53/leaveratings/backend/internal/logging"
	"github.com/PortNumber53/leaveratings/backend/internal/migrations"
	"github.com/PortNumber53/leaveratings/backend/internal/reviews"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
	stripeClient "github.com/PortNumber53/leaveratings/backend/internal/stripe"
	"github.com/PortNumber53/leaveratings/backend/internal/tasks"
	"github.com/PortNumber53/leaveratings/backend/internal/usage"
	"github.com/PortNumber53/leaveratings/backend/internal/worker"
)

const sweepInterval = 24 * time.Hour

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "backend"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	taskCfg := tasks.DefaultConfig()
	taskCfg.Workers = cfg.TaskConcurrency
	runner := tasks.New(taskCfg)

	jobWorker := worker.New(worker.DefaultConfig(), jobStore)
	jobWorker.SetInstrumentation(worker.PrometheusInstrumentation())

	gate := usage.NewGate(st, st, usage.GateConfig{
		Ceiling:           cfg.FreeTierCeiling,
		TrialingUnlimited: cfg.TrialingUnlimited,
	})
	recorder := usage.NewRecorder(st, st, runner, cfg.ReviewRetention)

	var gen generator.Generator = generator.Disabled{}
	if cfg.OpenAIAPIKey != "" {
		gen = generator.NewOpenAIFromKey(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GeneratorTimeout)
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set; review generation disabled")
	}
	reviewService := reviews.NewService(st, gate, gen, recorder, reviews.LogNotifier{})

	// A nil provider keeps billing routes answering 503 and refresh on
	// stored state.
	var provider billing.Provider
	if cfg.BillingEnabled() {
		provider = stripeClient.NewClient(cfg.StripeSecretKey, cfg.BillingTimeout)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; billing disabled")
	}

	refresher := billing.NewRefresher(st, provider, runner, cfg.BillingTimeout)
	collapser := billing.NewCollapser(provider, jobWorker)
	checkout := billing.NewCheckout(st, provider, collapser, billing.CheckoutConfig{
		PriceID:    cfg.StripePriceID,
		AppBaseURL: cfg.AppBaseURL,
		Timeout:    cfg.BillingTimeout,
	})

	deps := httpserver.Deps{
		DB:      st,
		Billing: handlers.NewBillingHandler(checkout, refresher),
		Usage:   gate,
		Reviews: handlers.NewReviewHandler(reviewService),
		Jobs:    jobStore,
		Tasks:   runner,
	}

	if provider != nil {
		reconciler := billing.NewReconciler(st, provider, jobWorker)
		deps.Webhooks = handlers.NewStripeHandler(st, reconciler, cfg.StripeWebhookSecret)

		worker.RegisterBillingJobs(jobWorker, worker.BillingJobs{
			Canceler:      provider,
			Collapser:     collapser,
			Refresher:     refresher,
			Customers:     st,
			SweepInterval: sweepInterval,
		})
		if cfg.WorkerEnabled {
			scheduleCtx, cancelSchedule := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := worker.ScheduleSweep(scheduleCtx, jobWorker, time.Now().Add(time.Hour)); err != nil {
				log.Warn().Err(err).Msg("failed to schedule duplicate subscription sweep")
			}
			cancelSchedule()
		}
	}
	if cfg.WorkerEnabled {
		deps.Worker = jobWorker
	}

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run returns after the worker and background tasks have drained.
	if err := srv.Run(shutdownCtx, 20*time.Second); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		stop()
		db.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}
	log.Warn().Str("db", name).Err(err).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Str("db", name).Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database target")
}
