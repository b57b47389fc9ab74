package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/leaveratings/backend/internal/config"
	"github.com/PortNumber53/leaveratings/backend/internal/logging"
	"github.com/PortNumber53/leaveratings/backend/internal/migrations"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
	"github.com/PortNumber53/leaveratings/backend/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:           "dbtool",
	Short:         "Database maintenance for the leaveratings backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			log.Info().Msg("applying migrations")
			if err := migrations.Up(db); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			log.Info().Msg("migrations applied")
			return nil
		})
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear the dirty flag left by a failed migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			if err := migrations.FixDirtyDatabase(db); err != nil {
				return fmt.Errorf("fix dirty database: %w", err)
			}
			log.Info().Msg("database fixed")
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Force the recorded schema version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[0])
		}
		return withDB(cmd.Context(), func(db *sql.DB) error {
			if err := migrations.ForceVersion(db, uint(v)); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			log.Info().Uint64("version", v).Msg("database version forced")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			version, dirty, err := migrations.Version(db)
			if err != nil {
				return fmt.Errorf("read version: %w", err)
			}
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-duplicates",
	Short: "Queue a sweep that collapses duplicate active subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			return queueSweep(cmd.Context(), jobs)
		})
	},
}

// queueSweep enqueues a one-off sweep that runs now even when the periodic
// sweep is already pending for later.
func queueSweep(ctx context.Context, q worker.JobEnqueuer) error {
	job, err := worker.QueueManualSweep(ctx, q)
	if err != nil {
		return fmt.Errorf("enqueue sweep: %w", err)
	}
	log.Info().Int64("job_id", job.ID).Msg("sweep queued")
	return nil
}

var resyncCmd = &cobra.Command{
	Use:   "resync <account_id>...",
	Short: "Queue an entitlement resync against Stripe for each account",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			for _, accountID := range args {
				job := models.NewJob(models.JobRefreshEntitlement, models.JSONB{"account_id": accountID})
				if _, err := jobs.EnqueueUnique(cmd.Context(), job, accountID); err != nil {
					return fmt.Errorf("enqueue resync for %s: %w", accountID, err)
				}
			}
			log.Info().Int("accounts", len(args)).Msg("resync queued")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(fixCmd, forceCmd, statusCmd, sweepCmd, resyncCmd)
}

func withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "dbtool"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(db)
}

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
