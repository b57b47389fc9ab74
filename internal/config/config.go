package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// AppBaseURL is the public origin of the web app, used to build Stripe
	// success/cancel/return URLs (e.g. "https://leaveratings.com").
	AppBaseURL string

	// StripeSecretKey authenticates outbound Stripe API calls.
	StripeSecretKey string

	// StripeWebhookSecret verifies the Stripe-Signature header on webhook deliveries.
	StripeWebhookSecret string

	// StripePriceID is the recurring price used for the unlimited plan checkout.
	StripePriceID string

	// OpenAIAPIKey enables review generation. When empty every generation
	// returns an empty draft.
	OpenAIAPIKey string

	// OpenAIModel is the chat completion model used for review drafts.
	OpenAIModel string

	// JWTSecret is the HMAC key for bearer tokens issued by the web app.
	JWTSecret string

	// FreeTierCeiling is the lifetime number of generated reviews allowed without
	// an active subscription.
	FreeTierCeiling int

	// TrialingUnlimited lets trialing subscriptions bypass the ceiling. Off by default:
	// only "active" grants unlimited usage.
	TrialingUnlimited bool

	// ReviewRetention is how many generated drafts are kept per business.
	ReviewRetention int

	// BillingTimeout bounds every outbound Stripe call.
	BillingTimeout time.Duration

	// GeneratorTimeout bounds the text generation call.
	GeneratorTimeout time.Duration

	// TaskConcurrency is the number of background task runners.
	TaskConcurrency int

	// PublicRateLimit is the per-IP requests/second allowed on public review routes.
	PublicRateLimit float64

	// CORSAllowedOrigins lists origins allowed to call the public routes.
	CORSAllowedOrigins []string

	// WorkerEnabled starts the durable job worker alongside the HTTP server.
	WorkerEnabled bool

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress    = ":18111"
	defaultAppBaseURL       = "http://localhost:3000"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultFreeTierCeiling  = 10
	defaultReviewRetention  = 3
	defaultBillingTimeout   = 10 * time.Second
	defaultGeneratorTimeout = 20 * time.Second
	defaultTaskConcurrency  = 8
	defaultPublicRateLimit  = 2.0
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppBaseURL          = "APP_BASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripePriceID       = "STRIPE_PRICE_ID"
	envOpenAIAPIKey        = "OPENAI_API_KEY"
	envOpenAIModel         = "OPENAI_MODEL"
	envJWTSecret           = "JWT_SECRET"
	envFreeTierCeiling     = "FREE_TIER_CEILING"
	envTrialingUnlimited   = "TRIALING_UNLIMITED"
	envReviewRetention     = "REVIEW_RETENTION"
	envBillingTimeout      = "BILLING_TIMEOUT"
	envGeneratorTimeout    = "GENERATOR_TIMEOUT"
	envTaskConcurrency     = "TASK_CONCURRENCY"
	envPublicRateLimit     = "PUBLIC_RATE_LIMIT"
	envCORSAllowedOrigins  = "CORS_ALLOWED_ORIGINS"
	envWorkerEnabled       = "WORKER_ENABLED"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		AppBaseURL:          strings.TrimRight(firstNonEmpty(os.Getenv(envAppBaseURL), defaultAppBaseURL), "/"),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		StripePriceID:       os.Getenv(envStripePriceID),
		OpenAIAPIKey:        os.Getenv(envOpenAIAPIKey),
		OpenAIModel:         firstNonEmpty(os.Getenv(envOpenAIModel), defaultOpenAIModel),
		JWTSecret:           os.Getenv(envJWTSecret),
		CORSAllowedOrigins:  splitList(os.Getenv(envCORSAllowedOrigins)),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	var err error
	if cfg.FreeTierCeiling, err = intFromEnv(envFreeTierCeiling, defaultFreeTierCeiling); err != nil {
		return Config{}, err
	}
	if cfg.FreeTierCeiling < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envFreeTierCeiling)
	}
	if cfg.ReviewRetention, err = intFromEnv(envReviewRetention, defaultReviewRetention); err != nil {
		return Config{}, err
	}
	if cfg.ReviewRetention < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", envReviewRetention)
	}
	if cfg.TaskConcurrency, err = intFromEnv(envTaskConcurrency, defaultTaskConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.TrialingUnlimited, err = boolFromEnv(envTrialingUnlimited, false); err != nil {
		return Config{}, err
	}
	if cfg.WorkerEnabled, err = boolFromEnv(envWorkerEnabled, true); err != nil {
		return Config{}, err
	}
	if cfg.BillingTimeout, err = durationFromEnv(envBillingTimeout, defaultBillingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GeneratorTimeout, err = durationFromEnv(envGeneratorTimeout, defaultGeneratorTimeout); err != nil {
		return Config{}, err
	}

	cfg.PublicRateLimit = defaultPublicRateLimit
	if raw := strings.TrimSpace(os.Getenv(envPublicRateLimit)); raw != "" {
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || v <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envPublicRateLimit, raw)
		}
		cfg.PublicRateLimit = v
	}

	return cfg, nil
}

// BillingEnabled reports whether Stripe credentials are configured.
func (c Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intFromEnv(env string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	return v, nil
}

func boolFromEnv(env string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", env, err)
	}
	return v, nil
}

func durationFromEnv(env string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", env)
	}
	return v, nil
}
