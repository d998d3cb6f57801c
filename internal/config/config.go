// Package config loads the billsyncd daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends accepted in STORAGE_BACKEND
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// Config is the daemon configuration
type Config struct {
	StripeSecretKey     string
	StripeWebhookSecret string

	// PublicBaseURL is where customers return after checkout
	PublicBaseURL string
	ListenAddr    string

	StorageBackend   string
	RedisAddr        string
	PostgresDSN      string
	FirestoreProject string

	// PlanCatalogFile is a YAML plan catalog (required)
	PlanCatalogFile string

	LogLevel  string
	LogFormat string

	ProviderTimeout  time.Duration
	ShutdownTimeout  time.Duration
	WebhookRateLimit int
	MetricsNamespace string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a lookup function such as os.LookupEnv
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		PublicBaseURL:       strings.TrimRight(get("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		ListenAddr:          get("LISTEN_ADDR", ":8080"),
		StorageBackend:      strings.ToLower(get("STORAGE_BACKEND", BackendMemory)),
		RedisAddr:           get("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:         get("POSTGRES_DSN", ""),
		FirestoreProject:    get("FIRESTORE_PROJECT", ""),
		PlanCatalogFile:     get("PLAN_CATALOG_FILE", "plans.yaml"),
		LogLevel:            strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(get("LOG_FORMAT", "json")),
		MetricsNamespace:    get("METRICS_NAMESPACE", "billsync"),
	}

	var errs []error
	var err error
	if cfg.ProviderTimeout, err = parseDuration(get("PROVIDER_TIMEOUT", "10s")); err != nil {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEOUT: %w", err))
	}
	if cfg.ShutdownTimeout, err = parseDuration(get("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err))
	}
	if cfg.WebhookRateLimit, err = strconv.Atoi(get("WEBHOOK_RATE_LIMIT", "0")); err != nil || cfg.WebhookRateLimit < 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_RATE_LIMIT: must be a non-negative integer"))
	}
	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for the firestore backend")
		}
	case BackendTiered:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the tiered backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// BillingConfigured reports whether both Stripe secrets are present.
// Without them the billing endpoints answer not_configured.
func (c *Config) BillingConfigured() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}

// SuccessURL is the checkout return URL. Stripe substitutes the session id.
func (c *Config) SuccessURL() string {
	return c.PublicBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is where customers land after abandoning checkout
func (c *Config) CancelURL() string {
	return c.PublicBaseURL + "/billing/cancel"
}
