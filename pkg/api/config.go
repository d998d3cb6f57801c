package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	// DefaultSignatureHeader is the header carrying the provider webhook signature
	DefaultSignatureHeader = "Stripe-Signature"

	// DefaultMaxBodyBytes bounds webhook and checkout request bodies (256KB)
	DefaultMaxBodyBytes = 256 * 1024

	defaultRateLimitWindow = time.Minute
)

// SessionCreator starts checkout sessions (implemented by *billsync.Initiator)
type SessionCreator interface {
	CreateSession(ctx context.Context, req billsync.SessionRequest) (*billsync.CheckoutSession, error)
}

// EventApplier reconciles verified events (implemented by *billsync.Reconciler)
type EventApplier interface {
	Apply(ctx context.Context, event *billsync.ProviderEvent) (*billsync.Result, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Storage serves the read-only subscription endpoints (required)
	Storage billsync.Storage

	// Initiator creates checkout sessions.
	// If nil, checkout answers 503 not_configured.
	Initiator SessionCreator

	// Verifier and Reconciler process webhooks.
	// If either is nil, the webhook answers 503 not_configured.
	Verifier   billsync.Verifier
	Reconciler EventApplier

	// SignatureHeader names the webhook signature header. Default: "Stripe-Signature"
	SignatureHeader string

	// MaxBodyBytes limits request bodies. Default: 256KB
	MaxBodyBytes int64

	// WebhookRateLimit is the max webhook requests per client IP per RateLimitWindow.
	// 0 disables rate limiting.
	WebhookRateLimit int
	RateLimitWindow  time.Duration

	// OnError handles errors instead of the default JSON error body
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger  billsync.Logger
	Metrics billsync.Metrics
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative")
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("webhook rate limit must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SignatureHeader == "" {
		c.SignatureHeader = DefaultSignatureHeader
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.Logger == nil {
		c.Logger = &billsync.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &billsync.NoopMetrics{}
	}
}
