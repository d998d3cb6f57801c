// Package stripe implements billsync.PaymentProvider and billsync.Verifier for Stripe.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	providerName     = "stripe"
	checkoutEndpoint = "/v1/checkout/sessions"
)

// checkoutSessions is the slice of the Stripe client used here
type checkoutSessions interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// Config configures the Stripe payment provider
type Config struct {
	// SecretKey is the Stripe API key (sk_live_... / sk_test_...)
	SecretKey string

	// Logger is optional
	Logger billsync.Logger

	// Metrics is optional
	// Use metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics billsync.Metrics
}

// Provider implements billsync.PaymentProvider using an injected Stripe client
type Provider struct {
	sessions checkoutSessions
	logger   billsync.Logger
	metrics  billsync.Metrics
	now      func() time.Time
}

// NewProvider creates a new Stripe provider. No package-level Stripe state is used.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.SecretKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key is empty", billsync.ErrNotConfigured)
	}

	client := stripe.NewClient(apiKey)
	return newProvider(client.V1CheckoutSessions, config), nil
}

func newProvider(sessions checkoutSessions, config Config) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billsync.NoopMetrics{}
	}
	return &Provider{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// CreateCheckoutSession creates a subscription-mode Checkout Session.
// The request's idempotency key is forwarded to Stripe so retries return the
// original session.
func (p *Provider) CreateCheckoutSession(
	ctx context.Context, req *billsync.ProviderSessionRequest,
) (*billsync.ProviderSession, error) {
	startTime := p.now()

	params, err := buildCheckoutParams(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "invalid_request")
		return nil, err
	}

	session, err := p.sessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, p.now().Sub(startTime))
	if err != nil {
		mapped := mapStripeError(err)
		status := "error"
		if errors.Is(mapped, billsync.ErrProviderUnavailable) {
			status = "unavailable"
		}
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, status)
		p.logger.Warn("stripe checkout session create failed",
			billsync.Field{Key: "idempotency_key", Value: req.IdempotencyKey},
			billsync.Field{Key: "error", Value: err.Error()})
		return nil, mapped
	}

	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")

	out := &billsync.ProviderSession{ID: session.ID, URL: session.URL}
	if session.Created > 0 {
		out.CreatedAt = time.Unix(session.Created, 0).UTC()
	}
	return out, nil
}

func buildCheckoutParams(req *billsync.ProviderSessionRequest) (*stripe.CheckoutSessionCreateParams, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", billsync.ErrInvalidCustomerRef)
	}
	if req.Price.ProviderPriceID == "" {
		return nil, fmt.Errorf("%w: plan %s/%s has no stripe price", billsync.ErrUnknownPlan,
			req.Price.PlanID, req.Price.Interval)
	}
	if !req.Customer.Valid() {
		return nil, billsync.ErrInvalidCustomerRef
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.Price.ProviderPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.Customer.Key()),
	}
	if req.SuccessURL != "" {
		params.SuccessURL = stripe.String(req.SuccessURL)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}

	if id := strings.TrimSpace(req.Customer.ExistingID); id != "" {
		params.Customer = stripe.String(id)
	} else {
		params.CustomerEmail = stripe.String(strings.TrimSpace(req.Customer.Email))
	}

	// Metadata on both objects so every later webhook can resolve the plan
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}

	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	return params, nil
}

// mapStripeError marks retryable failures with billsync.ErrProviderUnavailable.
// 4xx responses other than 429 are returned as-is.
func mapStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: stripe returned %d: %v", billsync.ErrProviderUnavailable,
				stripeErr.HTTPStatusCode, err)
		}
		return fmt.Errorf("stripe rejected request: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w: %v", billsync.ErrProviderUnavailable, billsync.ErrProviderTimeout, err)
		}
		return fmt.Errorf("%w: %v", billsync.ErrProviderUnavailable, err)
	}

	// Connection failures surface as plain errors from the HTTP backend
	return fmt.Errorf("%w: %v", billsync.ErrProviderUnavailable, err)
}
