package billsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProviderTimeout = 10 * time.Second
	idempotencyKeyPrefix   = "bsk_"
)

// PaymentProvider creates hosted checkout sessions at the external provider.
// Implementations must honour ProviderSessionRequest.IdempotencyKey so that a
// retried request returns the original session.
type PaymentProvider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, req *ProviderSessionRequest) (*ProviderSession, error)
}

// ProviderSessionRequest is what the Initiator sends to the provider
type ProviderSessionRequest struct {
	IdempotencyKey string
	Customer       CustomerRef
	Price          PlanPrice
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
}

// ProviderSession is the provider's answer
type ProviderSession struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// SessionRequest is a caller's checkout initiation request
type SessionRequest struct {
	Customer CustomerRef
	PlanID   string
	Interval Interval
	Metadata map[string]string

	// Nonce distinguishes intentionally separate checkouts for the same
	// customer/plan/interval. Retries must resend the same nonce.
	Nonce string
}

// InitiatorConfig configures the Session Initiator
type InitiatorConfig struct {
	// Catalog is required
	Catalog *Catalog

	// Provider is required
	Provider PaymentProvider

	// Sessions is optional; when set, created sessions are recorded as pending
	Sessions SessionStore

	// SuccessURL and CancelURL are the provider redirect targets
	SuccessURL string
	CancelURL  string

	// ProviderTimeout bounds each provider call. Default: 10s
	ProviderTimeout time.Duration

	// CircuitBreaker optionally guards provider calls
	CircuitBreaker CircuitBreaker

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Initiator creates checkout sessions with deterministic idempotency keys
type Initiator struct {
	catalog  *Catalog
	provider PaymentProvider
	sessions SessionStore
	config   InitiatorConfig
	logger   Logger
	metrics  Metrics
	now      func() time.Time
	group    singleflight.Group
}

// NewInitiator creates a new Session Initiator
func NewInitiator(config InitiatorConfig) (*Initiator, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrNotConfigured)
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("%w: payment provider is required", ErrNotConfigured)
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}

	provider := config.Provider
	if config.CircuitBreaker != nil {
		provider = NewCircuitBreakerProvider(provider, config.CircuitBreaker)
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Initiator{
		catalog:  config.Catalog,
		provider: provider,
		sessions: config.Sessions,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// IdempotencyKey derives the provider idempotency key for an initiation request.
// The same inputs always produce the same key.
func IdempotencyKey(customer CustomerRef, planID string, interval Interval, nonce string) string {
	h := sha256.New()
	for _, part := range []string{"v1", customer.Key(), strings.TrimSpace(planID), string(interval), nonce} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return idempotencyKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// CreateSession validates the request and creates a provider checkout session.
//
// Validation errors (ErrUnknownPlan, ErrInvalidCustomerRef) are terminal.
// ErrProviderUnavailable (and ErrProviderTimeout) may be retried with the same
// request; the idempotency key will match.
func (i *Initiator) CreateSession(ctx context.Context, req SessionRequest) (*CheckoutSession, error) {
	price, err := i.catalog.PriceFor(req.PlanID, req.Interval)
	if err != nil {
		i.metrics.RecordSessionCreated(req.PlanID, req.Interval, "invalid")
		return nil, err
	}
	if !req.Customer.Valid() {
		i.metrics.RecordSessionCreated(req.PlanID, req.Interval, "invalid")
		return nil, ErrInvalidCustomerRef
	}

	key := IdempotencyKey(req.Customer, price.PlanID, price.Interval, req.Nonce)

	// Concurrent identical requests share one provider call. Once submitted the
	// call is not tied to any caller: a caller that goes away stops waiting but
	// the others still get the session.
	callCtx := context.WithoutCancel(ctx)
	ch := i.group.DoChan(key, func() (interface{}, error) {
		return i.createWithProvider(callCtx, req, price, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		i.logger.Debug("checkout initiation shared with in-flight request",
			Field{Key: "idempotency_key", Value: key})
	}

	session := *res.Val.(*CheckoutSession)
	return &session, nil
}

func (i *Initiator) createWithProvider(
	ctx context.Context, req SessionRequest, price PlanPrice, key string,
) (*CheckoutSession, error) {
	metadata := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["plan_id"] = price.PlanID
	metadata["interval"] = string(price.Interval)
	metadata["customer_key"] = req.Customer.Key()

	callCtx, cancel := context.WithTimeout(ctx, i.config.ProviderTimeout)
	defer cancel()

	start := i.now()
	ps, err := i.provider.CreateCheckoutSession(callCtx, &ProviderSessionRequest{
		IdempotencyKey: key,
		Customer:       req.Customer,
		Price:          price,
		SuccessURL:     i.config.SuccessURL,
		CancelURL:      i.config.CancelURL,
		Metadata:       metadata,
	})
	if err == nil && ps == nil {
		err = fmt.Errorf("%w: empty session returned", ErrProviderUnavailable)
	}
	if err != nil {
		err = classifyProviderError(callCtx, err)
		status := "provider_unavailable"
		if errors.Is(err, ErrProviderTimeout) {
			status = "provider_timeout"
		}
		i.metrics.RecordSessionCreated(price.PlanID, price.Interval, status)
		i.logger.Error("checkout session creation failed",
			Field{Key: "provider", Value: i.provider.Name()},
			Field{Key: "plan_id", Value: price.PlanID},
			Field{Key: "interval", Value: string(price.Interval)},
			Field{Key: "idempotency_key", Value: key},
			Field{Key: "duration", Value: i.now().Sub(start).String()},
			Field{Key: "error", Value: err.Error()},
		)
		return nil, err
	}

	createdAt := ps.CreatedAt
	if createdAt.IsZero() {
		createdAt = i.now().UTC()
	}

	session := &CheckoutSession{
		SessionID:      ps.ID,
		Customer:       req.Customer,
		PlanID:         price.PlanID,
		Interval:       price.Interval,
		IdempotencyKey: key,
		RedirectURL:    ps.URL,
		Status:         SessionPending,
		CreatedAt:      createdAt.UTC(),
	}

	if i.sessions != nil {
		// A retried request may see a session the webhook already completed
		existing, getErr := i.sessions.GetSession(ctx, session.SessionID)
		switch {
		case getErr == nil && existing.Status != SessionPending:
			session = existing
		case getErr != nil && !errors.Is(getErr, ErrSessionNotFound):
			i.logger.Warn("failed to read checkout session",
				Field{Key: "session_id", Value: session.SessionID},
				Field{Key: "error", Value: getErr.Error()})
		default:
			if saveErr := i.sessions.SaveSession(ctx, session); saveErr != nil {
				// The provider session exists; the webhook will record it on completion
				i.logger.Warn("failed to record checkout session",
					Field{Key: "session_id", Value: session.SessionID},
					Field{Key: "error", Value: saveErr.Error()})
			}
		}
	}

	i.metrics.RecordSessionCreated(price.PlanID, price.Interval, "success")
	i.logger.Info("checkout session created",
		Field{Key: "session_id", Value: session.SessionID},
		Field{Key: "plan_id", Value: price.PlanID},
		Field{Key: "interval", Value: string(price.Interval)},
	)

	return session, nil
}

// classifyProviderError maps provider failures onto ErrProviderUnavailable / ErrProviderTimeout
func classifyProviderError(ctx context.Context, err error) error {
	if errors.Is(err, ErrProviderTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrProviderUnavailable, ErrProviderTimeout, err)
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
