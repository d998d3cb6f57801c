package billsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to the payment provider.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive failures and
// lets one trial request through once resetTimeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	// IsFailure decides which errors count against the breaker.
	// Validation errors from the provider should not open the circuit.
	isFailure func(error) bool

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
// Only ErrProviderUnavailable and deadline errors count as failures.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		isFailure: func(err error) bool {
			return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded)
		},
		onStateChange: onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, ErrCircuitOpen)
	}

	err := fn()
	if err != nil && cb.isFailure(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	halfOpen := cb.currentState() == StateHalfOpen
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if halfOpen || (cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerProvider wraps a PaymentProvider with circuit breaker protection.
type CircuitBreakerProvider struct {
	provider PaymentProvider
	cb       CircuitBreaker
}

// NewCircuitBreakerProvider creates a new provider wrapper with circuit breaker.
func NewCircuitBreakerProvider(provider PaymentProvider, cb CircuitBreaker) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{provider: provider, cb: cb}
}

func (p *CircuitBreakerProvider) Name() string {
	return p.provider.Name()
}

func (p *CircuitBreakerProvider) CreateCheckoutSession(
	ctx context.Context, req *ProviderSessionRequest,
) (*ProviderSession, error) {
	var session *ProviderSession
	err := p.cb.Execute(ctx, func() error {
		var e error
		session, e = p.provider.CreateCheckoutSession(ctx, req)
		return e
	})
	return session, err
}
