package billsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errUpstream = fmt.Errorf("%w: upstream 503", ErrProviderUnavailable)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	clock := newFakeClock()
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})
	cb.now = clock.Now

	ctx := context.Background()

	// Initial state: Closed
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(ctx, func() error { return errUpstream })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	err := cb.Execute(ctx, func() error { return errUpstream })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast
	called := false
	err = cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, called)

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful trial request closes the circuit
	err = cb.Execute(ctx, func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)

	for i := 0; i < threshold; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed trial request re-opens the circuit
	err = cb.Execute(ctx, func() error { return errUpstream })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ValidationErrorsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("invalid price") })
		assert.Error(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewDefaultCircuitBreaker(3, time.Minute, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUpstream })
	_ = cb.Execute(ctx, func() error { return errUpstream })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errUpstream })
	_ = cb.Execute(ctx, func() error { return errUpstream })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_DefaultsApplied(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewDefaultCircuitBreaker(3, 100*time.Millisecond, nil)

	ctx := context.Background()
	const goroutines = 100
	errChan := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			errChan <- cb.Execute(ctx, func() error {
				if id%10 == 0 {
					return errUpstream
				}
				return nil
			})
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		err := <-errChan
		if err != nil && !errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("Unexpected error from concurrent Execute %d: %v", i, err)
		}
	}
}

type stubProvider struct {
	calls int
	err   error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateCheckoutSession(_ context.Context, req *ProviderSessionRequest) (*ProviderSession, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &ProviderSession{ID: "cs_" + req.IdempotencyKey, URL: "https://pay.example/cs"}, nil
}

func TestCircuitBreakerProvider(t *testing.T) {
	inner := &stubProvider{err: errUpstream}
	p := NewCircuitBreakerProvider(inner, NewDefaultCircuitBreaker(2, time.Minute, nil))
	ctx := context.Background()
	req := &ProviderSessionRequest{IdempotencyKey: "k"}

	assert.Equal(t, "stub", p.Name())

	for i := 0; i < 2; i++ {
		_, err := p.CreateCheckoutSession(ctx, req)
		require.ErrorIs(t, err, ErrProviderUnavailable)
	}

	// Open: the provider is not called any more
	_, err := p.CreateCheckoutSession(ctx, req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
}
