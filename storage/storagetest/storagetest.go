// Package storagetest holds the behavior every billsync.Store backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) billsync.Store

// Record builds a subscription record fixture
func Record(id string, version int64, status billsync.SubscriptionStatus) *billsync.SubscriptionRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &billsync.SubscriptionRecord{
		SubscriptionID: id,
		Customer:       billsync.CustomerRef{ExistingID: "cus_1"},
		PlanID:         "pro",
		Status:         status,
		Version:        version,
		CreatedAt:      now,
		UpdatedAt:      now.Add(time.Duration(version) * time.Minute),
	}
}

// Transition builds a transition fixture
func Transition(id, eventID string, expected int64, next *billsync.SubscriptionRecord) *billsync.Transition {
	return &billsync.Transition{
		SubscriptionID:  id,
		ExpectedVersion: expected,
		Next:            next,
		Event: billsync.AppliedEvent{
			EventID:        eventID,
			EventType:      billsync.EventSubscriptionUpdated,
			SubscriptionID: id,
			Outcome:        billsync.OutcomeApplied,
			AppliedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

// Run executes the shared store tests
func Run(t *testing.T, newStore Factory) {
	t.Run("GetSubscriptionNotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ApplyTransition", func(t *testing.T) { testApplyTransition(t, newStore(t)) })
	t.Run("HistoryOnly", func(t *testing.T) { testHistoryOnly(t, newStore(t)) })
	t.Run("PeriodEndRoundTrip", func(t *testing.T) { testPeriodEnd(t, newStore(t)) })
	t.Run("ListSubscriptionsByCustomer", func(t *testing.T) { testListByCustomer(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("SessionExpiry", func(t *testing.T) { testSessionExpiry(t, newStore(t)) })
	t.Run("ConcurrentApply", func(t *testing.T) { testConcurrentApply(t, newStore(t)) })
}

func testNotFound(t *testing.T, store billsync.Store) {
	ctx := context.Background()

	_, err := store.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, billsync.ErrSubscriptionNotFound)

	processed, err := store.IsEventProcessed(ctx, "sub_missing", "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	history, err := store.History(ctx, "sub_missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testApplyTransition(t *testing.T, store billsync.Store) {
	ctx := context.Background()

	rec, err := store.ApplyTransition(ctx, Transition("sub_1", "evt_1", 0,
		Record("sub_1", 1, billsync.StatusIncomplete)))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, billsync.StatusIncomplete, rec.Status)

	processed, err := store.IsEventProcessed(ctx, "sub_1", "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = store.ApplyTransition(ctx, Transition("sub_1", "evt_1", 1,
		Record("sub_1", 2, billsync.StatusActive)))
	assert.ErrorIs(t, err, billsync.ErrEventAlreadyApplied)

	_, err = store.ApplyTransition(ctx, Transition("sub_1", "evt_2", 0,
		Record("sub_1", 1, billsync.StatusActive)))
	assert.ErrorIs(t, err, billsync.ErrConcurrentUpdate)

	// A rejected write leaves no trace
	processed, err = store.IsEventProcessed(ctx, "sub_1", "evt_2")
	require.NoError(t, err)
	assert.False(t, processed)

	rec, err = store.ApplyTransition(ctx, Transition("sub_1", "evt_2", 1,
		Record("sub_1", 2, billsync.StatusActive)))
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusActive, rec.Status)

	got, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, billsync.StatusActive, got.Status)
	assert.Equal(t, "pro", got.PlanID)
	assert.Equal(t, "cus_1", got.Customer.ExistingID)

	history, err := store.History(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "evt_1", history[0].EventID)
	assert.Equal(t, "evt_2", history[1].EventID)
	assert.Equal(t, billsync.OutcomeApplied, history[1].Outcome)
}

func testHistoryOnly(t *testing.T, store billsync.Store) {
	ctx := context.Background()

	rec, err := store.ApplyTransition(ctx, Transition("sub_1", "evt_1", 0, nil))
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = store.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, billsync.ErrSubscriptionNotFound)

	processed, err := store.IsEventProcessed(ctx, "sub_1", "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	history, err := store.History(ctx, "sub_1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Recording an ignored event on an existing record keeps the version
	_, err = store.ApplyTransition(ctx, Transition("sub_2", "evt_a", 0, Record("sub_2", 1, billsync.StatusActive)))
	require.NoError(t, err)
	rec, err = store.ApplyTransition(ctx, Transition("sub_2", "evt_b", 1, nil))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
}

func testPeriodEnd(t *testing.T, store billsync.Store) {
	ctx := context.Background()

	next := Record("sub_1", 1, billsync.StatusActive)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	next.CurrentPeriodEnd = &end
	next.LastEventSequence = billsync.Sequence{Provider: 7, OccurredAt: end.Add(-time.Hour), EventID: "evt_1"}

	_, err := store.ApplyTransition(ctx, Transition("sub_1", "evt_1", 0, next))
	require.NoError(t, err)

	// Mutating the caller's value must not leak into the store
	next.Status = billsync.StatusCanceled

	got, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusActive, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, int64(7), got.LastEventSequence.Provider)
	assert.Equal(t, "evt_1", got.LastEventSequence.EventID)
	assert.True(t, got.LastEventSequence.OccurredAt.Equal(end.Add(-time.Hour)))
}

func testListByCustomer(t *testing.T, store billsync.Store) {
	ctx := context.Background()

	for i, id := range []string{"sub_b", "sub_a"} {
		_, err := store.ApplyTransition(ctx, Transition(id, fmt.Sprintf("evt_%d", i), 0,
			Record(id, 1, billsync.StatusActive)))
		require.NoError(t, err)
	}
	other := Record("sub_c", 1, billsync.StatusActive)
	other.Customer = billsync.CustomerRef{Email: "Other@Example.com"}
	_, err := store.ApplyTransition(ctx, Transition("sub_c", "evt_c", 0, other))
	require.NoError(t, err)

	records, err := store.ListSubscriptionsByCustomer(ctx, "id:cus_1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sub_a", records[0].SubscriptionID)
	assert.Equal(t, "sub_b", records[1].SubscriptionID)

	records, err = store.ListSubscriptionsByCustomer(ctx, "email:other@example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sub_c", records[0].SubscriptionID)

	records, err = store.ListSubscriptionsByCustomer(ctx, "id:cus_none")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testSessions(t *testing.T, store billsync.Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.GetSession(ctx, "cs_missing")
	assert.ErrorIs(t, err, billsync.ErrSessionNotFound)

	_, _, err = store.CompleteSession(ctx, "cs_missing", "sub_1", created)
	assert.ErrorIs(t, err, billsync.ErrSessionNotFound)

	session := &billsync.CheckoutSession{
		SessionID:      "cs_1",
		Customer:       billsync.CustomerRef{Email: "ada@example.com"},
		PlanID:         "pro",
		Interval:       billsync.IntervalMonthly,
		IdempotencyKey: "bsk_test",
		RedirectURL:    "https://checkout.example.com/cs_1",
		Status:         billsync.SessionPending,
		CreatedAt:      created,
	}
	require.NoError(t, store.SaveSession(ctx, session))

	got, err := store.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billsync.SessionPending, got.Status)
	assert.Equal(t, "bsk_test", got.IdempotencyKey)
	assert.True(t, got.CreatedAt.Equal(created))

	completedAt := created.Add(5 * time.Minute)
	done, changed, err := store.CompleteSession(ctx, "cs_1", "sub_1", completedAt)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, billsync.SessionCompleted, done.Status)
	assert.Equal(t, "sub_1", done.SubscriptionID)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(completedAt))

	again, changed, err := store.CompleteSession(ctx, "cs_1", "sub_2", completedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "sub_1", again.SubscriptionID)

	// A late initiator save must not reopen a completed session
	require.NoError(t, store.SaveSession(ctx, session))
	got, err = store.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billsync.SessionCompleted, got.Status)
}

func testSessionExpiry(t *testing.T, store billsync.Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiredAt := created.Add(24 * time.Hour)

	_, _, err := store.ExpireSession(ctx, "cs_missing", expiredAt)
	assert.ErrorIs(t, err, billsync.ErrSessionNotFound)

	pending := func(id string) *billsync.CheckoutSession {
		return &billsync.CheckoutSession{
			SessionID: id,
			Customer:  billsync.CustomerRef{ExistingID: "cus_1"},
			PlanID:    "pro",
			Interval:  billsync.IntervalMonthly,
			Status:    billsync.SessionPending,
			CreatedAt: created,
		}
	}

	require.NoError(t, store.SaveSession(ctx, pending("cs_exp")))
	expired, changed, err := store.ExpireSession(ctx, "cs_exp", expiredAt)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, billsync.SessionExpired, expired.Status)
	require.NotNil(t, expired.ExpiredAt)
	assert.True(t, expired.ExpiredAt.Equal(expiredAt))

	again, changed, err := store.ExpireSession(ctx, "cs_exp", expiredAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	require.NotNil(t, again.ExpiredAt)
	assert.True(t, again.ExpiredAt.Equal(expiredAt))

	// Saving a pending copy does not reopen an expired session
	require.NoError(t, store.SaveSession(ctx, pending("cs_exp")))
	got, err := store.GetSession(ctx, "cs_exp")
	require.NoError(t, err)
	assert.Equal(t, billsync.SessionExpired, got.Status)

	// Payment can still land after expiry
	done, changed, err := store.CompleteSession(ctx, "cs_exp", "sub_late", expiredAt.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, billsync.SessionCompleted, done.Status)
	assert.Equal(t, "sub_late", done.SubscriptionID)

	// Expiry never touches a completed session
	require.NoError(t, store.SaveSession(ctx, pending("cs_paid")))
	_, _, err = store.CompleteSession(ctx, "cs_paid", "sub_1", created.Add(time.Minute))
	require.NoError(t, err)
	kept, changed, err := store.ExpireSession(ctx, "cs_paid", expiredAt)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, billsync.SessionCompleted, kept.Status)
	assert.Nil(t, kept.ExpiredAt)
	got, err = store.GetSession(ctx, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, billsync.SessionCompleted, got.Status)
	assert.Equal(t, "sub_1", got.SubscriptionID)
}

func testConcurrentApply(t *testing.T, store billsync.Store) {
	ctx := context.Background()
	const workers = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyTransition(ctx, Transition("sub_1", "evt_1", 0,
				Record("sub_1", 1, billsync.StatusActive)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, billsync.ErrEventAlreadyApplied), errors.Is(err, billsync.ErrConcurrentUpdate):
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, succeeded)

	history, err := store.History(ctx, "sub_1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
