package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/storagetest"
)

func newRecord(id string, version int64, status billsync.SubscriptionStatus) *billsync.SubscriptionRecord {
	now := time.Now().UTC()
	return &billsync.SubscriptionRecord{
		SubscriptionID: id,
		Customer:       billsync.CustomerRef{ExistingID: "cus_1"},
		PlanID:         "pro",
		Status:         status,
		Version:        version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTransition(id, eventID string, expected int64, next *billsync.SubscriptionRecord) *billsync.Transition {
	return &billsync.Transition{
		SubscriptionID:  id,
		ExpectedVersion: expected,
		Next:            next,
		Event: billsync.AppliedEvent{
			EventID:        eventID,
			EventType:      billsync.EventSubscriptionCreated,
			SubscriptionID: id,
			Outcome:        billsync.OutcomeApplied,
			AppliedAt:      time.Now().UTC(),
		},
	}
}

func TestStorage_GetSubscription_NotFound(t *testing.T) {
	storage := New()

	_, err := storage.GetSubscription(context.Background(), "sub_missing")
	if !errors.Is(err, billsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_ApplyTransition(t *testing.T) {
	storage := New()
	ctx := context.Background()

	rec, err := storage.ApplyTransition(ctx, newTransition("sub_1", "evt_1", 0,
		newRecord("sub_1", 1, billsync.StatusIncomplete)))
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if rec.Version != 1 || rec.Status != billsync.StatusIncomplete {
		t.Errorf("unexpected record: %+v", rec)
	}

	processed, err := storage.IsEventProcessed(ctx, "sub_1", "evt_1")
	if err != nil {
		t.Fatalf("IsEventProcessed failed: %v", err)
	}
	if !processed {
		t.Error("Expected evt_1 to be processed")
	}

	// Same event id again
	_, err = storage.ApplyTransition(ctx, newTransition("sub_1", "evt_1", 1,
		newRecord("sub_1", 2, billsync.StatusActive)))
	if !errors.Is(err, billsync.ErrEventAlreadyApplied) {
		t.Errorf("Expected ErrEventAlreadyApplied, got %v", err)
	}

	// Stale version
	_, err = storage.ApplyTransition(ctx, newTransition("sub_1", "evt_2", 0,
		newRecord("sub_1", 1, billsync.StatusActive)))
	if !errors.Is(err, billsync.ErrConcurrentUpdate) {
		t.Errorf("Expected ErrConcurrentUpdate, got %v", err)
	}

	rec, err = storage.ApplyTransition(ctx, newTransition("sub_1", "evt_2", 1,
		newRecord("sub_1", 2, billsync.StatusActive)))
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if rec.Status != billsync.StatusActive {
		t.Errorf("Status mismatch: got %s, want %s", rec.Status, billsync.StatusActive)
	}

	history, err := storage.History(ctx, "sub_1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 || history[0].EventID != "evt_1" || history[1].EventID != "evt_2" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestStorage_ApplyTransition_HistoryOnly(t *testing.T) {
	storage := New()
	ctx := context.Background()

	rec, err := storage.ApplyTransition(ctx, newTransition("sub_1", "evt_1", 0, nil))
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected no record, got %+v", rec)
	}

	_, err = storage.GetSubscription(ctx, "sub_1")
	if !errors.Is(err, billsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	history, _ := storage.History(ctx, "sub_1")
	if len(history) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(history))
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	next := newRecord("sub_1", 1, billsync.StatusActive)
	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	next.CurrentPeriodEnd = &end
	if _, err := storage.ApplyTransition(ctx, newTransition("sub_1", "evt_1", 0, next)); err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}

	// Mutating the caller's value must not leak into the store
	next.Status = billsync.StatusCanceled
	*next.CurrentPeriodEnd = time.Time{}

	got, _ := storage.GetSubscription(ctx, "sub_1")
	if got.Status != billsync.StatusActive {
		t.Errorf("Status mismatch: got %s", got.Status)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd mismatch: got %v", got.CurrentPeriodEnd)
	}
}

func TestStorage_ListSubscriptionsByCustomer(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i, id := range []string{"sub_b", "sub_a"} {
		_, err := storage.ApplyTransition(ctx, newTransition(id, "evt_"+id, 0,
			newRecord(id, 1, billsync.StatusActive)))
		if err != nil {
			t.Fatalf("ApplyTransition %d failed: %v", i, err)
		}
	}

	recs, err := storage.ListSubscriptionsByCustomer(ctx, "id:cus_1")
	if err != nil {
		t.Fatalf("ListSubscriptionsByCustomer failed: %v", err)
	}
	if len(recs) != 2 || recs[0].SubscriptionID != "sub_a" {
		t.Errorf("unexpected records: %+v", recs)
	}

	recs, err = storage.ListSubscriptionsByCustomer(ctx, "id:nobody")
	if err != nil {
		t.Fatalf("ListSubscriptionsByCustomer failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected no records, got %d", len(recs))
	}
}

func TestStorage_Sessions(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSession(ctx, "cs_1")
	if !errors.Is(err, billsync.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	_, _, err = storage.CompleteSession(ctx, "cs_1", "sub_1", time.Now())
	if !errors.Is(err, billsync.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	err = storage.SaveSession(ctx, &billsync.CheckoutSession{
		SessionID: "cs_1",
		Customer:  billsync.CustomerRef{Email: "a@example.com"},
		PlanID:    "pro",
		Interval:  billsync.IntervalMonthly,
		Status:    billsync.SessionPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	session, changed, err := storage.CompleteSession(ctx, "cs_1", "sub_1", time.Now())
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if !changed || session.Status != billsync.SessionCompleted || session.SubscriptionID != "sub_1" {
		t.Errorf("unexpected session: %+v changed=%v", session, changed)
	}

	_, changed, err = storage.CompleteSession(ctx, "cs_1", "sub_1", time.Now())
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if changed {
		t.Error("Expected second completion to be a no-op")
	}

	// A completed session is not reset to pending
	_ = storage.SaveSession(ctx, &billsync.CheckoutSession{SessionID: "cs_1", Status: billsync.SessionPending})
	session, _ = storage.GetSession(ctx, "cs_1")
	if session.Status != billsync.SessionCompleted {
		t.Errorf("Status mismatch: got %s", session.Status)
	}
}

func TestStorage_ConcurrentApply(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.ApplyTransition(ctx, newTransition("sub_1", "evt_1", 0,
				newRecord("sub_1", 1, billsync.StatusActive)))
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("Expected exactly one successful apply, got %d", applied)
	}
	history, _ := storage.History(ctx, "sub_1")
	if len(history) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(history))
	}
}

func TestStorage_SharedBehavior(t *testing.T) {
	storagetest.Run(t, func(*testing.T) billsync.Store { return New() })
}
