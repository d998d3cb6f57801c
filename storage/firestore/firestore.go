// Package firestore provides a Firestore implementation of the billsync.Store interface.
// Every subscription write runs in a Firestore transaction that reads the subscription
// document and the event document before writing either.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const eventsSubcollection = "events"

// Storage implements billsync.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	sessionsCollection      string
	maxAttempts             int
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per subscription id with an
	// "events" subcollection for processed events.
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// SessionsCollection is the Firestore collection for checkout sessions
	// Default: "billing_checkout_sessions"
	SessionsCollection string

	// MaxAttempts bounds transaction retries under contention. Default: 20
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.SessionsCollection == "" {
		config.SessionsCollection = "billing_checkout_sessions"
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 20
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		sessionsCollection:      config.SessionsCollection,
		maxAttempts:             config.MaxAttempts,
	}, nil
}

// GetSubscription implements billsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error) {
	snap, err := s.subscriptionDoc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return recordFromSnapshot(snap)
}

// ListSubscriptionsByCustomer implements billsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context,
	customerKey string) ([]*billsync.SubscriptionRecord, error) {
	docs, err := s.client.Collection(s.subscriptionsCollection).
		Where("customerKey", "==", customerKey).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list customer subscriptions: %w", err)
	}

	out := make([]*billsync.SubscriptionRecord, 0, len(docs))
	for _, snap := range docs {
		rec, err := recordFromSnapshot(snap)
		if errors.Is(err, billsync.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	// Sorted in memory to avoid a composite index
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

// IsEventProcessed implements billsync.Storage
func (s *Storage) IsEventProcessed(ctx context.Context, subscriptionID, eventID string) (bool, error) {
	_, err := s.eventDoc(subscriptionID, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// ApplyTransition implements billsync.Storage with a transaction
func (s *Storage) ApplyTransition(ctx context.Context, t *billsync.Transition) (*billsync.SubscriptionRecord, error) {
	if t == nil || t.SubscriptionID == "" || t.Event.EventID == "" {
		return nil, fmt.Errorf("invalid transition")
	}
	if t.Next != nil && t.Next.SubscriptionID != t.SubscriptionID {
		return nil, fmt.Errorf("transition record id mismatch")
	}

	entry, err := json.Marshal(t.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applied event: %w", err)
	}
	var next []byte
	if t.Next != nil {
		if next, err = json.Marshal(t.Next); err != nil {
			return nil, fmt.Errorf("failed to marshal subscription: %w", err)
		}
	}

	subDoc := s.subscriptionDoc(t.SubscriptionID)
	eventDoc := s.eventDoc(t.SubscriptionID, t.Event.EventID)

	var stored string
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Firestore requires all reads before writes
		eventSnap, err := tx.Get(eventDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if eventSnap.Exists() {
			return billsync.ErrEventAlreadyApplied
		}

		subSnap, err := tx.Get(subDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var (
			version    int64
			eventCount int64
		)
		stored = ""
		if subSnap.Exists() {
			data := subSnap.Data()
			version = getInt64(data, "version")
			eventCount = getInt64(data, "eventCount")
			stored = getString(data, "record")
		}
		if version != t.ExpectedVersion {
			return billsync.ErrConcurrentUpdate
		}

		fields := map[string]interface{}{
			"eventCount": eventCount + 1,
			"updatedAt":  t.Event.AppliedAt.UTC(),
		}
		if t.Next != nil {
			stored = string(next)
			fields["record"] = stored
			fields["version"] = t.Next.Version
			fields["status"] = string(t.Next.Status)
			fields["customerKey"] = t.Next.Customer.Key()
		}
		if err := tx.Set(subDoc, fields, firestore.MergeAll); err != nil {
			return err
		}

		return tx.Create(eventDoc, map[string]interface{}{
			"seq":       eventCount + 1,
			"eventType": t.Event.EventType,
			"event":     string(entry),
			"appliedAt": t.Event.AppliedAt.UTC(),
		})
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		if errors.Is(err, billsync.ErrEventAlreadyApplied) || errors.Is(err, billsync.ErrConcurrentUpdate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}

	if stored == "" {
		return nil, nil
	}
	return decodeRecord([]byte(stored))
}

// History implements billsync.Storage
func (s *Storage) History(ctx context.Context, subscriptionID string) ([]*billsync.AppliedEvent, error) {
	docs, err := s.subscriptionDoc(subscriptionID).
		Collection(eventsSubcollection).
		OrderBy("seq", firestore.Asc).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	out := make([]*billsync.AppliedEvent, 0, len(docs))
	for _, snap := range docs {
		var ev billsync.AppliedEvent
		if err := json.Unmarshal([]byte(getString(snap.Data(), "event")), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applied event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// SaveSession implements billsync.SessionStore
func (s *Storage) SaveSession(ctx context.Context, session *billsync.CheckoutSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("invalid checkout session")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal checkout session: %w", err)
	}

	doc := s.client.Collection(s.sessionsCollection).Doc(session.SessionID)
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap.Exists() && getString(snap.Data(), "status") != string(billsync.SessionPending) {
			return nil
		}
		return tx.Set(doc, map[string]interface{}{
			"status":    string(session.Status),
			"session":   string(data),
			"createdAt": session.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save checkout session: %w", err)
	}
	return nil
}

// GetSession implements billsync.SessionStore
func (s *Storage) GetSession(ctx context.Context, sessionID string) (*billsync.CheckoutSession, error) {
	snap, err := s.client.Collection(s.sessionsCollection).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return decodeSession([]byte(getString(snap.Data(), "session")))
}

// CompleteSession implements billsync.SessionStore
func (s *Storage) CompleteSession(ctx context.Context, sessionID, subscriptionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	completedAt := at.UTC()
	session, changed, err := s.updateSession(ctx, sessionID, "completedAt", completedAt,
		func(session *billsync.CheckoutSession) bool {
			if session.Status == billsync.SessionCompleted {
				return false
			}
			session.Status = billsync.SessionCompleted
			session.CompletedAt = &completedAt
			if subscriptionID != "" {
				session.SubscriptionID = subscriptionID
			}
			return true
		})
	if err != nil && !errors.Is(err, billsync.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to complete checkout session: %w", err)
	}
	return session, changed, err
}

// ExpireSession implements billsync.SessionStore
func (s *Storage) ExpireSession(ctx context.Context, sessionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	expiredAt := at.UTC()
	session, changed, err := s.updateSession(ctx, sessionID, "expiredAt", expiredAt,
		func(session *billsync.CheckoutSession) bool {
			if session.Status != billsync.SessionPending {
				return false
			}
			session.Status = billsync.SessionExpired
			session.ExpiredAt = &expiredAt
			return true
		})
	if err != nil && !errors.Is(err, billsync.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to expire checkout session: %w", err)
	}
	return session, changed, err
}

// updateSession applies mutate to the session document inside a transaction
// and stamps timeField when the session changed.
func (s *Storage) updateSession(ctx context.Context, sessionID, timeField string, at time.Time,
	mutate func(*billsync.CheckoutSession) bool) (*billsync.CheckoutSession, bool, error) {
	doc := s.client.Collection(s.sessionsCollection).Doc(sessionID)

	var (
		result  *billsync.CheckoutSession
		changed bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billsync.ErrSessionNotFound
			}
			return err
		}

		session, err := decodeSession([]byte(getString(snap.Data(), "session")))
		if err != nil {
			return err
		}
		if !mutate(session) {
			result, changed = session, false
			return nil
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}

		result, changed = session, true
		return tx.Set(doc, map[string]interface{}{
			"status":  string(session.Status),
			"session": string(data),
			timeField: at,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (s *Storage) subscriptionDoc(subscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
}

func (s *Storage) eventDoc(subscriptionID, eventID string) *firestore.DocumentRef {
	return s.subscriptionDoc(subscriptionID).Collection(eventsSubcollection).Doc(eventID)
}

// recordFromSnapshot decodes the record field. A subscription document that
// only holds processed events has no record yet.
func recordFromSnapshot(snap *firestore.DocumentSnapshot) (*billsync.SubscriptionRecord, error) {
	raw := getString(snap.Data(), "record")
	if raw == "" {
		return nil, billsync.ErrSubscriptionNotFound
	}
	return decodeRecord([]byte(raw))
}

func decodeRecord(data []byte) (*billsync.SubscriptionRecord, error) {
	var rec billsync.SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &rec, nil
}

func decodeSession(data []byte) (*billsync.CheckoutSession, error) {
	var session billsync.CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return &session, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
