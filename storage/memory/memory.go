// Package memory provides an in-memory implementation of the billsync.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*billsync.SubscriptionRecord
	processed     map[string]map[string]struct{}
	history       map[string][]*billsync.AppliedEvent
	byCustomer    map[string]map[string]struct{}
	sessions      map[string]*billsync.CheckoutSession
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billsync.SubscriptionRecord),
		processed:     make(map[string]map[string]struct{}),
		history:       make(map[string][]*billsync.AppliedEvent),
		byCustomer:    make(map[string]map[string]struct{}),
		sessions:      make(map[string]*billsync.CheckoutSession),
	}
}

// GetSubscription implements billsync.Storage
func (s *Storage) GetSubscription(_ context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, billsync.ErrSubscriptionNotFound
	}
	return rec.Clone(), nil
}

// ListSubscriptionsByCustomer implements billsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(_ context.Context, customerKey string) ([]*billsync.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billsync.SubscriptionRecord, 0, len(s.byCustomer[customerKey]))
	for id := range s.byCustomer[customerKey] {
		out = append(out, s.subscriptions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

// IsEventProcessed implements billsync.Storage
func (s *Storage) IsEventProcessed(_ context.Context, subscriptionID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[subscriptionID][eventID]
	return ok, nil
}

// ApplyTransition implements billsync.Storage with all checks under one lock
func (s *Storage) ApplyTransition(_ context.Context, t *billsync.Transition) (*billsync.SubscriptionRecord, error) {
	if t == nil || t.SubscriptionID == "" || t.Event.EventID == "" {
		return nil, fmt.Errorf("invalid transition")
	}
	if t.Next != nil && t.Next.SubscriptionID != t.SubscriptionID {
		return nil, fmt.Errorf("transition record id mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[t.SubscriptionID][t.Event.EventID]; ok {
		return nil, billsync.ErrEventAlreadyApplied
	}

	current := s.subscriptions[t.SubscriptionID]
	var version int64
	if current != nil {
		version = current.Version
	}
	if version != t.ExpectedVersion {
		return nil, billsync.ErrConcurrentUpdate
	}

	if t.Next != nil {
		rec := t.Next.Clone()
		s.subscriptions[t.SubscriptionID] = rec
		current = rec
		if key := rec.Customer.Key(); key != "" {
			if s.byCustomer[key] == nil {
				s.byCustomer[key] = make(map[string]struct{})
			}
			s.byCustomer[key][t.SubscriptionID] = struct{}{}
		}
	}

	if s.processed[t.SubscriptionID] == nil {
		s.processed[t.SubscriptionID] = make(map[string]struct{})
	}
	s.processed[t.SubscriptionID][t.Event.EventID] = struct{}{}
	ev := t.Event
	s.history[t.SubscriptionID] = append(s.history[t.SubscriptionID], &ev)

	return current.Clone(), nil
}

// CacheSubscription stores a record outside of ApplyTransition, for use as a
// tiered hot store. Older versions never replace newer ones.
func (s *Storage) CacheSubscription(_ context.Context, rec *billsync.SubscriptionRecord) error {
	if rec == nil || rec.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.subscriptions[rec.SubscriptionID]; ok && current.Version > rec.Version {
		return nil
	}
	s.subscriptions[rec.SubscriptionID] = rec.Clone()
	if key := rec.Customer.Key(); key != "" {
		if s.byCustomer[key] == nil {
			s.byCustomer[key] = make(map[string]struct{})
		}
		s.byCustomer[key][rec.SubscriptionID] = struct{}{}
	}
	return nil
}

// EvictSubscription drops a cached record
func (s *Storage) EvictSubscription(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.subscriptions[subscriptionID]; ok {
		delete(s.byCustomer[rec.Customer.Key()], subscriptionID)
		delete(s.subscriptions, subscriptionID)
	}
	return nil
}

// History implements billsync.Storage
func (s *Storage) History(_ context.Context, subscriptionID string) ([]*billsync.AppliedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[subscriptionID]
	out := make([]*billsync.AppliedEvent, len(events))
	for i, ev := range events {
		c := *ev
		out[i] = &c
	}
	return out, nil
}

// SaveSession implements billsync.SessionStore
func (s *Storage) SaveSession(_ context.Context, session *billsync.CheckoutSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("invalid checkout session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[session.SessionID]; ok && existing.Status != billsync.SessionPending {
		return nil
	}
	s.sessions[session.SessionID] = copySession(session)
	return nil
}

// GetSession implements billsync.SessionStore
func (s *Storage) GetSession(_ context.Context, sessionID string) (*billsync.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, billsync.ErrSessionNotFound
	}
	return copySession(session), nil
}

// CompleteSession implements billsync.SessionStore
func (s *Storage) CompleteSession(_ context.Context, sessionID, subscriptionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, billsync.ErrSessionNotFound
	}
	if session.Status == billsync.SessionCompleted {
		return copySession(session), false, nil
	}

	completedAt := at.UTC()
	session.Status = billsync.SessionCompleted
	session.CompletedAt = &completedAt
	if subscriptionID != "" {
		session.SubscriptionID = subscriptionID
	}
	return copySession(session), true, nil
}

// ExpireSession implements billsync.SessionStore
func (s *Storage) ExpireSession(_ context.Context, sessionID string, at time.Time) (*billsync.CheckoutSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, billsync.ErrSessionNotFound
	}
	if session.Status != billsync.SessionPending {
		return copySession(session), false, nil
	}

	expiredAt := at.UTC()
	session.Status = billsync.SessionExpired
	session.ExpiredAt = &expiredAt
	return copySession(session), true, nil
}

func copySession(session *billsync.CheckoutSession) *billsync.CheckoutSession {
	c := *session
	if session.CompletedAt != nil {
		t := *session.CompletedAt
		c.CompletedAt = &t
	}
	if session.ExpiredAt != nil {
		t := *session.ExpiredAt
		c.ExpiredAt = &t
	}
	return &c
}
