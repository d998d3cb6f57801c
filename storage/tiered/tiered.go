// Package tiered provides a Hot/Cold storage adapter: a fast subscription cache
// (Hot) in front of a durable billsync.Store (Cold) that stays the source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Cache is the hot tier. storage/memory and storage/redis implement it.
type Cache interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error)

	// CacheSubscription stores a record; older versions must not replace newer ones
	CacheSubscription(ctx context.Context, rec *billsync.SubscriptionRecord) error

	EvictSubscription(ctx context.Context, subscriptionID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) serving subscription reads
	Hot Cache

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billsync.Store

	// AsyncHotRefresh refreshes Hot after a committed write in the background.
	// If false, the refresh happens before ApplyTransition returns.
	AsyncHotRefresh bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a hot tier operation fails.
	// Essential for monitoring cache drift.
	AsyncErrorHandler func(error)
}

// Storage implements billsync.Store over two tiers:
// - Read-Through: GetSubscription (Hot → Cold → populate Hot)
// - Write-Through: ApplyTransition (Cold, then refresh Hot; evict Hot on conflict)
// - Cold-Only: processed events, history, customer listing, checkout sessions
//
// A stale Hot read can only cost a retry: the Reconciler's write is checked
// against Cold's version, and a conflict evicts the stale entry.
type Storage struct {
	hot  Cache
	cold billsync.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotRefresh {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotRefresh {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background refresh loop.
// Jobs run sequentially so refreshes for one subscription keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered refresh failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements billsync.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error) {
	// 1. Try Hot
	rec, err := s.hot.GetSubscription(ctx, subscriptionID)
	if err == nil && rec != nil {
		return rec, nil
	}
	if err != nil && !errors.Is(err, billsync.ErrSubscriptionNotFound) {
		s.reportError(fmt.Errorf("tiered storage: hot read failed: %w", err))
	}

	// 2. Try Cold (Source of Truth)
	rec, err = s.cold.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	if err := s.hot.CacheSubscription(ctx, rec); err != nil {
		s.reportError(fmt.Errorf("tiered storage: cache fill failed: %w", err))
	}

	return rec, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// ApplyTransition implements billsync.Storage with write-through strategy.
func (s *Storage) ApplyTransition(ctx context.Context, t *billsync.Transition) (*billsync.SubscriptionRecord, error) {
	// 1. Write Cold (Durability)
	rec, err := s.cold.ApplyTransition(ctx, t)
	if err != nil {
		if errors.Is(err, billsync.ErrConcurrentUpdate) && t != nil {
			// The caller read a stale Hot entry; make the reload go to Cold
			if evictErr := s.hot.EvictSubscription(ctx, t.SubscriptionID); evictErr != nil {
				s.reportError(fmt.Errorf("tiered storage: evict failed: %w", evictErr))
			}
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	// 2. Refresh Hot (Availability)
	if s.conf.AsyncHotRefresh {
		snapshot := rec.Clone()
		select {
		case s.syncQueue <- func() error {
			// Background context so the refresh outlives the webhook request
			return s.hot.CacheSubscription(context.Background(), snapshot)
		}:
		default:
			// Without a refresh Hot may serve the old version; evicting keeps reads correct
			s.reportError(errors.New("tiered storage: sync queue full, evicting hot entry"))
			_ = s.hot.EvictSubscription(ctx, rec.SubscriptionID) //nolint:errcheck // Cold is source of truth
		}
	} else if err := s.hot.CacheSubscription(ctx, rec); err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot refresh failed: %w", err))
	}

	return rec, nil
}

// --- Strategy: Cold-Only ---

// ListSubscriptionsByCustomer implements billsync.Storage against Cold,
// since Hot only holds records that were read or written recently.
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context,
	customerKey string) ([]*billsync.SubscriptionRecord, error) {
	return s.cold.ListSubscriptionsByCustomer(ctx, customerKey)
}

// IsEventProcessed implements billsync.Storage
func (s *Storage) IsEventProcessed(ctx context.Context, subscriptionID, eventID string) (bool, error) {
	return s.cold.IsEventProcessed(ctx, subscriptionID, eventID)
}

// History implements billsync.Storage
func (s *Storage) History(ctx context.Context, subscriptionID string) ([]*billsync.AppliedEvent, error) {
	return s.cold.History(ctx, subscriptionID)
}

// SaveSession implements billsync.SessionStore
func (s *Storage) SaveSession(ctx context.Context, session *billsync.CheckoutSession) error {
	return s.cold.SaveSession(ctx, session)
}

// GetSession implements billsync.SessionStore
func (s *Storage) GetSession(ctx context.Context, sessionID string) (*billsync.CheckoutSession, error) {
	return s.cold.GetSession(ctx, sessionID)
}

// CompleteSession implements billsync.SessionStore
func (s *Storage) CompleteSession(ctx context.Context, sessionID, subscriptionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	return s.cold.CompleteSession(ctx, sessionID, subscriptionID, at)
}

// ExpireSession implements billsync.SessionStore
func (s *Storage) ExpireSession(ctx context.Context, sessionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	return s.cold.ExpireSession(ctx, sessionID, at)
}
