// Package postgres provides a PostgreSQL implementation of the billsync.Store interface.
// Subscription writes run in one transaction that locks the record row with SELECT FOR UPDATE;
// event de-duplication relies on the (subscription_id, event_id) primary key.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

//go:embed schema.sql
var schema string

// Storage implements billsync.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on New when true
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	SessionTTL      time.Duration // Pending checkout sessions older than this are expired
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		SessionTTL:      30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.SessionTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetSubscription implements billsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM subscriptions WHERE subscription_id = $1`,
		subscriptionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeRecord(data)
}

// ListSubscriptionsByCustomer implements billsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context,
	customerKey string) ([]*billsync.SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM subscriptions WHERE customer_key = $1 ORDER BY subscription_id`,
		customerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer subscriptions: %w", err)
	}

	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read customer subscriptions: %w", err)
	}

	out := make([]*billsync.SubscriptionRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsEventProcessed implements billsync.Storage
func (s *Storage) IsEventProcessed(ctx context.Context, subscriptionID, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE subscription_id = $1 AND event_id = $2)`,
		subscriptionID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// ApplyTransition implements billsync.Storage in a single transaction
func (s *Storage) ApplyTransition(ctx context.Context, t *billsync.Transition) (*billsync.SubscriptionRecord, error) {
	if t == nil || t.SubscriptionID == "" || t.Event.EventID == "" {
		return nil, fmt.Errorf("invalid transition")
	}
	if t.Next != nil && t.Next.SubscriptionID != t.SubscriptionID {
		return nil, fmt.Errorf("transition record id mismatch")
	}

	event, err := json.Marshal(t.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applied event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Concurrent inserts of the same event id block on the primary key until the first commits
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (subscription_id, event_id, event, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		t.SubscriptionID, t.Event.EventID, event, t.Event.AppliedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, billsync.ErrEventAlreadyApplied
	}

	var (
		version int64
		current []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT version, data FROM subscriptions WHERE subscription_id = $1 FOR UPDATE`,
		t.SubscriptionID).Scan(&version, &current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	if version != t.ExpectedVersion {
		return nil, billsync.ErrConcurrentUpdate
	}

	stored := current
	if t.Next != nil {
		if stored, err = json.Marshal(t.Next); err != nil {
			return nil, fmt.Errorf("failed to marshal subscription: %w", err)
		}
		if err := s.writeRecord(ctx, tx, t, stored); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if stored == nil {
		return nil, nil
	}
	return decodeRecord(stored)
}

func (s *Storage) writeRecord(ctx context.Context, tx pgx.Tx, t *billsync.Transition, data []byte) error {
	next := t.Next

	if t.ExpectedVersion == 0 {
		// A racing creator wins the primary key; this writer reloads
		tag, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (subscription_id, customer_key, status, version, data, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (subscription_id) DO NOTHING`,
			next.SubscriptionID, next.Customer.Key(), string(next.Status), next.Version, data, next.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return billsync.ErrConcurrentUpdate
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE subscriptions
			SET customer_key = $2, status = $3, version = $4, data = $5, updated_at = $6
			WHERE subscription_id = $1 AND version = $7`,
		next.SubscriptionID, next.Customer.Key(), string(next.Status), next.Version, data,
		next.UpdatedAt.UTC(), t.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrConcurrentUpdate
	}
	return nil
}

// History implements billsync.Storage
func (s *Storage) History(ctx context.Context, subscriptionID string) ([]*billsync.AppliedEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event FROM processed_events WHERE subscription_id = $1 ORDER BY seq`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	out := make([]*billsync.AppliedEvent, 0, len(raw))
	for _, data := range raw {
		var ev billsync.AppliedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkout_sessions (session_id, status, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id) DO UPDATE SET
				status = EXCLUDED.status,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at
			WHERE checkout_sessions.status = 'pending'`,
		session.SessionID, string(session.Status), data, session.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkout session: %w", err)
	}
	return nil
}

// GetSession implements billsync.SessionStore
func (s *Storage) GetSession(ctx context.Context, sessionID string) (*billsync.CheckoutSession, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkout_sessions WHERE session_id = $1`,
		sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return decodeSession(data)
}

// CompleteSession implements billsync.SessionStore
func (s *Storage) CompleteSession(ctx context.Context, sessionID, subscriptionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	return s.updateSession(ctx, sessionID, at, func(session *billsync.CheckoutSession) bool {
		if session.Status == billsync.SessionCompleted {
			return false
		}
		completedAt := at.UTC()
		session.Status = billsync.SessionCompleted
		session.CompletedAt = &completedAt
		if subscriptionID != "" {
			session.SubscriptionID = subscriptionID
		}
		return true
	})
}

// ExpireSession implements billsync.SessionStore
func (s *Storage) ExpireSession(ctx context.Context, sessionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	return s.updateSession(ctx, sessionID, at, func(session *billsync.CheckoutSession) bool {
		if session.Status != billsync.SessionPending {
			return false
		}
		expiredAt := at.UTC()
		session.Status = billsync.SessionExpired
		session.ExpiredAt = &expiredAt
		return true
	})
}

// updateSession locks the session row and applies mutate. The row is only
// written when mutate reports a change.
func (s *Storage) updateSession(ctx context.Context, sessionID string, at time.Time,
	mutate func(*billsync.CheckoutSession) bool) (*billsync.CheckoutSession, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var data []byte
	err = tx.QueryRow(ctx,
		`SELECT data FROM checkout_sessions WHERE session_id = $1 FOR UPDATE`,
		sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, billsync.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock checkout session: %w", err)
	}

	session, err := decodeSession(data)
	if err != nil {
		return nil, false, err
	}
	if !mutate(session) {
		return session, false, nil
	}
	if data, err = json.Marshal(session); err != nil {
		return nil, false, fmt.Errorf("failed to marshal checkout session: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE checkout_sessions SET status = $2, data = $3, updated_at = $4 WHERE session_id = $1`,
		sessionID, string(session.Status), data, at.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to update checkout session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return session, true, nil
}

// startCleanup periodically expires abandoned checkout sessions
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // The next tick retries
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup marks pending checkout sessions older than SessionTTL as expired.
// Returns the number of expired sessions.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.SessionTTL <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	cutoff := now.Add(-s.config.SessionTTL)

	tag, err := s.pool.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'expired',
		    data = jsonb_set(jsonb_set(data, '{status}', '"expired"'), '{expired_at}', to_jsonb($2::timestamptz)),
		    updated_at = $2
		WHERE status = 'pending' AND created_at < $1`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup checkout sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
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
