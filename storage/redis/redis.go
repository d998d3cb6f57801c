// Package redis provides a Redis implementation of the billsync.Store interface.
// Subscription writes run in a Lua script so dedupe, version check and history
// append happen atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	resultOK        = "ok"
	resultDuplicate = "duplicate"
	resultConflict  = "conflict"
)

// Storage implements billsync.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// SessionTTL is the TTL for checkout session keys (0 = no expiration)
	SessionTTL time.Duration

	// MaxRetries bounds optimistic transaction retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "billsync:",
		SessionTTL: 30 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: record hash, processed set, history list
	// ARGV: event id, expected version, record json ("" = no write), new version, history entry
	s.scripts["apply"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local processedKey = KEYS[2]
		local historyKey = KEYS[3]
		local eventID = ARGV[1]
		local expected = tonumber(ARGV[2])
		local data = ARGV[3]
		local newVersion = ARGV[4]
		local entry = ARGV[5]

		if redis.call('SISMEMBER', processedKey, eventID) == 1 then
			return {'duplicate', ''}
		end

		local current = tonumber(redis.call('HGET', recordKey, 'version') or '0')
		if current ~= expected then
			return {'conflict', ''}
		end

		if data ~= '' then
			redis.call('HSET', recordKey, 'data', data, 'version', newVersion)
		end
		redis.call('SADD', processedKey, eventID)
		redis.call('RPUSH', historyKey, entry)

		return {'ok', redis.call('HGET', recordKey, 'data') or ''}
	`)

	// Caches a record unless a newer version is already stored
	s.scripts["cache"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local data = ARGV[1]
		local version = tonumber(ARGV[2])

		local current = tonumber(redis.call('HGET', recordKey, 'version') or '0')
		if current > version then
			return 0
		end
		redis.call('HSET', recordKey, 'data', data, 'version', ARGV[2])
		return 1
	`)

	// Saves a session unless it already left the pending state
	s.scripts["save_session"] = redis.NewScript(`
		local key = KEYS[1]
		local data = ARGV[1]
		local status = ARGV[2]
		local ttl = tonumber(ARGV[3])

		local current = redis.call('HGET', key, 'status')
		if current and current ~= 'pending' then
			return 0
		end

		redis.call('HSET', key, 'data', data, 'status', status)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 1
	`)
}

// GetSubscription implements billsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.SubscriptionRecord, error) {
	data, err := s.client.HGet(ctx, s.recordKey(subscriptionID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
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
	ids, err := s.client.SMembers(ctx, s.customerKey(customerKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list customer subscriptions: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.recordKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load customer subscriptions: %w", err)
	}

	out := make([]*billsync.SubscriptionRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription: %w", err)
		}
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
	ok, err := s.client.SIsMember(ctx, s.processedKey(subscriptionID), eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return ok, nil
}

// ApplyTransition implements billsync.Storage with atomic apply via Lua script
func (s *Storage) ApplyTransition(ctx context.Context, t *billsync.Transition) (*billsync.SubscriptionRecord, error) {
	if t == nil || t.SubscriptionID == "" || t.Event.EventID == "" {
		return nil, fmt.Errorf("invalid transition")
	}

	var (
		data       []byte
		newVersion int64
		err        error
	)
	if t.Next != nil {
		if t.Next.SubscriptionID != t.SubscriptionID {
			return nil, fmt.Errorf("transition record id mismatch")
		}
		newVersion = t.Next.Version
		if data, err = json.Marshal(t.Next); err != nil {
			return nil, fmt.Errorf("failed to marshal subscription: %w", err)
		}
	}
	entry, err := json.Marshal(t.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applied event: %w", err)
	}

	result, err := s.scripts["apply"].Run(
		ctx,
		s.client,
		[]string{s.recordKey(t.SubscriptionID), s.processedKey(t.SubscriptionID), s.historyKey(t.SubscriptionID)},
		t.Event.EventID,
		t.ExpectedVersion,
		string(data),
		newVersion,
		string(entry),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute apply script: %w", err)
	}

	status, stored, err := parseApplyResult(result)
	if err != nil {
		return nil, err
	}
	switch status {
	case resultDuplicate:
		return nil, billsync.ErrEventAlreadyApplied
	case resultConflict:
		return nil, billsync.ErrConcurrentUpdate
	}

	if stored == "" {
		return nil, nil
	}
	rec, err := decodeRecord([]byte(stored))
	if err != nil {
		return nil, err
	}

	// The customer index lives outside the subscription's hash slot; SADD is idempotent
	if key := rec.Customer.Key(); key != "" && t.Next != nil {
		if err := s.client.SAdd(ctx, s.customerKey(key), rec.SubscriptionID).Err(); err != nil {
			return nil, fmt.Errorf("failed to index subscription by customer: %w", err)
		}
	}
	return rec, nil
}

func parseApplyResult(result interface{}) (status, data string, err error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return "", "", fmt.Errorf("unexpected apply script result: %v", result)
	}
	status, ok = values[0].(string)
	if !ok {
		return "", "", fmt.Errorf("unexpected apply script status: %v", values[0])
	}
	data, _ = values[1].(string)
	return status, data, nil
}

// CacheSubscription stores a record outside of ApplyTransition, for use as a
// tiered hot store. Older versions never replace newer ones.
func (s *Storage) CacheSubscription(ctx context.Context, rec *billsync.SubscriptionRecord) error {
	if rec == nil || rec.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	err = s.scripts["cache"].Run(ctx, s.client, []string{s.recordKey(rec.SubscriptionID)},
		string(data), rec.Version).Err()
	if err != nil {
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	if key := rec.Customer.Key(); key != "" {
		if err := s.client.SAdd(ctx, s.customerKey(key), rec.SubscriptionID).Err(); err != nil {
			return fmt.Errorf("failed to index subscription by customer: %w", err)
		}
	}
	return nil
}

// EvictSubscription drops a cached record
func (s *Storage) EvictSubscription(ctx context.Context, subscriptionID string) error {
	if err := s.client.Del(ctx, s.recordKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("failed to evict subscription: %w", err)
	}
	return nil
}

// History implements billsync.Storage
func (s *Storage) History(ctx context.Context, subscriptionID string) ([]*billsync.AppliedEvent, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(subscriptionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	out := make([]*billsync.AppliedEvent, 0, len(entries))
	for _, entry := range entries {
		var ev billsync.AppliedEvent
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
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

	err = s.scripts["save_session"].Run(
		ctx,
		s.client,
		[]string{s.sessionKey(session.SessionID)},
		string(data),
		string(session.Status),
		int64(s.config.SessionTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save checkout session: %w", err)
	}
	return nil
}

// GetSession implements billsync.SessionStore
func (s *Storage) GetSession(ctx context.Context, sessionID string) (*billsync.CheckoutSession, error) {
	data, err := s.client.HGet(ctx, s.sessionKey(sessionID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
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
	session, changed, err := s.updateSession(ctx, sessionID, func(session *billsync.CheckoutSession) bool {
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
	if err != nil && !errors.Is(err, billsync.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to complete checkout session: %w", err)
	}
	return session, changed, err
}

// ExpireSession implements billsync.SessionStore
func (s *Storage) ExpireSession(ctx context.Context, sessionID string,
	at time.Time) (*billsync.CheckoutSession, bool, error) {
	session, changed, err := s.updateSession(ctx, sessionID, func(session *billsync.CheckoutSession) bool {
		if session.Status != billsync.SessionPending {
			return false
		}
		expiredAt := at.UTC()
		session.Status = billsync.SessionExpired
		session.ExpiredAt = &expiredAt
		return true
	})
	if err != nil && !errors.Is(err, billsync.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to expire checkout session: %w", err)
	}
	return session, changed, err
}

// updateSession runs mutate inside an optimistic WATCH transaction on the
// session key. mutate reports whether it changed the session; unchanged
// sessions are returned without a write.
func (s *Storage) updateSession(ctx context.Context, sessionID string,
	mutate func(*billsync.CheckoutSession) bool) (*billsync.CheckoutSession, bool, error) {
	key := s.sessionKey(sessionID)

	var (
		result  *billsync.CheckoutSession
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, "data").Bytes()
		if errors.Is(err, redis.Nil) {
			return billsync.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		if !mutate(session) {
			result, changed = session, false
			return nil
		}

		updated, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal checkout session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", string(updated), "status", string(session.Status))
			return nil
		})
		if err == nil {
			result, changed = session, true
		}
		return err
	}

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, changed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, billsync.ErrConcurrentUpdate
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

// Per-subscription keys share a hash tag so the apply script stays in one cluster slot
func (s *Storage) recordKey(subscriptionID string) string {
	return fmt.Sprintf("%ssub:{%s}", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) processedKey(subscriptionID string) string {
	return fmt.Sprintf("%sprocessed:{%s}", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) historyKey(subscriptionID string) string {
	return fmt.Sprintf("%shistory:{%s}", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) customerKey(customerKey string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerKey)
}

func (s *Storage) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.config.KeyPrefix, sessionID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
