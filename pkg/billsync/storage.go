package billsync

import (
	"context"
	"time"
)

// Storage is the Subscription Store.
// Implementations must make ApplyTransition atomic per subscription id.
type Storage interface {
	// GetSubscription returns the record or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)

	// ListSubscriptionsByCustomer returns all records for a customer key (CustomerRef.Key)
	// Returns an empty slice when the customer has none
	ListSubscriptionsByCustomer(ctx context.Context, customerKey string) ([]*SubscriptionRecord, error)

	// IsEventProcessed reports whether an event id is already in the subscription's processed set
	IsEventProcessed(ctx context.Context, subscriptionID, eventID string) (bool, error)

	// ApplyTransition atomically:
	//   - returns ErrEventAlreadyApplied if the event id was processed before
	//   - returns ErrConcurrentUpdate if the stored version differs from ExpectedVersion
	//   - writes Next when non-nil
	//   - appends the event id to the processed set and Event to the history
	// Returns the stored record after the write (nil when no record exists).
	ApplyTransition(ctx context.Context, t *Transition) (*SubscriptionRecord, error)

	// History returns the processed events of a subscription, oldest first
	History(ctx context.Context, subscriptionID string) ([]*AppliedEvent, error)
}

// SessionStore persists checkout sessions created by the Initiator
type SessionStore interface {
	// SaveSession stores a session, overwriting any pending session with the same id.
	// Completed and expired sessions are never overwritten.
	SaveSession(ctx context.Context, session *CheckoutSession) error

	// GetSession returns the session or ErrSessionNotFound
	GetSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	// CompleteSession marks a session completed at most once.
	// Returns the stored session and whether this call changed it.
	// Unknown session ids return ErrSessionNotFound.
	// An expired session can still be completed: the provider only reports
	// completion once the customer has paid.
	CompleteSession(ctx context.Context, sessionID, subscriptionID string, at time.Time) (*CheckoutSession, bool, error)

	// ExpireSession moves a pending session to expired.
	// Completed and already expired sessions are returned unchanged.
	// Unknown session ids return ErrSessionNotFound.
	ExpireSession(ctx context.Context, sessionID string, at time.Time) (*CheckoutSession, bool, error)
}

// Store combines both persistence roles; every backend in storage/* implements it
type Store interface {
	Storage
	SessionStore
}
