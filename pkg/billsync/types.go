package billsync

import (
	"strings"
	"time"
)

// Interval is the billing interval of a plan price
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Valid reports whether the interval is one of the supported values
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// PlanPrice is an immutable catalog entry
type PlanPrice struct {
	PlanID           string   `json:"plan_id" yaml:"plan_id"`
	Interval         Interval `json:"interval" yaml:"interval"`
	AmountMinorUnits int64    `json:"amount_minor_units" yaml:"amount_minor_units"`
	Currency         string   `json:"currency" yaml:"currency"`

	// ProviderPriceID is the price identifier at the payment provider (e.g. "price_123")
	ProviderPriceID string `json:"provider_price_id,omitempty" yaml:"provider_price_id"`
}

// CustomerRef identifies the paying customer.
// Exactly one of ExistingID or Email must be set.
type CustomerRef struct {
	ExistingID string `json:"id,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Valid reports whether exactly one identity field is present
func (c CustomerRef) Valid() bool {
	hasID := strings.TrimSpace(c.ExistingID) != ""
	hasEmail := strings.TrimSpace(c.Email) != ""
	return hasID != hasEmail
}

// Key returns a normalized identity used for indexing and idempotency keys.
// Returns empty string for an invalid reference.
func (c CustomerRef) Key() string {
	if !c.Valid() {
		return ""
	}
	if id := strings.TrimSpace(c.ExistingID); id != "" {
		return "id:" + id
	}
	return "email:" + strings.ToLower(strings.TrimSpace(c.Email))
}

// SessionStatus is the lifecycle state of a checkout session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// CheckoutSession is a provider-hosted checkout flow created by the Initiator
type CheckoutSession struct {
	SessionID      string        `json:"session_id"`
	Customer       CustomerRef   `json:"customer"`
	PlanID         string        `json:"plan_id"`
	Interval       Interval      `json:"interval"`
	IdempotencyKey string        `json:"idempotency_key"`
	RedirectURL    string        `json:"redirect_url,omitempty"`
	Status         SessionStatus `json:"status"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ExpiredAt      *time.Time    `json:"expired_at,omitempty"`
}

// SubscriptionStatus is the local subscription lifecycle state
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// IsTerminal reports whether no further transitions are accepted
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled
}

// SubscriptionRecord is the authoritative local view of a subscription.
// Only the Reconciler writes it, through Storage.ApplyTransition.
type SubscriptionRecord struct {
	SubscriptionID    string             `json:"subscription_id"`
	Customer          CustomerRef        `json:"customer"`
	PlanID            string             `json:"plan_id,omitempty"`
	Status            SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	LastEventSequence Sequence           `json:"last_event_sequence"`

	// Version is incremented on every write and used for compare-and-swap
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CurrentPeriodEnd != nil {
		t := *r.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	return &c
}

// EventObject is the provider-neutral view of the object carried by an event.
// It is filled by the Verifier after the signature has been checked.
type EventObject struct {
	SubscriptionID   string
	SessionID        string
	CustomerID       string
	CustomerEmail    string
	PlanID           string
	Status           string
	CurrentPeriodEnd *time.Time
}

// Customer returns the customer reference carried by the object
func (o EventObject) Customer() CustomerRef {
	if o.CustomerID != "" {
		return CustomerRef{ExistingID: o.CustomerID}
	}
	return CustomerRef{Email: o.CustomerEmail}
}

// ProviderEvent is a verified webhook event
type ProviderEvent struct {
	ID         string
	Type       string
	OccurredAt time.Time

	// Sequence is the provider's monotonic sequence number, 0 when the provider sends none
	Sequence int64

	// Payload is the raw object bytes as delivered
	Payload []byte

	Object EventObject
}

// Position returns the ordering position of the event
func (e *ProviderEvent) Position() Sequence {
	return Sequence{Provider: e.Sequence, OccurredAt: e.OccurredAt.UTC(), EventID: e.ID}
}

// Outcome describes what the Reconciler did with an event
type Outcome string

const (
	OutcomeApplied                 Outcome = "applied"
	OutcomeDuplicate               Outcome = "duplicate"
	OutcomeIgnoredOutOfOrder       Outcome = "ignored_out_of_order"
	OutcomeIgnoredUnknownType      Outcome = "ignored_unknown_type"
	OutcomeSessionCompleted        Outcome = "session_completed"
	OutcomeSessionAlreadyCompleted Outcome = "session_already_completed"
	OutcomeSessionExpired          Outcome = "session_expired"
	OutcomeSessionAlreadyClosed    Outcome = "session_already_closed"
)

// AppliedEvent is an append-only history entry for a processed event id
type AppliedEvent struct {
	EventID        string             `json:"event_id"`
	EventType      string             `json:"event_type"`
	SubscriptionID string             `json:"subscription_id"`
	Outcome        Outcome            `json:"outcome"`
	FromStatus     SubscriptionStatus `json:"from_status,omitempty"`
	ToStatus       SubscriptionStatus `json:"to_status,omitempty"`
	Sequence       Sequence           `json:"sequence"`
	AppliedAt      time.Time          `json:"applied_at"`
}

// Transition is a single atomic write submitted to Storage.
// Next is nil when the event is recorded without changing the record.
type Transition struct {
	SubscriptionID string
	Event          AppliedEvent

	// ExpectedVersion is the version the caller read; 0 means "no record yet"
	ExpectedVersion int64

	Next *SubscriptionRecord
}
