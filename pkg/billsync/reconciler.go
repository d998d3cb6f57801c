package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultMaxConflictRetries = 5

// StatusChange describes a committed subscription status change.
// It is passed to ReconcilerConfig.OnTransition after the write succeeded.
type StatusChange struct {
	SubscriptionID string

	// PreviousStatus is empty when the record was created by this event
	PreviousStatus SubscriptionStatus
	NewStatus      SubscriptionStatus

	// EventType is the provider event type, e.g. "invoice.paid"
	EventType string
	EventID   string

	// OccurredAt is when the event happened at the provider
	OccurredAt time.Time

	Record *SubscriptionRecord
}

// ReconcilerConfig configures the Event Reconciler
type ReconcilerConfig struct {
	// Storage is required
	Storage Storage

	// Sessions receives checkout.session.completed and checkout.session.expired events.
	// Defaults to Storage when it also implements SessionStore.
	Sessions SessionStore

	// OnTransition is called after a status change has been committed.
	// Errors are logged and never undo the write.
	OnTransition func(ctx context.Context, change StatusChange) error

	// MaxConflictRetries bounds reloads after ErrConcurrentUpdate. Default: 5
	MaxConflictRetries int

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Result is the outcome of applying one event
type Result struct {
	Outcome Outcome

	// Record is the stored record after the event (nil when none exists)
	Record *SubscriptionRecord

	// Session is set for checkout.session.completed events
	Session *CheckoutSession

	FromStatus SubscriptionStatus
	ToStatus   SubscriptionStatus
}

// Reconciler applies verified provider events to Storage with exactly-once effect
type Reconciler struct {
	storage    Storage
	sessions   SessionStore
	onChange   func(ctx context.Context, change StatusChange) error
	maxRetries int
	logger     Logger
	metrics    Metrics
	now        func() time.Time
	locks      *keyedMutex
}

// NewReconciler creates a new Event Reconciler
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrNotConfigured)
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = defaultMaxConflictRetries
	}

	sessions := config.Sessions
	if sessions == nil {
		if s, ok := config.Storage.(SessionStore); ok {
			sessions = s
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		storage:    config.Storage,
		sessions:   sessions,
		onChange:   config.OnTransition,
		maxRetries: config.MaxConflictRetries,
		logger:     logger,
		metrics:    metrics,
		now:        now,
		locks:      newKeyedMutex(),
	}, nil
}

// Apply reconciles a verified event.
//
// Duplicate, stale and unknown events are not errors: they return a Result
// with the matching Outcome so the webhook can be acknowledged. An error means
// the event was not recorded and should be redelivered.
func (r *Reconciler) Apply(ctx context.Context, event *ProviderEvent) (*Result, error) {
	if event == nil || event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}

	start := r.now()
	res, err := r.apply(ctx, event)
	r.metrics.RecordWebhookProcessingDuration(event.Type, r.now().Sub(start))
	if err != nil {
		if !errors.Is(err, ErrMalformedPayload) {
			r.metrics.RecordWebhookError("storage_error")
		}
		return nil, err
	}

	r.metrics.RecordWebhookEvent(event.Type, res.Outcome)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, event *ProviderEvent) (*Result, error) {
	kind := classifyEvent(event.Type)

	switch kind {
	case kindUnknown:
		r.logger.Info("ignoring unknown event type",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.Type})
		return &Result{Outcome: OutcomeIgnoredUnknownType}, nil
	case kindSessionCompleted, kindSessionExpired:
		return r.closeSession(ctx, event, kind)
	}

	subID := event.Object.SubscriptionID
	if subID == "" {
		if kind == kindPaid || kind == kindPaymentFailed {
			// One-off invoices carry no subscription
			r.logger.Info("ignoring invoice without subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "event_type", Value: event.Type})
			return &Result{Outcome: OutcomeIgnoredUnknownType}, nil
		}
		return nil, fmt.Errorf("%w: %s event %s has no subscription id", ErrMalformedPayload, event.Type, event.ID)
	}

	unlock := r.locks.Lock(subID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		res, err := r.applyOnce(ctx, event, kind)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrEventAlreadyApplied):
			// Another process recorded the event between our check and write
			return r.duplicate(ctx, event)
		case errors.Is(err, ErrConcurrentUpdate) && attempt < r.maxRetries:
			r.logger.Debug("concurrent subscription update, retrying",
				Field{Key: "subscription_id", Value: subID},
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "attempt", Value: attempt + 1})
			continue
		default:
			r.logger.Error("failed to apply event",
				Field{Key: "subscription_id", Value: subID},
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "event_type", Value: event.Type},
				Field{Key: "error", Value: err.Error()})
			return nil, err
		}
	}
}

func (r *Reconciler) applyOnce(ctx context.Context, event *ProviderEvent, kind eventKind) (*Result, error) {
	subID := event.Object.SubscriptionID

	processed, err := r.storage.IsEventProcessed(ctx, subID, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check processed events: %w", err)
	}
	if processed {
		return r.duplicate(ctx, event)
	}

	current, err := r.load(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	pos := event.Position()
	stale := current != nil && !current.LastEventSequence.IsZero() && pos.Compare(current.LastEventSequence) <= 0

	var from SubscriptionStatus
	var expected int64
	if current != nil {
		from = current.Status
		expected = current.Version
	}

	t := &Transition{
		SubscriptionID:  subID,
		ExpectedVersion: expected,
		Event: AppliedEvent{
			EventID:        event.ID,
			EventType:      event.Type,
			SubscriptionID: subID,
			FromStatus:     from,
			Sequence:       pos,
			AppliedAt:      now,
		},
	}

	to, ok := nextStatus(kind, current, event.Object, stale)
	if ok {
		t.Event.Outcome = OutcomeApplied
		t.Event.ToStatus = to
		t.Next = buildNext(current, event, to, pos, stale, now)
	} else {
		t.Event.Outcome = OutcomeIgnoredOutOfOrder
		t.Event.ToStatus = from
		if current != nil && pos.Compare(current.LastEventSequence) > 0 {
			// The event is newer but invalid from the stored state; keep the sequence monotonic
			next := current.Clone()
			next.LastEventSequence = pos
			next.UpdatedAt = now
			next.Version = current.Version + 1
			t.Next = next
		}
	}

	stored, err := r.storage.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Outcome:    t.Event.Outcome,
		Record:     stored,
		FromStatus: from,
		ToStatus:   t.Event.ToStatus,
	}

	if res.Outcome == OutcomeIgnoredOutOfOrder {
		r.logger.Info("event ignored for current subscription state",
			Field{Key: "subscription_id", Value: subID},
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "status", Value: string(from)},
			Field{Key: "stale", Value: stale})
		return res, nil
	}

	r.logger.Info("subscription event applied",
		Field{Key: "subscription_id", Value: subID},
		Field{Key: "event_id", Value: event.ID},
		Field{Key: "event_type", Value: event.Type},
		Field{Key: "from", Value: string(from)},
		Field{Key: "to", Value: string(to)})

	if from != to {
		r.metrics.RecordStatusChange(from, to)
		r.notify(ctx, event, from, to, stored)
	}

	return res, nil
}

func buildNext(current *SubscriptionRecord, event *ProviderEvent, to SubscriptionStatus,
	pos Sequence, stale bool, now time.Time) *SubscriptionRecord {
	var next *SubscriptionRecord
	if current == nil {
		next = &SubscriptionRecord{
			SubscriptionID: event.Object.SubscriptionID,
			CreatedAt:      now,
			Version:        1,
		}
	} else {
		next = current.Clone()
		next.Version = current.Version + 1
	}

	next.Status = to
	if !next.Customer.Valid() {
		if c := event.Object.Customer(); c.Valid() {
			next.Customer = c
		}
	}
	if event.Object.PlanID != "" && (next.PlanID == "" || !stale) {
		next.PlanID = event.Object.PlanID
	}
	if pe := event.Object.CurrentPeriodEnd; pe != nil && !stale {
		t := pe.UTC()
		next.CurrentPeriodEnd = &t
	}
	next.LastEventSequence = next.LastEventSequence.Max(pos)
	next.UpdatedAt = now

	return next
}

func (r *Reconciler) load(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error) {
	rec, err := r.storage.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return rec, nil
}

func (r *Reconciler) duplicate(ctx context.Context, event *ProviderEvent) (*Result, error) {
	current, err := r.load(ctx, event.Object.SubscriptionID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("duplicate event discarded",
		Field{Key: "subscription_id", Value: event.Object.SubscriptionID},
		Field{Key: "event_id", Value: event.ID})

	res := &Result{Outcome: OutcomeDuplicate, Record: current}
	if current != nil {
		res.FromStatus = current.Status
		res.ToStatus = current.Status
	}
	return res, nil
}

// closeSession completes or expires the checkout session named by the event
func (r *Reconciler) closeSession(ctx context.Context, event *ProviderEvent, kind eventKind) (*Result, error) {
	sessionID := event.Object.SessionID
	if sessionID == "" {
		return nil, fmt.Errorf("%w: checkout session event %s has no session id", ErrMalformedPayload, event.ID)
	}
	if r.sessions == nil {
		r.logger.Info("no session store configured, ignoring checkout session event",
			Field{Key: "session_id", Value: sessionID},
			Field{Key: "event_type", Value: event.Type})
		return &Result{Outcome: OutcomeIgnoredUnknownType}, nil
	}

	at := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		at = r.now().UTC()
	}

	update := func() (*CheckoutSession, bool, error) {
		if kind == kindSessionExpired {
			return r.sessions.ExpireSession(ctx, sessionID, at)
		}
		return r.sessions.CompleteSession(ctx, sessionID, event.Object.SubscriptionID, at)
	}

	session, changed, err := update()
	if errors.Is(err, ErrSessionNotFound) {
		// Created elsewhere (another deployment or the provider dashboard).
		// Record it as pending and run the same update, so that concurrent
		// deliveries of one event still change it only once.
		pending := &CheckoutSession{
			SessionID: sessionID,
			Customer:  event.Object.Customer(),
			PlanID:    event.Object.PlanID,
			Status:    SessionPending,
			CreatedAt: at,
		}
		if err = r.sessions.SaveSession(ctx, pending); err != nil {
			return nil, fmt.Errorf("failed to record checkout session: %w", err)
		}
		session, changed, err = update()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update checkout session: %w", err)
	}

	switch {
	case kind == kindSessionCompleted && changed:
		r.logger.Info("checkout session completed",
			Field{Key: "session_id", Value: sessionID},
			Field{Key: "subscription_id", Value: event.Object.SubscriptionID},
			Field{Key: "event_id", Value: event.ID})
		return &Result{Outcome: OutcomeSessionCompleted, Session: session}, nil
	case kind == kindSessionCompleted:
		r.logger.Debug("checkout session already completed",
			Field{Key: "session_id", Value: sessionID},
			Field{Key: "event_id", Value: event.ID})
		return &Result{Outcome: OutcomeSessionAlreadyCompleted, Session: session}, nil
	case changed:
		r.logger.Info("checkout session expired",
			Field{Key: "session_id", Value: sessionID},
			Field{Key: "event_id", Value: event.ID})
		return &Result{Outcome: OutcomeSessionExpired, Session: session}, nil
	default:
		r.logger.Debug("checkout session already closed, expiry ignored",
			Field{Key: "session_id", Value: sessionID},
			Field{Key: "status", Value: string(session.Status)},
			Field{Key: "event_id", Value: event.ID})
		return &Result{Outcome: OutcomeSessionAlreadyClosed, Session: session}, nil
	}
}

func (r *Reconciler) notify(ctx context.Context, event *ProviderEvent,
	from, to SubscriptionStatus, rec *SubscriptionRecord) {
	if r.onChange == nil {
		return
	}
	err := r.onChange(ctx, StatusChange{
		SubscriptionID: event.Object.SubscriptionID,
		PreviousStatus: from,
		NewStatus:      to,
		EventType:      event.Type,
		EventID:        event.ID,
		OccurredAt:     event.OccurredAt,
		Record:         rec.Clone(),
	})
	if err != nil {
		r.logger.Error("transition callback failed",
			Field{Key: "subscription_id", Value: event.Object.SubscriptionID},
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "error", Value: err.Error()})
	}
}
