package billsync

// Provider event types understood by the Reconciler.
// Anything else is acknowledged and ignored.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

type eventKind int

const (
	kindUnknown eventKind = iota
	kindSessionCompleted
	kindSessionExpired
	kindCreated
	kindUpdated
	kindDeleted
	kindPaid
	kindPaymentFailed
)

func classifyEvent(eventType string) eventKind {
	switch eventType {
	case EventCheckoutSessionCompleted:
		return kindSessionCompleted
	case EventCheckoutSessionExpired:
		return kindSessionExpired
	case EventSubscriptionCreated:
		return kindCreated
	case EventSubscriptionUpdated:
		return kindUpdated
	case EventSubscriptionDeleted:
		return kindDeleted
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		return kindPaid
	case EventInvoicePaymentFailed:
		return kindPaymentFailed
	default:
		return kindUnknown
	}
}

// KnownEventType reports whether the Reconciler acts on the event type
func KnownEventType(eventType string) bool {
	return classifyEvent(eventType) != kindUnknown
}

// ParseProviderStatus maps a provider subscription status onto the local lifecycle.
// Returns false for statuses with no local equivalent.
func ParseProviderStatus(status string) (SubscriptionStatus, bool) {
	switch status {
	case "active", "trialing":
		return StatusActive, true
	case "incomplete":
		return StatusIncomplete, true
	case "past_due", "unpaid", "paused":
		return StatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled, true
	default:
		return "", false
	}
}

// nextStatus evaluates the transition table against the stored record.
// current is nil when no record exists. stale reports that the event's
// position is not after the record's last event sequence.
func nextStatus(kind eventKind, current *SubscriptionRecord, obj EventObject, stale bool) (SubscriptionStatus, bool) {
	switch kind {
	case kindCreated:
		if current != nil {
			return "", false
		}
		if s, ok := ParseProviderStatus(obj.Status); ok && s == StatusActive {
			return StatusActive, true
		}
		return StatusIncomplete, true

	case kindPaid:
		if current == nil {
			return "", false
		}
		switch current.Status {
		case StatusIncomplete, StatusPastDue, StatusActive:
			return StatusActive, true
		}
		return "", false

	case kindPaymentFailed:
		if current != nil && current.Status == StatusActive {
			return StatusPastDue, true
		}
		return "", false

	case kindUpdated:
		// An older snapshot must not overwrite a newer one
		if stale || current == nil || current.Status.IsTerminal() {
			return "", false
		}
		s, ok := ParseProviderStatus(obj.Status)
		if !ok {
			return "", false
		}
		return s, true

	case kindDeleted:
		if current != nil && current.Status.IsTerminal() {
			return "", false
		}
		return StatusCanceled, true
	}

	return "", false
}
