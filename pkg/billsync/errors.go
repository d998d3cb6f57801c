package billsync

import "errors"

var (
	// ErrUnknownPlan is returned when a plan/interval pair is not in the catalog
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrInvalidCustomerRef is returned unless exactly one of customer id or email is set
	ErrInvalidCustomerRef = errors.New("invalid customer reference")

	// ErrMissingSignature is returned when a webhook carries no signature header
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrSignatureMismatch is returned when webhook signature verification fails
	ErrSignatureMismatch = errors.New("webhook signature mismatch")

	// ErrMalformedPayload is returned when a verified webhook body cannot be parsed
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrProviderUnavailable is returned when the payment provider fails or is unreachable.
	// It is the only retryable error; retries must reuse the idempotency key.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrProviderTimeout is returned when a provider call exceeds its deadline.
	// Errors carrying it also match ErrProviderUnavailable.
	ErrProviderTimeout = errors.New("payment provider timeout")

	// ErrNotConfigured is returned when billing secrets are missing
	ErrNotConfigured = errors.New("billing not configured")

	// ErrSubscriptionNotFound is returned when no record exists for a subscription id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSessionNotFound is returned when no checkout session exists for an id
	ErrSessionNotFound = errors.New("checkout session not found")

	// ErrEventAlreadyApplied is returned by Storage when an event id was already processed
	ErrEventAlreadyApplied = errors.New("event already applied")

	// ErrConcurrentUpdate is returned by Storage when the expected version does not match
	ErrConcurrentUpdate = errors.New("concurrent subscription update")

	// ErrInvalidCatalog is returned for inconsistent plan catalog definitions
	ErrInvalidCatalog = errors.New("invalid plan catalog")
)
