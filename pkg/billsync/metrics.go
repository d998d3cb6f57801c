package billsync

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// outcome: one of the Outcome values (e.g. "applied", "duplicate")
	RecordWebhookEvent(eventType string, outcome Outcome)

	// RecordWebhookProcessingDuration records how long reconciliation of one event took.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed webhook.
	// errorType: e.g. "missing_signature", "signature_mismatch", "malformed_payload", "storage_error"
	RecordWebhookError(errorType string)

	// RecordStatusChange records a committed subscription status change.
	RecordStatusChange(from, to SubscriptionStatus)

	// RecordSessionCreated records a checkout initiation attempt.
	// status: "success", "invalid", "provider_unavailable", "provider_timeout"
	RecordSessionCreated(planID string, interval Interval, status string)

	// RecordAPICall records a call to the payment provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long a payment provider call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordCircuitBreakerStateChange records a provider circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_ string, _ Outcome)                    {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _ SubscriptionStatus)                {}
func (n *NoopMetrics) RecordSessionCreated(_ string, _ Interval, _ string)       {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)        {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
