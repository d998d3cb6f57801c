package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	statusChangesTotal        *prometheus.CounterVec
	sessionsCreatedTotal      *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	circuitBreakerState       *prometheus.GaugeVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of reconciled webhook events by outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook reconciliation in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhooks.",
		}, []string{"error_type"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_status_changes_total",
			Help:      "Total number of committed subscription status changes.",
		}, []string{"from_status", "to_status"}),

		sessionsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_sessions_total",
			Help:      "Total number of checkout session initiation attempts.",
		}, []string{"plan_id", "interval", "status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the payment provider.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the payment provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),

		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "circuit_breaker_state",
			Help:      "Current provider circuit breaker state (1 for the active state).",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType string, outcome billsync.Outcome) {
	m.webhookEventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordStatusChange(from, to billsync.SubscriptionStatus) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	m.statusChangesTotal.WithLabelValues(fromLabel, string(to)).Inc()
}

func (m *Metrics) RecordSessionCreated(planID string, interval billsync.Interval, status string) {
	m.sessionsCreatedTotal.WithLabelValues(planID, string(interval), status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	for _, s := range []billsync.CircuitBreakerState{billsync.StateClosed, billsync.StateOpen, billsync.StateHalfOpen} {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		m.circuitBreakerState.WithLabelValues(string(s)).Set(v)
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
