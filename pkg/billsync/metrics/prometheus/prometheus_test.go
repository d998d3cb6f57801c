package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var _ billsync.Metrics = (*Metrics)(nil)

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("invoice.paid", billsync.OutcomeApplied)
	metrics.RecordWebhookEvent("invoice.paid", billsync.OutcomeApplied)
	metrics.RecordWebhookEvent("invoice.paid", billsync.OutcomeDuplicate)

	got := testutil.ToFloat64(metrics.webhookEventsTotal.WithLabelValues("invoice.paid", "applied"))
	if got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	got = testutil.ToFloat64(metrics.webhookEventsTotal.WithLabelValues("invoice.paid", "duplicate"))
	if got != 1 {
		t.Errorf("duplicate = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordWebhookError(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookError("signature_mismatch")

	if got := testutil.ToFloat64(metrics.webhookErrorsTotal.WithLabelValues("signature_mismatch")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordStatusChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusChange("", billsync.StatusIncomplete)
	metrics.RecordStatusChange(billsync.StatusIncomplete, billsync.StatusActive)

	if got := testutil.ToFloat64(metrics.statusChangesTotal.WithLabelValues("none", "incomplete")); got != 1 {
		t.Errorf("none->incomplete = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.statusChangesTotal.WithLabelValues("incomplete", "active")); got != 1 {
		t.Errorf("incomplete->active = %v, want 1", got)
	}
}

func TestPrometheusMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("invoice.paid", 5*time.Millisecond)
	metrics.RecordSessionCreated("pro", billsync.IntervalMonthly, "success")
	metrics.RecordAPICall("stripe", "checkout_sessions", "success")
	metrics.RecordAPICallDuration("stripe", "checkout_sessions", 120*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 4 {
		t.Errorf("Expected 4 metric families, got %d", len(families))
	}
}

func TestPrometheusMetrics_RecordCircuitBreakerStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCircuitBreakerStateChange(string(billsync.StateOpen))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "test_billing_circuit_breaker_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			values[labelValue(m, "state")] = m.GetGauge().GetValue()
		}
	}

	if values["open"] != 1 || values["closed"] != 0 || values["half_open"] != 0 {
		t.Errorf("unexpected gauge values: %v", values)
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
