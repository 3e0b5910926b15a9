package metrics

import (
	"context"
	"testing"
	"time"
)

func TestRecordDecisionDoesNotPanicOnNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordDecision(true, "policy")
	m.RecordCIAAViolation("C")
	m.RecordRateLimitDenial("global")
	m.ObserveAuditLatency(time.Millisecond)
	m.RecordCacheResult(true)
}

func TestNewRegistersIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordDecision(true, "allow")
	b.RecordDecision(false, "policy")
	// Constructing two independent instances must not panic on duplicate
	// registration — each uses its own prometheus.Registry.
}

func TestServeNoopWhenAddrEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Serve(ctx, "", New()); err != nil {
		t.Fatalf("Serve with empty addr should be a no-op, got error: %v", err)
	}
}

func TestServeNoopWhenMetricsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Serve(ctx, ":0", nil); err != nil {
		t.Fatalf("Serve with nil metrics should be a no-op, got error: %v", err)
	}
}
