// Package metrics exposes the runtime's Prometheus instrumentation,
// grounded on the pack's convention of instrumenting services with
// prometheus/client_golang (e.g. the sibling containr and Sentinel-Gate
// repos retrieved alongside the teacher).
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the runtime reports. A single
// instance should be constructed per process and shared by every
// Runtime.Intercept call.
type Metrics struct {
	gatherer         prometheus.Gatherer
	decisions        *prometheus.CounterVec
	ciaaViolations   *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	auditLatency     prometheus.Histogram
	cacheHits        *prometheus.CounterVec
}

// New registers and returns a Metrics instance against its own registry so
// multiple Runtimes (e.g. in tests) never collide on global registration,
// and so Serve always exposes exactly this instance's series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return newWithRegisterer(reg, reg)
}

// NewWithDefaultRegisterer registers against prometheus.DefaultRegisterer,
// for a process that wants its ciaaguard series merged with other
// packages' default-registered collectors (e.g. Go runtime metrics).
func NewWithDefaultRegisterer() *Metrics {
	return newWithRegisterer(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newWithRegisterer(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciaaguard_decisions_total",
			Help: "Total interception decisions, labeled by outcome and the deciding stage.",
		}, []string{"allow", "stage"}),
		ciaaViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciaaguard_ciaa_violations_total",
			Help: "Total CIAA violations detected, labeled by axis.",
		}, []string{"axis"}),
		rateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciaaguard_rate_limit_denials_total",
			Help: "Total rate-limit denials, labeled by dimension.",
		}, []string{"dimension"}),
		auditLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ciaaguard_audit_append_seconds",
			Help:    "Latency of audit log append calls.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciaaguard_decision_cache_total",
			Help: "Decision cache lookups, labeled by hit/miss.",
		}, []string{"result"}),
	}
}

// RecordDecision records one Intercept outcome. stage names which pipeline
// step produced the verdict: "cache", "rate_limit", "policy", "ciaa", or
// "allow".
func (m *Metrics) RecordDecision(allow bool, stage string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(boolLabel(allow), stage).Inc()
}

// RecordCIAAViolation records one violated axis ("C", "I", "A", "Acc").
func (m *Metrics) RecordCIAAViolation(axis string) {
	if m == nil {
		return
	}
	m.ciaaViolations.WithLabelValues(axis).Inc()
}

// RecordRateLimitDenial records a denial on the named dimension.
func (m *Metrics) RecordRateLimitDenial(dimension string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(dimension).Inc()
}

// ObserveAuditLatency records how long one audit.Log.Append call took.
func (m *Metrics) ObserveAuditLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.auditLatency.Observe(d.Seconds())
}

// RecordCacheResult records a decision cache lookup outcome ("hit"/"miss").
func (m *Metrics) RecordCacheResult(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheHits.WithLabelValues(result).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Serve starts an HTTP listener exposing /metrics on addr until ctx is
// canceled. It is a no-op (returns nil immediately) when addr is empty or m
// is nil, matching the "exposed only when MetricsAddr is set" requirement.
// The handler is scoped to m's own gatherer, so it reports exactly the
// series m itself registered regardless of which constructor built m.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" || m == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
