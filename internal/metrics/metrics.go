// Package metrics exposes Prometheus collectors for runs, passes, rule calls
// and snapshot preparation.
//
// A nil *Metrics is valid and records nothing, so packages can take an
// optional metrics dependency without nil checks at every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheetnorm"

// Metrics owns a private registry and the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	passDuration *prometheus.HistogramVec
	ruleCalls    *prometheus.CounterVec
	snapshots    *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by terminal status and summary code.",
		}, []string{"status", "code"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently holding a run slot.",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall-clock duration of pipeline passes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"pass", "status"}),
		ruleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_invocations_total",
			Help:      "Rule invocations by rule kind and outcome.",
		}, []string{"kind", "outcome"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_prepares_total",
			Help:      "Snapshot prepares by result (built or reused).",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.runs, m.activeRuns, m.passDuration, m.ruleCalls, m.snapshots,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run as holding a slot.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished releases the slot and counts the outcome.
func (m *Metrics) RunFinished(status, code string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status, code).Inc()
}

// ObservePass records one pass duration.
func (m *Metrics) ObservePass(pass, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(pass, status).Observe(d.Seconds())
}

// RuleInvoked counts one rule call; a non-nil err counts as a failure.
func (m *Metrics) RuleInvoked(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.ruleCalls.WithLabelValues(kind, outcome).Inc()
}

// SnapshotPrepared counts a prepare that built or reused a snapshot.
func (m *Metrics) SnapshotPrepared(reused bool) {
	if m == nil {
		return
	}
	result := "built"
	if reused {
		result = "reused"
	}
	m.snapshots.WithLabelValues(result).Inc()
}
