// Package metrics provides centralized Prometheus metrics for the rotator.
//
// All metrics follow the naming convention:
// llm_rotator_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	m := metrics.Default()
//	m.SelectionsTotal.WithLabelValues("gemini", "balanced").Inc()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llm_rotator"

// Metrics is the central registry of rotator metrics.
// Thread-safe: all Prometheus metric types are safe for concurrent use.
type Metrics struct {
	// SelectionsTotal counts credential selections by provider and
	// rotation mode.
	SelectionsTotal *prometheus.CounterVec

	// SelectionEmptyTotal counts selections that found no available
	// credential.
	SelectionEmptyTotal *prometheus.CounterVec

	// RotationsTotal counts mid-request rotations to another credential,
	// by provider and error kind.
	RotationsTotal *prometheus.CounterVec

	// RequestsTotal counts executed requests by provider, model, and
	// outcome.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes end-to-end request latency by provider and
	// outcome.
	RequestDuration *prometheus.HistogramVec

	// BlockedTotal counts limit-engine blocks by provider and checker.
	BlockedTotal *prometheus.CounterVec

	// CooldownsAppliedTotal counts cooldown applications by provider and
	// reason.
	CooldownsAppliedTotal *prometheus.CounterVec

	// FairCycleResetsTotal counts fair-cycle resets by provider.
	FairCycleResetsTotal *prometheus.CounterVec

	// SnapshotFlushesTotal counts snapshot flushes by provider and status.
	SnapshotFlushesTotal *prometheus.CounterVec

	// ActiveRequests gauges in-flight requests by provider.
	ActiveRequests *prometheus.GaugeVec
}

// New creates metrics registered against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "selections_total",
			Help:      "Credential selections by provider and rotation mode",
		}, []string{"provider", "mode"}),

		SelectionEmptyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "empty_total",
			Help:      "Selections that found no available credential",
		}, []string{"provider"}),

		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "rotations_total",
			Help:      "Mid-request rotations to another credential by error kind",
		}, []string{"provider", "kind"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "requests_total",
			Help:      "Executed requests by provider, model, and outcome",
		}, []string{"provider", "model", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "outcome"}),

		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limits",
			Name:      "blocked_total",
			Help:      "Limit-engine blocks by checker",
		}, []string{"provider", "checker"}),

		CooldownsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "cooldowns_applied_total",
			Help:      "Cooldown applications by reason",
		}, []string{"provider", "reason"}),

		FairCycleResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "fair_cycle_resets_total",
			Help:      "Fair-cycle resets by provider",
		}, []string{"provider"}),

		SnapshotFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "snapshot_flushes_total",
			Help:      "Snapshot flushes by status",
		}, []string{"provider", "status"}),

		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "active_requests",
			Help:      "In-flight requests by provider",
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SelectionsTotal,
			m.SelectionEmptyTotal,
			m.RotationsTotal,
			m.RequestsTotal,
			m.RequestDuration,
			m.BlockedTotal,
			m.CooldownsAppliedTotal,
			m.FairCycleResetsTotal,
			m.SnapshotFlushesTotal,
			m.ActiveRequests,
		)
	}
	return m
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the global metrics instance registered against the
// default Prometheus registerer.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewUnregistered returns metrics not bound to any registerer, for tests.
func NewUnregistered() *Metrics {
	return New(nil)
}
