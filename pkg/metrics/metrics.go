// Package metrics exposes the settlement pipeline's Prometheus metrics,
// served by the app's HTTP handler at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Batches counts pipeline ticks by result (ok|selector_error|skipped).
	Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_batches_total",
			Help: "Settlement batches run",
		},
		[]string{"result"},
	)

	// Settlements counts per-request attempts by outcome (ok|not_found|transient).
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_settlements_total",
			Help: "Settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Resyncs counts pool resynchronizations by result (ok|error).
	Resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_resyncs_total",
			Help: "Pool resyncs by result",
		},
		[]string{"result"},
	)

	// EligibleQueue is the size of the last eligible batch.
	EligibleQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_queue_eligible",
			Help: "Eligible withdrawal requests in the last batch",
		},
	)

	// SkippedTicks counts scheduler ticks skipped by the single-flight guard.
	SkippedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_skipped_ticks_total",
			Help: "Scheduler ticks skipped because a previous run was still in flight",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(
		Batches,
		Settlements,
		Resyncs,
		EligibleQueue,
		SkippedTicks,
	)
}
