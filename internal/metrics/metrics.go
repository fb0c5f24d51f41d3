// Package metrics exposes the prometheus collectors shared by the
// scheduler, executor and supervisor. The teacher's go.mod names
// prometheus/client_golang as a direct dependency; its own code never
// registers a single collector, so this package gives that dependency
// its first real use.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector this module publishes. One Registry
// per process; workers and the supervisor each construct their own.
type Registry struct {
	CycleDuration   *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	KillSwitchTrips *prometheus.CounterVec
	TxResults       *prometheus.CounterVec
	WorkerUp        *prometheus.GaugeVec
	SupervisorChildren prometheus.Gauge
	EventSinkDropped prometheus.Gauge
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clm",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one scheduler fetch/compute/decide/store/execute cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"pairId"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clm",
			Name:      "decisions_total",
			Help:      "Count of scheduler decisions by kind.",
		}, []string{"pairId", "kind"}),
		KillSwitchTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clm",
			Name:      "kill_switch_trips_total",
			Help:      "Count of kill-switch activations by reason.",
		}, []string{"pairId", "reason"}),
		TxResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clm",
			Name:      "tx_results_total",
			Help:      "Count of on-chain operations by op kind and outcome.",
		}, []string{"pairId", "op", "success"}),
		WorkerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clm",
			Name:      "worker_up",
			Help:      "1 if the supervisor last saw a live heartbeat for this pair, else 0.",
		}, []string{"pairId"}),
		SupervisorChildren: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clm",
			Name:      "supervisor_children",
			Help:      "Number of worker child processes the supervisor currently tracks.",
		}),
		EventSinkDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clm",
			Name:      "eventsink_dropped_total",
			Help:      "Cumulative events dropped by the event sink's bounded buffer.",
		}),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.Decisions,
		m.KillSwitchTrips,
		m.TxResults,
		m.WorkerUp,
		m.SupervisorChildren,
		m.EventSinkDropped,
	)
	return m
}
