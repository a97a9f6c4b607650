// Package metrics exposes the agent's own operational counters on the
// prometheus registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every self-metric the agent maintains.
type Set struct {
	Registry *prometheus.Registry

	TicksTotal        prometheus.Counter
	TickDuration      prometheus.Histogram
	CollectorFailures *prometheus.CounterVec
	SnapshotsWritten  prometheus.Counter
	StoreDrops        prometheus.Counter
	StoreWriteErrors  prometheus.Counter
	RingPublishes     prometheus.Counter
	SlowSubscribers   prometheus.Counter
	AnomaliesEmitted  *prometheus.CounterVec
	SelfThrottles     prometheus.Counter
}

// New builds and registers the metric set on a fresh registry.
func New() *Set {
	s := &Set{
		Registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_ticks_total",
			Help: "Sampling ticks executed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hostpulse_tick_duration_seconds",
			Help:    "Wall time of one sampling tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		CollectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostpulse_collector_failures_total",
			Help: "Collector failures by name and reason code.",
		}, []string{"collector", "reason"}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_snapshots_written_total",
			Help: "Snapshots committed to the store.",
		}),
		StoreDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_store_drops_total",
			Help: "Snapshots dropped because the store write queue was saturated.",
		}),
		StoreWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_store_write_errors_total",
			Help: "Failed store write transactions.",
		}),
		RingPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_ring_publishes_total",
			Help: "Snapshots published to the ring buffer.",
		}),
		SlowSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_slow_subscribers_dropped_total",
			Help: "Ring subscribers disconnected for falling behind.",
		}),
		AnomaliesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostpulse_anomalies_emitted_total",
			Help: "Anomaly records emitted by severity.",
		}, []string{"severity"}),
		SelfThrottles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostpulse_self_throttle_events_total",
			Help: "Optional collectors disabled after resource-cap overruns.",
		}),
	}

	s.Registry.MustRegister(
		s.TicksTotal, s.TickDuration, s.CollectorFailures, s.SnapshotsWritten,
		s.StoreDrops, s.StoreWriteErrors, s.RingPublishes, s.SlowSubscribers,
		s.AnomaliesEmitted, s.SelfThrottles,
	)
	return s
}
