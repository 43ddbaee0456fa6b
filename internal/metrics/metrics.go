package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the coordinator. A nil
// *Metrics is valid and turns every recording call into a no-op, so
// components can be constructed without metrics in tests.
type Metrics struct {
	NodesByState       *prometheus.GaugeVec
	ProbeDuration      prometheus.Histogram
	HeartbeatsIngested prometheus.Counter
	Registrations      prometheus.Counter
	HubSessions        prometheus.Gauge
	HubBroadcasts      prometheus.Counter
	CycleErrors        *prometheus.CounterVec
}

// New creates and registers all coordinator metrics.
func New() *Metrics {
	m := &Metrics{
		NodesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshwatch_nodes",
			Help: "Number of registry nodes by health state",
		}, []string{"state"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshwatch_probe_duration_seconds",
			Help:    "Reachability probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		HeartbeatsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwatch_heartbeats_ingested_total",
			Help: "Heartbeat records accepted into the registry",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwatch_registrations_total",
			Help: "Peer registration requests accepted",
		}),
		HubSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshwatch_hub_sessions",
			Help: "Currently connected observer sessions",
		}),
		HubBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwatch_hub_broadcasts_total",
			Help: "Events broadcast to observer sessions",
		}),
		CycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshwatch_cycle_errors_total",
			Help: "Periodic task cycles that ended in an error",
		}, []string{"task"}),
	}

	prometheus.MustRegister(
		m.NodesByState,
		m.ProbeDuration,
		m.HeartbeatsIngested,
		m.Registrations,
		m.HubSessions,
		m.HubBroadcasts,
		m.CycleErrors,
	)

	return m
}

// Close unregisters all metrics.
func (m *Metrics) Close() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.NodesByState)
	prometheus.Unregister(m.ProbeDuration)
	prometheus.Unregister(m.HeartbeatsIngested)
	prometheus.Unregister(m.Registrations)
	prometheus.Unregister(m.HubSessions)
	prometheus.Unregister(m.HubBroadcasts)
	prometheus.Unregister(m.CycleErrors)
}

// SetNodeCounts records the per-state node counts.
func (m *Metrics) SetNodeCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.NodesByState.Reset()
	for state, n := range counts {
		m.NodesByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveProbe records one reachability probe duration.
func (m *Metrics) ObserveProbe(d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.Observe(d.Seconds())
}

// IncHeartbeats counts one accepted heartbeat.
func (m *Metrics) IncHeartbeats() {
	if m == nil {
		return
	}
	m.HeartbeatsIngested.Inc()
}

// IncRegistrations counts one accepted registration.
func (m *Metrics) IncRegistrations() {
	if m == nil {
		return
	}
	m.Registrations.Inc()
}

// SetSessions records the current observer session count.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.HubSessions.Set(float64(n))
}

// IncBroadcasts counts one broadcast event.
func (m *Metrics) IncBroadcasts() {
	if m == nil {
		return
	}
	m.HubBroadcasts.Inc()
}

// IncCycleError counts one failed periodic task cycle.
func (m *Metrics) IncCycleError(task string) {
	if m == nil {
		return
	}
	m.CycleErrors.WithLabelValues(task).Inc()
}
