// Package metrics holds the Prometheus collectors for the capture and sync
// paths. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgeattend"

// Sync outcomes, also used as log attribute values.
const (
	OutcomeSynced      = "synced"
	OutcomeTransport   = "transport_error"
	OutcomeApplication = "application_error"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeArchived    = "archived"
)

// Metrics bundles every collector the device exports.
type Metrics struct {
	syncJobs     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	drainCycles  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	online       prometheus.Gauge
	scans        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		syncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Sync job attempts by outcome and path (immediate or queued).",
		}, []string{"path", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of remote calls by endpoint and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint", "outcome"}),
		drainCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_cycles_total",
			Help:      "Drain cycles by result (ran, offline, empty).",
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint: 0 closed, 1 open, 2 half-open.",
		}, []string{"endpoint"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_records",
			Help:      "Local records by sync state, plus queued and archived jobs.",
		}, []string{"state"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan attempts by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{
		m.syncJobs, m.stepDuration, m.drainCycles, m.breakerState, m.queueDepth, m.online, m.scans,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SyncJob counts one job attempt.
func (m *Metrics) SyncJob(path, outcome string) {
	if m == nil {
		return
	}
	m.syncJobs.WithLabelValues(path, outcome).Inc()
}

// RemoteCall observes one remote call.
func (m *Metrics) RemoteCall(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// DrainCycle counts one tick of the background loop.
func (m *Metrics) DrainCycle(result string) {
	if m == nil {
		return
	}
	m.drainCycles.WithLabelValues(result).Inc()
}

// BreakerState records a breaker transition. state follows breaker.State.
func (m *Metrics) BreakerState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

// QueueDepth sets the local backlog gauges.
func (m *Metrics) QueueDepth(pending, failed, jobs, archived int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.queueDepth.WithLabelValues("jobs").Set(float64(jobs))
	m.queueDepth.WithLabelValues("archived_jobs").Set(float64(archived))
}

// Online records the connectivity state.
func (m *Metrics) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// Scan counts one scan attempt.
func (m *Metrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}
