package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by the dispatcher and retention
// job. They are injected explicitly rather than registered as package
// globals so the pipeline stays independently testable; a nil *Metrics
// disables collection.
type Metrics struct {
	Dispatched     prometheus.Counter
	Failed         prometheus.Counter
	DeadLettered   prometheus.Counter
	ClaimConflicts prometheus.Counter
	Reclaimed      prometheus.Counter
	Pruned         *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	CycleDuration  prometheus.Histogram
}

// NewMetrics builds the collector set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_dispatched_total",
			Help: "Total number of records delivered to the bus and marked PUBLISHED.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_delivery_failures_total",
			Help: "Total number of failed delivery attempts.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_dead_lettered_total",
			Help: "Total number of records moved to DEAD_LETTER.",
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_claim_conflicts_total",
			Help: "Total number of claim attempts lost to a concurrent dispatcher.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_reclaimed_total",
			Help: "Total number of stale PUBLISHING records returned to RETRY.",
		}),
		Pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_records_pruned_total",
			Help: "Total number of terminal records deleted by retention, labelled by status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_ready_records",
			Help: "Number of records selected as ready in the last dispatch cycle.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_dispatch_cycle_duration_seconds",
			Help:    "Duration of one dispatch cycle.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Dispatched, m.Failed, m.DeadLettered, m.ClaimConflicts,
			m.Reclaimed, m.Pruned, m.QueueDepth, m.CycleDuration,
		)
	}

	return m
}

func (m *Metrics) addDispatched(n float64) {
	if m == nil {
		return
	}
	m.Dispatched.Add(n)
}

func (m *Metrics) incFailed() {
	if m == nil {
		return
	}
	m.Failed.Inc()
}

func (m *Metrics) incDeadLettered() {
	if m == nil {
		return
	}
	m.DeadLettered.Inc()
}

func (m *Metrics) incClaimConflicts() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

func (m *Metrics) addReclaimed(n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.Reclaimed.Add(n)
}

func (m *Metrics) addPruned(status Status, n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.Pruned.WithLabelValues(status.String()).Add(n)
}

func (m *Metrics) setQueueDepth(n float64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(n)
}

func (m *Metrics) observeCycle(seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(seconds)
}
