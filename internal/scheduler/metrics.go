package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the scheduling core.
type Metrics struct {
	// SubtasksAssigned counts successful allocations.
	SubtasksAssigned prometheus.Counter
	// SubtasksQueued counts queue fallbacks.
	SubtasksQueued prometheus.Counter
	// CommitConflicts counts CAS failures at commit time.
	CommitConflicts prometheus.Counter
	// QueueEscalations counts queued subtasks escalated to failed after
	// exhausting their reallocation budget.
	QueueEscalations prometheus.Counter
	// CycleDuration observes periodic cycle wall time.
	CycleDuration prometheus.Histogram
	// SubtasksInFlight gauges the current in_progress count.
	SubtasksInFlight prometheus.Gauge
	// QueueLength gauges the allocation queue depth.
	QueueLength prometheus.Gauge
	// WorkersAvailable gauges the number of eligible workers.
	WorkersAvailable prometheus.Gauge
}

// NewMetrics creates and registers the scheduler metrics.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SubtasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_subtasks_assigned_total",
			Help: "Total number of subtasks bound to workers",
		}),
		SubtasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_subtasks_queued_total",
			Help: "Total number of subtasks deferred to the allocation queue",
		}),
		CommitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_commit_conflicts_total",
			Help: "Total number of allocation commit CAS failures",
		}),
		QueueEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_queue_escalations_total",
			Help: "Total number of queued subtasks escalated to failed",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Scheduling cycle wall time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SubtasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_subtasks_in_flight",
			Help: "Current number of in-progress subtasks",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_length",
			Help: "Current allocation queue depth",
		}),
		WorkersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_workers_available",
			Help: "Current number of eligible workers",
		}),
	}

	reg.MustRegister(
		m.SubtasksAssigned,
		m.SubtasksQueued,
		m.CommitConflicts,
		m.QueueEscalations,
		m.CycleDuration,
		m.SubtasksInFlight,
		m.QueueLength,
		m.WorkersAvailable,
	)
	return m
}
