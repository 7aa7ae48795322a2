// ABOUTME: Prometheus counters for conversation synchronization
// ABOUTME: Nil-safe Recorder so components can run without metrics wired

// Package metrics exposes Prometheus counters for the synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convosync"

// Recorder groups the sync counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	SnapshotsApplied     prometheus.Counter
	SnapshotsStale       prometheus.Counter
	DeltasApplied        prometheus.Counter
	DuplicateDeliveries  *prometheus.CounterVec
	Confirmations        prometheus.Counter
	SendFailures         prometheus.Counter
	PollFailures         prometheus.Counter
	TransportDisconnects prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg.
// Pass prometheus.NewRegistry() in tests to avoid global collisions.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		SnapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_applied_total",
			Help:      "Authoritative conversation snapshots merged into the timeline",
		}),
		SnapshotsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_stale_total",
			Help:      "Snapshots discarded because a newer fetch was already applied",
		}),
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_applied_total",
			Help:      "Individual pushed messages merged into the timeline",
		}),
		DuplicateDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Authoritative messages delivered more than once",
		}, []string{"stage"}), // "transport" or "engine"
		Confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Pending entries promoted to confirmed",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Message submissions rejected by the repository",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Scheduled snapshot fetches that failed",
		}),
		TransportDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_disconnects_total",
			Help:      "Push channel connections lost",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.SnapshotsApplied,
			r.SnapshotsStale,
			r.DeltasApplied,
			r.DuplicateDeliveries,
			r.Confirmations,
			r.SendFailures,
			r.PollFailures,
			r.TransportDisconnects,
		)
	}
	return r
}

func (r *Recorder) SnapshotApplied() {
	if r != nil {
		r.SnapshotsApplied.Inc()
	}
}

func (r *Recorder) SnapshotStale() {
	if r != nil {
		r.SnapshotsStale.Inc()
	}
}

func (r *Recorder) DeltaApplied() {
	if r != nil {
		r.DeltasApplied.Inc()
	}
}

// Duplicate records a repeated delivery caught at the given stage.
func (r *Recorder) Duplicate(stage string) {
	if r != nil {
		r.DuplicateDeliveries.WithLabelValues(stage).Inc()
	}
}

func (r *Recorder) Confirmed(n int) {
	if r != nil && n > 0 {
		r.Confirmations.Add(float64(n))
	}
}

func (r *Recorder) SendFailed() {
	if r != nil {
		r.SendFailures.Inc()
	}
}

func (r *Recorder) PollFailed() {
	if r != nil {
		r.PollFailures.Inc()
	}
}

func (r *Recorder) Disconnected() {
	if r != nil {
		r.TransportDisconnects.Inc()
	}
}
