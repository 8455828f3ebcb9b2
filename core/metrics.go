package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceMultisig = "multisig"
	subsystemEngine   = "engine"
	subsystemReaper   = "reaper"
)

const (
	outcomeCompleted     = "completed"
	outcomeRejected      = "rejected"
	outcomeIndeterminate = "indeterminate"
	outcomeFailed        = "failed"
)

type Metrics struct {
	proposalsCreated   prometheus.Counter
	signaturesAccepted prometheus.Counter
	finalizations      *prometheus.CounterVec
	reconciliations    *prometheus.CounterVec
	conflicts          prometheus.Counter
	proposalsExpired   prometheus.Counter
	sweepDuration      prometheus.Histogram
	pending            prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg. Pass a fresh registry
// per engine in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		proposalsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemEngine,
			Name:      "proposals_created_total",
			Help:      "number of proposals accepted, including ones broadcast at creation",
		}),
		signaturesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemEngine,
			Name:      "signatures_accepted_total",
			Help:      "number of signatures added to pending proposals, proposer signatures included",
		}),
		finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemEngine,
			Name:      "finalizations_total",
			Help:      "number of broadcast attempts by outcome",
		}, []string{"outcome"}),
		reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemEngine,
			Name:      "reconciliations_total",
			Help:      "number of manual reconciliations by outcome",
		}, []string{"outcome"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemEngine,
			Name:      "version_conflicts_total",
			Help:      "number of optimistic updates that lost a race and were retried",
		}),
		proposalsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemReaper,
			Name:      "proposals_expired_total",
			Help:      "number of proposals removed after expiry",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemReaper,
			Name:      "sweep_duration_seconds",
			Help:      "time spent in one expiry sweep",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMultisig,
			Subsystem: subsystemReaper,
			Name:      "pending_proposals",
			Help:      "number of pending proposals seen by the last scheduled sweep",
		}),
	}
}
