package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireAttempts counts every poll of the lease acquisition loop.
	AcquireAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sesslock_acquire_attempts_total",
		Help: "Total number of lease acquisition polls",
	})
	// AcquireCounter tracks acquisitions by outcome (acquired, exhausted, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sesslock_acquire_total",
		Help: "Total number of lease acquisitions by outcome",
	}, []string{"outcome"})
	// ReleaseCounter tracks releases by outcome (released, not_owner, forced, error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sesslock_release_total",
		Help: "Total number of lease releases by outcome",
	}, []string{"outcome"})
	// AcquireWait observes how long acquisitions spent waiting.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sesslock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lease",
		Buckets: prometheus.DefBuckets,
	})
	// SessionOps tracks session handler operations by name and outcome.
	SessionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sesslock_session_ops_total",
		Help: "Total number of session handler operations",
	}, []string{"op", "outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the sesslock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireAttempts, AcquireCounter, ReleaseCounter, AcquireWait, SessionOps)
}
