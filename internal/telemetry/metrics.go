package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsSink is the abstract counter/histogram sink consumed by the core
// (spec.md §2 row 11). The core never imports Prometheus directly — it
// depends only on this interface.
type MetricsSink interface {
	CommandClaimed(tenantID string)
	CommandSucceeded(tenantID string, duration time.Duration)
	CommandFailed(tenantID, errorCode string, duration time.Duration)
	CommandRetried(tenantID string)
	StaleLeaseReclaimed(tenantID string)
	EntitiesTouched(tenantID string, count int)
}

var (
	commandsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "commands",
			Name:      "claimed_total",
			Help:      "Total number of commands claimed by a worker.",
		},
		[]string{"tenant"},
	)

	commandsSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "commands",
			Name:      "succeeded_total",
			Help:      "Total number of commands that finalized as success.",
		},
		[]string{"tenant"},
	)

	commandsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "commands",
			Name:      "failed_total",
			Help:      "Total number of commands that finalized as failure, by error code.",
		},
		[]string{"tenant", "error_code"},
	)

	commandsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "commands",
			Name:      "retried_total",
			Help:      "Total number of failed runs that were scheduled for retry.",
		},
		[]string{"tenant"},
	)

	staleLeasesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "leases",
			Name:      "stale_reclaimed_total",
			Help:      "Total number of leases reclaimed after expiry.",
		},
		[]string{"tenant"},
	)

	runDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commandrunner",
			Subsystem: "commands",
			Name:      "run_duration_seconds",
			Help:      "Command run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"tenant", "outcome"},
	)

	entitiesTouchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commandrunner",
			Subsystem: "entities",
			Name:      "touched_total",
			Help:      "Total number of entity mutations performed by command programs.",
		},
		[]string{"tenant"},
	)
)

// All returns every commandrunner-specific collector, for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		commandsClaimedTotal,
		commandsSucceededTotal,
		commandsFailedTotal,
		commandsRetriedTotal,
		staleLeasesReclaimedTotal,
		runDurationSeconds,
		entitiesTouchedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every commandrunner-specific collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// PrometheusSink is the concrete MetricsSink backed by the collectors
// above.
type PrometheusSink struct{}

// NewPrometheusSink returns the production MetricsSink. Call
// NewMetricsRegistry once at startup to register its collectors.
func NewPrometheusSink() *PrometheusSink { return &PrometheusSink{} }

func (PrometheusSink) CommandClaimed(tenantID string) {
	commandsClaimedTotal.WithLabelValues(tenantID).Inc()
}

func (PrometheusSink) CommandSucceeded(tenantID string, duration time.Duration) {
	commandsSucceededTotal.WithLabelValues(tenantID).Inc()
	runDurationSeconds.WithLabelValues(tenantID, "success").Observe(duration.Seconds())
}

func (PrometheusSink) CommandFailed(tenantID, errorCode string, duration time.Duration) {
	commandsFailedTotal.WithLabelValues(tenantID, errorCode).Inc()
	runDurationSeconds.WithLabelValues(tenantID, "failure").Observe(duration.Seconds())
}

func (PrometheusSink) CommandRetried(tenantID string) {
	commandsRetriedTotal.WithLabelValues(tenantID).Inc()
}

func (PrometheusSink) StaleLeaseReclaimed(tenantID string) {
	staleLeasesReclaimedTotal.WithLabelValues(tenantID).Inc()
}

func (PrometheusSink) EntitiesTouched(tenantID string, count int) {
	entitiesTouchedTotal.WithLabelValues(tenantID).Add(float64(count))
}
