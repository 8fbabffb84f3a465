// Package telemetry wires up structured logging and the process-wide
// Prometheus registry shared by the manager and collector binaries.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for both the manager and
// collector REST services.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "shadowbox",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// SupervisorRestartsTotal counts child-process respawns by supervised
// process name ("proxy" or "scraper"). An unobserved respawn loop is an
// operational blind spot, so every restart increments this even though
// spec.md never names the metric explicitly.
var SupervisorRestartsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shadowbox",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total number of times a supervised child process was respawned.",
	},
	[]string{"process"},
)

// EnforcementTickDuration tracks how long each access-key limit enforcement
// pass takes (scraper query + YAML rewrite + SIGHUP).
var EnforcementTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "shadowbox",
		Subsystem: "accesskey",
		Name:      "enforcement_tick_duration_seconds",
		Help:      "Duration of each access-key limit enforcement tick.",
		Buckets:   prometheus.DefBuckets,
	},
)

// PublisherReportsTotal counts publisher POSTs by report kind and outcome.
var PublisherReportsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shadowbox",
		Subsystem: "publisher",
		Name:      "reports_total",
		Help:      "Total number of metrics reports published, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// CollectorIngestsTotal counts collector POSTs by report kind and outcome
// ("inserted", "validation_error", "insert_error").
var CollectorIngestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shadowbox",
		Subsystem: "collector",
		Name:      "ingests_total",
		Help:      "Total number of metrics reports received by the collector, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// All returns the Shadowbox-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		SupervisorRestartsTotal,
		EnforcementTickDuration,
		PublisherReportsTotal,
		CollectorIngestsTotal,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors and
// any additional collectors passed as arguments.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
