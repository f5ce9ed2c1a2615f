package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the admin/sidecar API.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetscale",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// AutoscalingGroupsManaged reports the number of groups currently tracked.
var AutoscalingGroupsManaged = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "autoscaling_groups_managed",
		Help: "Number of instance groups currently managed by the controller.",
	},
)

// JobCreateTotal counts jobs enqueued by the producer, by job type.
var JobCreateTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: "job",
		Name:      "create_total",
		Help:      "Total number of jobs created, by type.",
	},
	[]string{"type"},
)

// JobCreateFailureTotal counts failures to enqueue a job, by job type.
var JobCreateFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: "job",
		Name:      "create_failure_total",
		Help:      "Total number of job creation failures, by type.",
	},
	[]string{"type"},
)

// JobProcessTotal counts jobs dispatched and completed by a worker, by job type.
var JobProcessTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: "job",
		Name:      "process_total",
		Help:      "Total number of jobs processed, by type.",
	},
	[]string{"type"},
)

// JobProcessFailureTotal counts job handler errors, by job type.
var JobProcessFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: "job",
		Name:      "process_failure_total",
		Help:      "Total number of job processing failures, by type.",
	},
	[]string{"type"},
)

// QueueErrorTotal counts queue-level errors (dequeue/requeue failures).
var QueueErrorTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: "queue",
		Name:      "error_total",
		Help:      "Total number of queue errors.",
	},
)

// QueueStalledTotal counts jobs recovered from a dead worker's in-flight list.
var QueueStalledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: "queue",
		Name:      "stalled_total",
		Help:      "Total number of stalled jobs recovered and requeued.",
	},
)

// QueueWaiting reports the number of jobs currently waiting in the queue.
var QueueWaiting = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: "queue",
		Name:      "waiting",
		Help:      "Number of jobs currently waiting to be processed.",
	},
)

// SanityUntrackedInstances reports, per group, cloud-side instances the
// sanity loop found with no tracker entry.
var SanityUntrackedInstances = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetscale",
		Subsystem: "sanity",
		Name:      "untracked_instances",
		Help:      "Cloud instances observed with no corresponding tracker entry, by group.",
	},
	[]string{"group"},
)

// SanityStaleInstances reports, per group, tracked instances the sanity
// loop could not find on the cloud side.
var SanityStaleInstances = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetscale",
		Subsystem: "sanity",
		Name:      "stale_instances",
		Help:      "Tracked instances with no corresponding cloud-side instance, by group.",
	},
	[]string{"group"},
)

// All returns every fleetscale-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AutoscalingGroupsManaged,
		JobCreateTotal,
		JobCreateFailureTotal,
		JobProcessTotal,
		JobProcessFailureTotal,
		QueueErrorTotal,
		QueueStalledTotal,
		QueueWaiting,
		SanityUntrackedInstances,
		SanityStaleInstances,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors and
// every fleetscale metric registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
