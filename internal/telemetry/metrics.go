package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "opdtoken",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TokensAllocatedTotal counts successful allocations by method
// (direct, preemption, capacity_override, department_smart).
var TokensAllocatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "allocation",
		Name:      "tokens_allocated_total",
		Help:      "Total number of tokens allocated, by allocation method.",
	},
	[]string{"method", "source"},
)

// AllocationFailuresTotal counts allocation failures by error kind.
var AllocationFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "allocation",
		Name:      "failures_total",
		Help:      "Total number of allocation failures, by error kind.",
	},
	[]string{"kind"},
)

// PreemptionsTotal counts emergency preemptions of lower-priority tokens.
var PreemptionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "allocation",
		Name:      "preemptions_total",
		Help:      "Total number of tokens preempted by an incoming emergency.",
	},
)

// ReallocationDuration tracks how long displaced-token reallocation takes.
var ReallocationDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "opdtoken",
		Subsystem: "allocation",
		Name:      "reallocation_duration_seconds",
		Help:      "Time to find and move a displaced token to a new slot.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
)

// SlotCapacityRatio is a gauge for a slot's current allocation ratio. It is
// registered by All(); no code path in this module sets it.
var SlotCapacityRatio = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "opdtoken",
		Subsystem: "capacity",
		Name:      "slot_capacity_ratio",
		Help:      "currentAllocation / maxCapacity for the most recently touched slots.",
	},
	[]string{"doctor_id"},
)

// ReserveContentionTotal counts reserve attempts that lost the optimistic
// conditional-update race and had to retry.
var ReserveContentionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "capacity",
		Name:      "reserve_contention_total",
		Help:      "Total number of reserve attempts that retried after losing a race.",
	},
)

// StaleReallocationsRoutedTotal counts pending_reallocation tokens routed to
// the dead-letter stream by the sweeper.
var StaleReallocationsRoutedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "sweeper",
		Name:      "stale_reallocations_routed_total",
		Help:      "Total number of stale pending_reallocation tokens routed to the dead-letter stream.",
	},
)

// SlotsGeneratedTotal counts slots materialized by the midnight generator.
var SlotsGeneratedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "opdtoken",
		Subsystem: "sweeper",
		Name:      "slots_generated_total",
		Help:      "Total number of slots materialized by generateForDate.",
	},
)

// All returns all opdtoken-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TokensAllocatedTotal,
		AllocationFailuresTotal,
		PreemptionsTotal,
		ReallocationDuration,
		SlotCapacityRatio,
		ReserveContentionTotal,
		StaleReallocationsRoutedTotal,
		SlotsGeneratedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
