// Package metrics provides Prometheus metrics for the fluxline service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fluxline",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fluxline",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts task node executions by terminal status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "engine",
			Name:      "nodes_total",
			Help:      "Total number of task nodes executed by status",
		},
		[]string{"status"}, // "success", "failed", "cancelled"
	)

	// NodeDuration tracks task node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fluxline",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Task node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// NodeRetries tracks retry attempts per node.
	NodeRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fluxline",
			Subsystem: "orchestrator",
			Name:      "node_retries",
			Help:      "Number of retry attempts per node",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// RoutingDecisions counts routing outcomes by selected worker class.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Total number of routing decisions by worker class",
		},
		[]string{"class"},
	)

	// Escalations counts worker class escalations.
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "router",
			Name:      "escalations_total",
			Help:      "Total number of worker class escalations",
		},
		[]string{"from", "to"},
	)

	// BudgetVetoes counts routing escalations blocked by the budget.
	BudgetVetoes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "router",
			Name:      "budget_vetoes_total",
			Help:      "Total number of escalations vetoed by budget constraints",
		},
	)

	// GateEvaluations counts quality gate evaluations by outcome.
	GateEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "gates",
			Name:      "evaluations_total",
			Help:      "Total number of quality gate evaluations",
		},
		[]string{"outcome"}, // "passed", "failed"
	)

	// RepairAttempts counts auto-repair dispatches.
	RepairAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "gates",
			Name:      "repair_attempts_total",
			Help:      "Total number of auto-repair attempts dispatched",
		},
	)

	// QueueJobs counts jobs submitted to the work queue by queue name.
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of jobs submitted by queue",
		},
		[]string{"queue"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fluxline",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fluxline",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of currently open SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fluxline",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// StoreOperations counts run store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxline",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of run store operations",
		},
		[]string{"operation", "result"}, // operation: create, save, get; result: success, error
	)
)
