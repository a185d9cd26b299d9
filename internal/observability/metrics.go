package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool invocation counts and latencies by tool and outcome
//   - Policy and guard rejections by reason
//   - Circuit breaker state transitions
//   - Runner job lifecycle and output volume
type Metrics struct {
	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, status (ok|envelope_error|schema_error|policy_error|guard_error|handler_error|timeout)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolInvocationDuration *prometheus.HistogramVec

	// PolicyRejectionCounter counts policy rejections.
	// Labels: tool, code (RATE_LIMIT|PAYLOAD_TOO_LARGE|PATH_TRAVERSAL|CMD_NOT_ALLOWED|NO_POLICY)
	PolicyRejectionCounter *prometheus.CounterVec

	// GuardRejectionCounter counts guard rejections.
	// Labels: reason (recursion_depth|concurrency|memory_pressure|circuit_open)
	GuardRejectionCounter *prometheus.CounterVec

	// BreakerState is 1 when the circuit breaker is open, 0 when closed.
	BreakerState prometheus.Gauge

	// JobsByStatus counts job terminal transitions.
	// Labels: status (done|failed|timeout|killed)
	JobsByStatus *prometheus.CounterVec

	// JobDuration measures job wall-clock time in seconds.
	// Labels: lang
	// Buckets: 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 120s, 300s
	JobDuration *prometheus.HistogramVec

	// JobOutputBytes counts job output bytes persisted, by stream.
	// Labels: stream (stdout|stderr)
	JobOutputBytes *prometheus.CounterVec

	// JobOutputTruncated counts jobs whose output exceeded its byte budget.
	JobOutputTruncated prometheus.Counter

	// ActiveJobs is a gauge tracking currently running jobs.
	ActiveJobs prometheus.Gauge

	// LiveSubscribers is a gauge tracking attached log subscribers.
	LiveSubscribers prometheus.Gauge

	// SweepDuration measures maintenance sweep time in seconds.
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registerer.
// Passing nil registers with the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_tool_invocations_total",
				Help: "Total tool invocations by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crucible_tool_invocation_duration_seconds",
				Help:    "Tool execution duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PolicyRejectionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_policy_rejections_total",
				Help: "Policy rejections by tool and code.",
			},
			[]string{"tool", "code"},
		),
		GuardRejectionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_guard_rejections_total",
				Help: "Guard rejections by reason.",
			},
			[]string{"reason"},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crucible_breaker_open",
				Help: "1 when the execution circuit breaker is open.",
			},
		),
		JobsByStatus: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_jobs_total",
				Help: "Job terminal transitions by status.",
			},
			[]string{"status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crucible_job_duration_seconds",
				Help:    "Job wall-clock duration in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"lang"},
		),
		JobOutputBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_job_output_bytes_total",
				Help: "Job output bytes persisted by stream.",
			},
			[]string{"stream"},
		),
		JobOutputTruncated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_job_output_truncated_total",
				Help: "Jobs whose output exceeded the byte budget.",
			},
		),
		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crucible_active_jobs",
				Help: "Currently running jobs.",
			},
		),
		LiveSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crucible_live_subscribers",
				Help: "Currently attached job log subscribers.",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_sweep_duration_seconds",
				Help:    "Maintenance sweep duration in seconds.",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
			},
		),
	}
}
