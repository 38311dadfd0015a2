// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the bridge and the orchestrator.
package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/guardkit/agentbridge/commbus"
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_runs_total",
			Help: "Total number of orchestrator invocations by outcome",
		},
		[]string{"pipeline", "status"}, // status: completed, suspended, failed
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_run_duration_seconds",
			Help:    "Duration of a single orchestrator invocation in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// PHASE METRICS
// =============================================================================

var (
	phaseExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_phase_executions_total",
			Help: "Total number of phase executions",
		},
		[]string{"pipeline", "phase", "status"}, // status: committed, suspended, error
	)

	phaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_phase_duration_seconds",
			Help:    "Phase execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pipeline", "phase"},
	)
)

// =============================================================================
// BRIDGE METRICS
// =============================================================================

var (
	agentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_agent_requests_total",
			Help: "Total number of request envelopes written",
		},
		[]string{"agent"},
	)

	responseLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_response_loads_total",
			Help: "Total number of response load attempts by result",
		},
		[]string{"result"}, // result: success, error, timeout, missing, malformed, invalid_type, stale
	)
)

// =============================================================================
// LIFECYCLE METRICS
// =============================================================================

var lifecycleEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentbridge_lifecycle_events_total",
		Help: "Total number of lifecycle events published on the bus",
	},
	[]string{"event"},
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRun records the outcome of one orchestrator invocation.
func RecordRun(pipeline string, status string, durationMS int) {
	runsTotal.WithLabelValues(pipeline, status).Inc()
	runDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RecordPhaseExecution records one phase execution.
func RecordPhaseExecution(pipeline, phase, status string, durationMS int) {
	phaseExecutionsTotal.WithLabelValues(pipeline, phase, status).Inc()
	phaseDurationSeconds.WithLabelValues(pipeline, phase).Observe(float64(durationMS) / 1000.0)
}

// RecordAgentRequest records a written request envelope.
func RecordAgentRequest(agent string) {
	agentRequestsTotal.WithLabelValues(agent).Inc()
}

// RecordResponseLoad records one response load attempt.
func RecordResponseLoad(result string) {
	responseLoadsTotal.WithLabelValues(result).Inc()
}

// LifecycleSubscriber counts every event it receives.
// Register it with commbus.Bus.SubscribeAll.
func LifecycleSubscriber(ctx context.Context, event commbus.Event) error {
	lifecycleEventsTotal.WithLabelValues(event.EventName()).Inc()
	return nil
}

// WriteTextfile writes the default registry in the node_exporter textfile
// format. Short-lived CLI processes use this instead of a scrape endpoint.
func WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
