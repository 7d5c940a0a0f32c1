package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec

	// Validation metrics
	validationChecks   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec

	// Sandbox metrics
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec

	// Dispatcher metrics
	changeEvents *prometheus.CounterVec

	// Error metrics
	errorsByClass     *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec

	// System metrics
	activeWorkflows prometheus.Gauge
	stuckRequests   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflow instances dispatched",
			},
			[]string{"action"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflow instances completed",
			},
			[]string{"action", "outcome"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "outcome"},
		),

		validationChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_checks_total",
				Help:      "Total number of validation verdicts",
			},
			[]string{"action", "result"},
		),
		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_duration_seconds",
				Help:      "Duration of validation calls in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		sandboxRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_runs_total",
				Help:      "Total number of sandbox task runs by terminal run-state",
			},
			[]string{"action", "run_state"},
		),
		sandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_run_duration_seconds",
				Help:      "Duration of sandbox task runs in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		changeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_events_total",
				Help:      "Total number of change feed notifications by dispatch decision",
			},
			[]string{"kind", "decision"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of workflow errors by error class",
			},
			[]string{"class"},
		),
		notificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_notifications_total",
				Help:      "Total number of failure notifications by outcome",
			},
			[]string{"outcome"},
		),

		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of in-flight workflow instances",
			},
		),
		stuckRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stuck_requests",
				Help:      "Requests sitting in a non-terminal status beyond the expected duration",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowDuration,
		m.validationChecks,
		m.validationDuration,
		m.sandboxRuns,
		m.sandboxDuration,
		m.changeEvents,
		m.errorsByClass,
		m.notificationsSent,
		m.activeWorkflows,
		m.stuckRequests,
	)

	return m, nil
}

// RecordWorkflowStarted increments the counter for dispatched workflows.
func (m *Metrics) RecordWorkflowStarted(action string) {
	if m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(action).Inc()
	m.activeWorkflows.Inc()
}

// RecordWorkflowCompleted records a finished workflow with its outcome.
func (m *Metrics) RecordWorkflowCompleted(action, outcome string, duration time.Duration) {
	if m.workflowsCompleted == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(action, outcome).Inc()
	m.workflowDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
	m.activeWorkflows.Dec()
}

// RecordValidation records a validation verdict.
func (m *Metrics) RecordValidation(action string, valid bool, duration time.Duration) {
	if m.validationChecks == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.validationChecks.WithLabelValues(action, result).Inc()
	m.validationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordSandboxRun records a sandbox run's terminal run-state.
func (m *Metrics) RecordSandboxRun(action, runState string, duration time.Duration) {
	if m.sandboxRuns == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(action, runState).Inc()
	m.sandboxDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordChangeEvent records a change feed notification and what the
// dispatcher decided to do with it (started, dropped, duplicate, redelivered).
func (m *Metrics) RecordChangeEvent(kind, decision string) {
	if m.changeEvents == nil {
		return
	}
	m.changeEvents.WithLabelValues(kind, decision).Inc()
}

// RecordError records a workflow error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// RecordNotification records a failure notification outcome.
func (m *Metrics) RecordNotification(ok bool) {
	if m.notificationsSent == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "sent"
	}
	m.notificationsSent.WithLabelValues(outcome).Inc()
}

// SetStuckRequests sets the stuck-request gauge for a status.
func (m *Metrics) SetStuckRequests(status string, count float64) {
	if m.stuckRequests == nil {
		return
	}
	m.stuckRequests.WithLabelValues(status).Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
