// Package telemetry provides observability instrumentation for the enclave
// orchestrator: structured logging (zerolog), Prometheus metrics, and
// OpenTelemetry tracing.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "enclave-orchestrator"
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, version, cfg.Environment)
//
// Component loggers carry a "component" field so dispatcher, workflow,
// validator, and reconciler logs can be separated downstream:
//
//	wfLog := logger.NewComponentLogger("workflow")
//	wfLog.WithEnclaveID("e1").Info("workflow dispatched")
package telemetry
