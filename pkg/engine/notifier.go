package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// FailurePublisher forwards a failure report onto a message feed. Satisfied
// by the store feed's failure topic publisher.
type FailurePublisher interface {
	PublishFailure(report FailureReport) error
}

// LogNotifier records failure reports in the structured log. It is the
// always-on fallback sink.
type LogNotifier struct {
	logger *telemetry.Logger
}

// NewLogNotifier returns a notifier that writes reports to the log.
func NewLogNotifier(logger *telemetry.Logger) *LogNotifier {
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	return &LogNotifier{logger: logger.NewComponentLogger("notifier")}
}

// Notify logs the failure with its full attribution fields.
func (n *LogNotifier) Notify(_ context.Context, report FailureReport) error {
	n.logger.
		WithEnclaveID(report.EnclaveID).
		WithField("execution_name", report.ExecutionName).
		WithAction(string(report.Action)).
		WithField("error_type", report.ErrorType).
		Errorf("enclave workflow failed: %s", UnwrapErrorMessage(report.ErrorMessage))
	return nil
}

// FeedNotifier publishes failure reports onto the error topic for external
// consumers (alerting, dashboards).
type FeedNotifier struct {
	pub FailurePublisher
}

// NewFeedNotifier returns a notifier backed by a failure publisher.
func NewFeedNotifier(pub FailurePublisher) *FeedNotifier {
	return &FeedNotifier{pub: pub}
}

// Notify publishes the report. The error message is normalized first so
// consumers see the human-readable diagnostic rather than a nested payload.
func (n *FeedNotifier) Notify(_ context.Context, report FailureReport) error {
	report.ErrorMessage = UnwrapErrorMessage(report.ErrorMessage)
	return n.pub.PublishFailure(report)
}

// MultiNotifier fans a report out to several sinks. Every sink is attempted
// regardless of earlier failures; the errors are joined.
type MultiNotifier []Notifier

// Notify delivers the report to every sink.
func (m MultiNotifier) Notify(ctx context.Context, report FailureReport) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnwrapErrorMessage digs a human-readable diagnostic out of an error
// message that may itself be a JSON payload. Sandbox and workflow runtimes
// sometimes wrap the real message in nested Cause/errorMessage envelopes;
// plain strings pass through unchanged.
func UnwrapErrorMessage(raw string) string {
	msg := strings.TrimSpace(raw)
	for i := 0; i < 4; i++ {
		if !strings.HasPrefix(msg, "{") {
			return msg
		}

		var envelope struct {
			ErrorMessage string `json:"errorMessage"`
			Cause        string `json:"Cause"`
			Error        string `json:"Error"`
		}
		if err := json.Unmarshal([]byte(msg), &envelope); err != nil {
			return msg
		}

		switch {
		case envelope.ErrorMessage != "":
			msg = strings.TrimSpace(envelope.ErrorMessage)
		case envelope.Cause != "":
			msg = strings.TrimSpace(envelope.Cause)
		case envelope.Error != "":
			msg = strings.TrimSpace(envelope.Error)
		default:
			return msg
		}
	}
	return msg
}
