package engine

import (
	"context"
	"encoding/json"
	"time"
)

// RequestStore is the durable key-value table holding one record per
// enclave. The engine consumes it; it does not build it. Updates are
// unconditional field overwrites: normal operation has at most one active
// workflow per id, so last writer wins (see the dispatcher's per-id lock).
type RequestStore interface {
	// Get retrieves a request record by id.
	Get(ctx context.Context, id string) (*Request, error)

	// UpdateFields applies a partial overwrite and refreshes updated_at.
	UpdateFields(ctx context.Context, id string, update FieldUpdate) error

	// ListStale returns records sitting in any of the given statuses whose
	// updated_at is older than the cutoff. Used by the reconciler.
	ListStale(ctx context.Context, statuses []Status, olderThan time.Time) ([]*Request, error)
}

// Validator checks a request's configuration against the schema and
// business-rule set before any resource action is taken. Implementations
// never mutate state and must fail closed: an internal error or timeout is
// reported as invalid by the workflow, never as valid.
type Validator interface {
	Validate(ctx context.Context, enclaveID string, action Action, configuration json.RawMessage) (ValidationResult, error)
}

// SandboxRunner launches the task execution sandbox for one enclave action
// and blocks until the run reaches a terminal run-state. A non-nil error
// means the sandbox could not be driven to a terminal state at all;
// unacceptable run-states and exit codes are reported in the result.
type SandboxRunner interface {
	Run(ctx context.Context, task SandboxTask) (SandboxResult, error)
}

// Notifier records or forwards failure details when a workflow terminates
// abnormally. It is fire-and-forget from the workflow's perspective: the
// engine logs notification errors locally and never re-enters the workflow
// because of them.
type Notifier interface {
	Notify(ctx context.Context, report FailureReport) error
}

// InstanceProber exposes the actual state of an enclave's compute instance
// to the reconciler. It is optional; without one the reconciler only flags
// stuck records and cannot advance pause/resume transitions.
type InstanceProber interface {
	// Probe returns the instance state for an enclave, or InstanceNotFound.
	Probe(ctx context.Context, enclaveID string) (InstanceState, error)

	// Stop requests a running instance to stop (pause flow).
	Stop(ctx context.Context, enclaveID string) error

	// Start requests a stopped instance to start (resume flow).
	Start(ctx context.Context, enclaveID string) error
}
