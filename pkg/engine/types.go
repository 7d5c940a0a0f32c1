package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle status of an enclave request. The status
// field on the request record is the single source of truth for what
// action, if any, is in flight.
type Status string

const (
	// StatusPendingDeploy is set externally to request a deployment.
	StatusPendingDeploy Status = "PENDING_DEPLOY"

	// StatusDeploying means a deploy workflow owns the record.
	StatusDeploying Status = "DEPLOYING"

	// StatusDeployed is the terminal state of a successful deploy.
	StatusDeployed Status = "DEPLOYED"

	// StatusPendingDestroy is set externally to request a teardown.
	StatusPendingDestroy Status = "PENDING_DESTROY"

	// StatusDestroying means a destroy workflow owns the record.
	StatusDestroying Status = "DESTROYING"

	// StatusDestroyed is the terminal state of a successful teardown.
	StatusDestroyed Status = "DESTROYED"

	// StatusFailed is the terminal state of any failed workflow. Retry is a
	// user-initiated action: resetting the record back to a PENDING_* status.
	StatusFailed Status = "FAILED"

	// StatusPausing and StatusResuming are transitional states advanced only
	// by the reconciler sweep, never by a workflow instance.
	StatusPausing  Status = "PAUSING"
	StatusPaused   Status = "PAUSED"
	StatusResuming Status = "RESUMING"
)

// IsTerminal reports whether no further automatic transition occurs from
// this status without external intervention.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDeployed, StatusDestroyed, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// IsPending reports whether this status requests a new workflow dispatch.
func (s Status) IsPending() bool {
	return s == StatusPendingDeploy || s == StatusPendingDestroy
}

// Action is the workflow action derived from a pending status.
type Action string

const (
	// ActionDeploy provisions the enclave's infrastructure.
	ActionDeploy Action = "deploy"

	// ActionDestroy tears the enclave's infrastructure down.
	ActionDestroy Action = "destroy"

	// ActionPlan performs a dry-run inside the sandbox. Never dispatched by
	// the engine; exposed for the sandbox entrypoint and CLI tooling.
	ActionPlan Action = "plan"
)

// ActionForStatus maps a pending status to its workflow action.
func ActionForStatus(s Status) (Action, bool) {
	switch s {
	case StatusPendingDeploy:
		return ActionDeploy, true
	case StatusPendingDestroy:
		return ActionDestroy, true
	}
	return "", false
}

// InProgressStatus returns the status a workflow writes at its commit point.
func (a Action) InProgressStatus() Status {
	if a == ActionDestroy {
		return StatusDestroying
	}
	return StatusDeploying
}

// SuccessStatus returns the terminal status of a successful workflow.
func (a Action) SuccessStatus() Status {
	if a == ActionDestroy {
		return StatusDestroyed
	}
	return StatusDeployed
}

// Request is one row of the request store: the durable record describing an
// enclave and its desired state. The orchestrator interprets only the status
// field; the configuration payload is forwarded opaquely to the sandbox.
type Request struct {
	// ID is the opaque unique identifier, immutable, primary key.
	ID string `json:"id"`

	// Status drives dispatch. See the Status constants for the lifecycle.
	Status Status `json:"status"`

	// Configuration is the opaque structured payload (image reference,
	// resource sizing, network placement, health-check parameters).
	Configuration json.RawMessage `json:"configuration"`

	// WalletAddress is the owner identity, used for attribution only.
	WalletAddress string `json:"wallet_address,omitempty"`

	// ErrorMessage is set only when Status == FAILED.
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorType classifies the failure that produced ErrorMessage.
	ErrorType string `json:"error_type,omitempty"`

	// CreatedAt is when the record was inserted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is refreshed on every status transition and is monotonically
	// non-decreasing per record.
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeKind distinguishes the feed event types the dispatcher consumes.
type ChangeKind string

const (
	// ChangeInsert signals a newly created request record.
	ChangeInsert ChangeKind = "insert"

	// ChangeModify signals an update to an existing record.
	ChangeModify ChangeKind = "modify"
)

// ChangeEvent is one notification on the request store's change feed,
// carrying the new record image.
type ChangeEvent struct {
	ID       string     `json:"id"`
	Kind     ChangeKind `json:"kind"`
	NewImage Request    `json:"new_image"`
}

// Instance is one ephemeral execution of the deploy or destroy state
// machine for one enclave action. It is owned exclusively by the workflow
// engine, destroyed on terminal state, and never persisted beyond
// execution telemetry.
type Instance struct {
	// ID uniquely identifies this execution.
	ID string `json:"id"`

	// EnclaveID is the request record this instance operates on.
	EnclaveID string `json:"enclave_id"`

	// Action is deploy or destroy.
	Action Action `json:"action"`

	// ExecutionName is the human-readable execution identifier,
	// "{enclave_id}-{action}-{unix_ts}".
	ExecutionName string `json:"execution_name"`

	// Input is the configuration snapshot taken at dispatch time.
	Input json.RawMessage `json:"input"`

	// WalletAddress is carried for log attribution.
	WalletAddress string `json:"wallet_address,omitempty"`

	// AttemptCount counts validator attempts within this instance.
	AttemptCount int `json:"attempt_count"`

	// StartedAt is when the instance was dispatched.
	StartedAt time.Time `json:"started_at"`
}

// ExecutionName builds the canonical execution name for an instance.
func ExecutionName(enclaveID string, action Action, t time.Time) string {
	return fmt.Sprintf("%s-%s-%d", enclaveID, action, t.Unix())
}

// FieldUpdate describes a partial, unconditional overwrite of a request
// record. Nil fields are left untouched. The store refreshes updated_at on
// every applied update; last writer wins.
type FieldUpdate struct {
	Status       *Status
	ErrorMessage *string
	ErrorType    *string
}

// StatusUpdate builds a FieldUpdate that only moves the status.
func StatusUpdate(s Status) FieldUpdate {
	return FieldUpdate{Status: &s}
}

// FailureUpdate builds the FieldUpdate written by the MarkFailed step.
func FailureUpdate(message, errType string) FieldUpdate {
	s := StatusFailed
	return FieldUpdate{Status: &s, ErrorMessage: &message, ErrorType: &errType}
}

// FailureReport is the payload forwarded to the error notifier when a
// workflow terminates abnormally.
type FailureReport struct {
	EnclaveID     string    `json:"enclave_id"`
	ExecutionName string    `json:"workflow_execution_name"`
	Action        Action    `json:"action"`
	ErrorMessage  string    `json:"error_message"`
	ErrorType     string    `json:"error_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunState is the terminal run-state of a sandbox task.
type RunState string

const (
	// RunStateStopped means the sandbox ran its command to completion. This
	// is the only run-state the workflow accepts; the exit code then decides
	// success or failure.
	RunStateStopped RunState = "stopped"

	// RunStateFailed means the sandbox never reached execution.
	RunStateFailed RunState = "failed"

	// RunStateKilled means the sandbox was terminated externally, typically
	// by cancellation or the workflow wall-clock budget.
	RunStateKilled RunState = "killed"
)

// SandboxTask describes one infrastructure apply/destroy invocation.
type SandboxTask struct {
	Action        Action          `json:"action"`
	EnclaveID     string          `json:"enclave_id"`
	ExecutionName string          `json:"execution_name"`
	Configuration json.RawMessage `json:"configuration"`
	Placement     Placement       `json:"placement"`
}

// Placement carries the network and execution-environment identifiers the
// sandbox needs to place the enclave's resources.
type Placement struct {
	SubnetIDs        []string `json:"subnet_ids"`
	SecurityGroupIDs []string `json:"security_group_ids"`
	Environment      string   `json:"environment,omitempty"`
}

// SandboxResult is the terminal outcome of one sandbox run.
type SandboxResult struct {
	// RunState is how the run ended.
	RunState RunState `json:"run_state"`

	// ExitCode is the primary command's exit code. Nil when the command
	// never produced one (launch failure, external kill).
	ExitCode *int `json:"exit_code,omitempty"`

	// LogsRef points at the captured output, when available.
	LogsRef string `json:"logs_ref,omitempty"`
}

// ValidationResult is the validator capability's verdict on a request.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// InstanceState is the probed state of an enclave's underlying compute
// instance, consumed only by the reconciler's pause/resume/destroy sweep.
type InstanceState string

const (
	InstanceRunning    InstanceState = "running"
	InstanceStopping   InstanceState = "stopping"
	InstanceStopped    InstanceState = "stopped"
	InstancePending    InstanceState = "pending"
	InstanceTerminated InstanceState = "terminated"
	InstanceNotFound   InstanceState = "not_found"
)
