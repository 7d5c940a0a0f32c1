package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block the request.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the request.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the request and demand
	// immediate attention.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// EnclaveID is the request that violated the policy.
	EnclaveID string `json:"enclave_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Blocking reports whether this violation denies the request.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// Result represents the outcome of evaluating all policies for one request.
type Result struct {
	// Allowed indicates whether the request may proceed. False when any
	// violation is at error or critical severity.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the request
	// (for example a policy that failed to evaluate).
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// BlockingMessages returns the messages of all blocking violations.
func (r *Result) BlockingMessages() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Blocking() {
			out = append(out, v.Message)
		}
	}
	return out
}

// Input is the document handed to every policy under the "input" root.
type Input struct {
	// EnclaveID identifies the request.
	EnclaveID string `json:"enclave_id"`

	// Action is the workflow action being validated (deploy, destroy).
	Action string `json:"action"`

	// Configuration is the request's configuration payload.
	Configuration json.RawMessage `json:"configuration"`

	// WalletAddress is the request owner.
	WalletAddress string `json:"wallet_address,omitempty"`

	// Context provides deployment-environment context.
	Context *Context `json:"context"`
}

// Context provides evaluation context for policies.
type Context struct {
	// Environment is the deployment environment (development, staging,
	// production).
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed.
	Operation string `json:"operation,omitempty"`
}
