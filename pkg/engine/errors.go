package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// failure-routing logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary infrastructure failure that
	// may succeed on retry. Examples: store unavailability, network timeouts
	// while calling the validator.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with exponential backoff like transient errors.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassValidation indicates the request configuration was rejected.
	// Never retried; the workflow goes straight to FAILED.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: sandbox launch failure, nonzero apply exit code.
	ErrorClassPermanent ErrorClass = "permanent"
)

// WorkflowError represents a classified error with enclave context.
type WorkflowError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// EnclaveID is the enclave that caused the error, if applicable.
	EnclaveID string `json:"enclave_id,omitempty"`

	// Step is the workflow step being executed when the error occurred.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.EnclaveID != "" && e.Step != "" {
		return fmt.Sprintf("[%s] %s (enclave=%s, step=%s): %s",
			e.Class, e.Message, e.EnclaveID, e.Step, e.unwrapMessage())
	}
	if e.EnclaveID != "" {
		return fmt.Sprintf("[%s] %s (enclave=%s): %s",
			e.Class, e.Message, e.EnclaveID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithEnclave adds enclave context to an error.
func (e *WorkflowError) WithEnclave(enclaveID string) *WorkflowError {
	e.EnclaveID = enclaveID
	return e
}

// WithStep adds workflow step context to an error.
func (e *WorkflowError) WithStep(step string) *WorkflowError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *WorkflowError) WithCode(code string) *WorkflowError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried within a workflow
// attempt. Only transient and throttled errors qualify; validation and
// permanent errors route straight to the failed path.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// classOf returns the error class of err, defaulting to permanent for
// unclassified errors so that unknown failures never loop.
func classOf(err error) ErrorClass {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeSandboxLaunch   = "SANDBOX_LAUNCH_FAILED"
	ErrCodeSandboxRunState = "SANDBOX_BAD_RUN_STATE"
	ErrCodeSandboxExit     = "SANDBOX_NONZERO_EXIT"
	ErrCodeStoreUpdate     = "STORE_UPDATE_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
