package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

func intPtr(i int) *int { return &i }

// fakeStore records every field update applied to it.
type fakeStore struct {
	mu      sync.Mutex
	updates []FieldUpdate
	failOn  Status
}

func (s *fakeStore) Get(_ context.Context, id string) (*Request, error) {
	return nil, errors.New("not found")
}

func (s *fakeStore) UpdateFields(_ context.Context, _ string, update FieldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.Status != nil && s.failOn != "" && *update.Status == s.failOn {
		return errors.New("store unavailable")
	}
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeStore) ListStale(_ context.Context, _ []Status, _ time.Time) ([]*Request, error) {
	return nil, nil
}

func (s *fakeStore) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, u := range s.updates {
		if u.Status != nil {
			out = append(out, *u.Status)
		}
	}
	return out
}

func (s *fakeStore) lastFailure() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		u := s.updates[i]
		if u.Status != nil && *u.Status == StatusFailed {
			msg, typ := "", ""
			if u.ErrorMessage != nil {
				msg = *u.ErrorMessage
			}
			if u.ErrorType != nil {
				typ = *u.ErrorType
			}
			return msg, typ
		}
	}
	return "", ""
}

// validatorCall scripts one validator attempt.
type validatorCall struct {
	result ValidationResult
	err    error
}

type fakeValidator struct {
	mu    sync.Mutex
	calls []validatorCall
	seen  int
}

func (v *fakeValidator) Validate(_ context.Context, _ string, _ Action, _ json.RawMessage) (ValidationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	call := v.calls[len(v.calls)-1]
	if v.seen < len(v.calls) {
		call = v.calls[v.seen]
	}
	v.seen++
	return call.result, call.err
}

func (v *fakeValidator) attempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen
}

type fakeSandbox struct {
	mu       sync.Mutex
	result   SandboxResult
	err      error
	runs     int
	blocking bool
}

func (s *fakeSandbox) Run(ctx context.Context, _ SandboxTask) (SandboxResult, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.blocking {
		<-ctx.Done()
		return SandboxResult{RunState: RunStateKilled}, ctx.Err()
	}
	return s.result, s.err
}

func (s *fakeSandbox) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type fakeNotifier struct {
	mu      sync.Mutex
	reports []FailureReport
	err     error
}

func (n *fakeNotifier) Notify(_ context.Context, report FailureReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reports)
}

type workflowHarness struct {
	store     *fakeStore
	validator *fakeValidator
	sandbox   *fakeSandbox
	notifier  *fakeNotifier
	workflow  *Workflow
	sleeps    []time.Duration
}

func newWorkflowHarness(t *testing.T, cfg WorkflowConfig) *workflowHarness {
	t.Helper()

	h := &workflowHarness{
		store: &fakeStore{},
		validator: &fakeValidator{
			calls: []validatorCall{{result: ValidationResult{Valid: true}}},
		},
		sandbox:  &fakeSandbox{result: SandboxResult{RunState: RunStateStopped, ExitCode: intPtr(0)}},
		notifier: &fakeNotifier{},
	}
	h.workflow = NewWorkflow(h.store, h.validator, h.sandbox, h.notifier, cfg, nil, nil, nil)
	h.workflow.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func testInstance(action Action) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:            "inst-1",
		EnclaveID:     "enclave-1",
		Action:        action,
		ExecutionName: ExecutionName("enclave-1", action, now),
		Input:         json.RawMessage(`{"instance_type":"m5.large"}`),
		StartedAt:     now,
	}
}

func TestWorkflowDeploySuccess(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []Status{StatusDeploying, StatusDeployed}
	got := h.store.statuses()
	if len(got) != len(want) {
		t.Fatalf("expected status writes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status write %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if h.notifier.count() != 0 {
		t.Errorf("expected no failure notifications, got %d", h.notifier.count())
	}
}

func TestWorkflowRunsStepsUnderTracing(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "orchestrator-test", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.workflow = NewWorkflow(h.store, h.validator, h.sandbox, h.notifier, DefaultWorkflowConfig(), nil, nil, tracer)

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := h.store.statuses(); len(got) != 2 || got[1] != StatusDeployed {
		t.Fatalf("expected traced deploy to reach DEPLOYED, got %v", got)
	}

	// The failed path runs MarkFailed and NotifyError under spans too.
	h.sandbox.result = SandboxResult{RunState: RunStateStopped, ExitCode: intPtr(2)}
	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err == nil {
		t.Fatal("expected traced failed deploy to return an error")
	}
	if h.notifier.count() != 1 {
		t.Errorf("expected one failure notification, got %d", h.notifier.count())
	}
}

func TestWorkflowDestroySuccess(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDestroy)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got := h.store.statuses()
	if len(got) != 2 || got[0] != StatusDestroying || got[1] != StatusDestroyed {
		t.Fatalf("expected [DESTROYING DESTROYED], got %v", got)
	}
}

func TestWorkflowInvalidRequestFails(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.validator.calls = []validatorCall{
		{result: ValidationResult{Valid: false, Message: "cpu_count exceeds maximum"}},
	}

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation error class, got %v", err)
	}

	if h.sandbox.runCount() != 0 {
		t.Error("sandbox must not run for an invalid request")
	}

	got := h.store.statuses()
	if len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected only FAILED write, got %v", got)
	}

	msg, typ := h.store.lastFailure()
	if msg != "cpu_count exceeds maximum" {
		t.Errorf("expected validator message on record, got %q", msg)
	}
	if typ != "ValidationError" {
		t.Errorf("expected ValidationError type, got %q", typ)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected 1 failure notification, got %d", h.notifier.count())
	}
}

func TestWorkflowValidatorRetriesTransientErrors(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.validator.calls = []validatorCall{
		{err: NewTransientError("validator timeout", nil)},
		{err: NewThrottledError("rate limited", nil)},
		{result: ValidationResult{Valid: true}},
	}

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if h.validator.attempts() != 3 {
		t.Fatalf("expected 3 validator attempts, got %d", h.validator.attempts())
	}

	// Backoff is 5s then 10s with the default base and 2.0 multiplier.
	if len(h.sleeps) != 2 || h.sleeps[0] != 5*time.Second || h.sleeps[1] != 10*time.Second {
		t.Errorf("expected backoffs [5s 10s], got %v", h.sleeps)
	}
}

func TestWorkflowValidatorRetryExhaustionFailsClosed(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.validator.calls = []validatorCall{
		{err: NewTransientError("validator timeout", nil)},
	}

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure after retry exhaustion")
	}

	if h.validator.attempts() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", h.validator.attempts())
	}
	if h.sandbox.runCount() != 0 {
		t.Error("sandbox must not run when validation never succeeded")
	}

	got := h.store.statuses()
	if len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected only FAILED write, got %v", got)
	}
}

func TestWorkflowValidatorPermanentErrorDoesNotRetry(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.validator.calls = []validatorCall{
		{err: NewPermanentError("schema registry corrupt", nil)},
	}

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err == nil {
		t.Fatal("expected workflow failure")
	}

	if h.validator.attempts() != 1 {
		t.Fatalf("expected 1 attempt for a permanent error, got %d", h.validator.attempts())
	}
	if len(h.sleeps) != 0 {
		t.Errorf("expected no backoff sleeps, got %v", h.sleeps)
	}
}

func TestWorkflowSandboxLaunchFailure(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.sandbox.result = SandboxResult{}
	h.sandbox.err = NewPermanentError("image pull failed", nil)

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure")
	}

	got := h.store.statuses()
	if len(got) != 2 || got[0] != StatusDeploying || got[1] != StatusFailed {
		t.Fatalf("expected [DEPLOYING FAILED], got %v", got)
	}

	_, typ := h.store.lastFailure()
	if typ != "SandboxExecutionError" {
		t.Errorf("expected SandboxExecutionError type, got %q", typ)
	}
}

func TestWorkflowRejectsNonStoppedRunState(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.sandbox.result = SandboxResult{RunState: RunStateKilled}

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure")
	}

	msg, _ := h.store.lastFailure()
	if !strings.Contains(msg, `state "killed"`) {
		t.Errorf("expected run-state diagnostic, got %q", msg)
	}
}

func TestWorkflowRejectsNonZeroExitCode(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.sandbox.result = SandboxResult{RunState: RunStateStopped, ExitCode: intPtr(1)}

	err := h.workflow.Execute(context.Background(), testInstance(ActionDestroy))
	if err == nil {
		t.Fatal("expected workflow failure")
	}

	got := h.store.statuses()
	if len(got) != 2 || got[0] != StatusDestroying || got[1] != StatusFailed {
		t.Fatalf("expected [DESTROYING FAILED], got %v", got)
	}

	msg, _ := h.store.lastFailure()
	if !strings.Contains(msg, "exited with code 1") {
		t.Errorf("expected exit-code diagnostic, got %q", msg)
	}
}

func TestWorkflowRejectsMissingExitCode(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.sandbox.result = SandboxResult{RunState: RunStateStopped}

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err == nil {
		t.Fatal("expected workflow failure for missing exit code")
	}

	got := h.store.statuses()
	if got[len(got)-1] != StatusFailed {
		t.Fatalf("expected terminal FAILED, got %v", got)
	}
}

func TestWorkflowNotifierFailureIsTerminal(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.validator.calls = []validatorCall{
		{result: ValidationResult{Valid: false, Message: "bad config"}},
	}
	h.notifier.err = errors.New("notification sink down")

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure")
	}

	// The record stays FAILED and the notifier error does not re-enter the
	// workflow or change its outcome.
	got := h.store.statuses()
	if len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected single FAILED write, got %v", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected 1 notification attempt, got %d", h.notifier.count())
	}
}

func TestWorkflowTimeoutForcesFailure(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	cfg.DeployTimeout = 50 * time.Millisecond
	h := newWorkflowHarness(t, cfg)
	h.sandbox.blocking = true

	err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy))
	if err == nil {
		t.Fatal("expected workflow failure on timeout")
	}

	// The FAILED write runs on a detached context, so it lands even though
	// the workflow budget is spent.
	got := h.store.statuses()
	if len(got) != 2 || got[0] != StatusDeploying || got[1] != StatusFailed {
		t.Fatalf("expected [DEPLOYING FAILED], got %v", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected failure notification on timeout, got %d", h.notifier.count())
	}
}

func TestWorkflowMarkInProgressFailureSkipsSandbox(t *testing.T) {
	h := newWorkflowHarness(t, DefaultWorkflowConfig())
	h.store.failOn = StatusDeploying

	if err := h.workflow.Execute(context.Background(), testInstance(ActionDeploy)); err == nil {
		t.Fatal("expected workflow failure")
	}

	if h.sandbox.runCount() != 0 {
		t.Error("sandbox must not run when the commit-point write failed")
	}

	got := h.store.statuses()
	if len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("expected only FAILED write, got %v", got)
	}
}

// TestNextStepTransitions checks the state machine shape: success runs the
// straight-line path, and every mid-flight failure funnels through
// MarkFailed then NotifyError.
func TestNextStepTransitions(t *testing.T) {
	clean := &stepState{validation: ValidationResult{Valid: true}}

	successPath := []StepName{
		StepValidateRequest, StepCheckValidation, StepMarkInProgress,
		StepRunSandboxTask, StepCheckTaskResult, StepCheckExitCode,
		StepMarkTerminalSuccess, StepEnd,
	}
	step := successPath[0]
	for i := 1; i < len(successPath); i++ {
		step = nextStep(step, clean)
		if step != successPath[i] {
			t.Fatalf("success path step %d: expected %s, got %s", i, successPath[i], step)
		}
	}

	failed := &stepState{}
	failed.fail("boom", "TestError", ErrorClassPermanent)
	for _, from := range []StepName{
		StepValidateRequest, StepCheckValidation, StepMarkInProgress,
		StepRunSandboxTask, StepCheckTaskResult, StepCheckExitCode,
		StepMarkTerminalSuccess,
	} {
		if got := nextStep(from, failed); got != StepMarkFailed {
			t.Errorf("failure from %s: expected MarkFailed, got %s", from, got)
		}
	}
	if got := nextStep(StepMarkFailed, failed); got != StepNotifyError {
		t.Errorf("expected MarkFailed to route to NotifyError, got %s", got)
	}
	if got := nextStep(StepNotifyError, failed); got != StepEnd {
		t.Errorf("expected NotifyError to be terminal, got %s", got)
	}
}

func TestExecutionNameFormat(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	got := ExecutionName("enclave-42", ActionDestroy, ts)
	want := "enclave-42-destroy-1700000000"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
