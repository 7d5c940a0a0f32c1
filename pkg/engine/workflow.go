package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// StepName identifies one state of the deploy/destroy state machine.
type StepName string

// Workflow steps. Deploy and destroy share the same shape; the actions
// differ only in which sandbox command is invoked and which statuses are
// written.
const (
	StepValidateRequest     StepName = "ValidateRequest"
	StepCheckValidation     StepName = "CheckValidation"
	StepMarkInProgress      StepName = "MarkInProgress"
	StepRunSandboxTask      StepName = "RunSandboxTask"
	StepCheckTaskResult     StepName = "CheckTaskResult"
	StepCheckExitCode       StepName = "CheckExitCode"
	StepMarkTerminalSuccess StepName = "MarkTerminalSuccess"
	StepMarkFailed          StepName = "MarkFailed"
	StepNotifyError         StepName = "NotifyError"
	StepEnd                 StepName = "End"
)

// failure captures the diagnostic of whichever step routed the workflow to
// the failed path.
type failure struct {
	message string
	errType string
	class   ErrorClass
}

// stepState is the data threaded between steps: the validator verdict, the
// sandbox outcome, and the pending failure, if any. It is owned by a single
// workflow instance and never shared.
type stepState struct {
	validation ValidationResult
	sandbox    *SandboxResult
	failure    *failure
}

func (st *stepState) fail(message, errType string, class ErrorClass) {
	if message == "" {
		message = "enclave workflow failed with no diagnostic"
	}
	st.failure = &failure{message: message, errType: errType, class: class}
}

// nextStep is the pure transition function of the state machine. All
// failure routing funnels through StepMarkFailed so error reporting is
// uniform regardless of which step failed.
func nextStep(current StepName, st *stepState) StepName {
	if st.failure != nil {
		switch current {
		case StepMarkFailed:
			return StepNotifyError
		case StepNotifyError:
			return StepEnd
		default:
			return StepMarkFailed
		}
	}

	switch current {
	case StepValidateRequest:
		return StepCheckValidation
	case StepCheckValidation:
		return StepMarkInProgress
	case StepMarkInProgress:
		return StepRunSandboxTask
	case StepRunSandboxTask:
		return StepCheckTaskResult
	case StepCheckTaskResult:
		return StepCheckExitCode
	case StepCheckExitCode:
		return StepMarkTerminalSuccess
	case StepMarkTerminalSuccess:
		return StepEnd
	case StepNotifyError:
		return StepEnd
	}
	return StepEnd
}

// WorkflowConfig tunes retry, backoff, and wall-clock budgets.
type WorkflowConfig struct {
	// DeployTimeout and DestroyTimeout bound a single instance's lifetime.
	// Exceeding the budget forces the failed path even if no individual step
	// has failed yet, so a hung sandbox cannot lock the record up forever.
	DeployTimeout  time.Duration
	DestroyTimeout time.Duration

	// ValidationAttempts bounds validator retries for transient
	// infrastructure errors. Validation verdicts are never retried.
	ValidationAttempts int

	// ValidationBackoffBase and ValidationBackoffMultiplier shape the
	// exponential backoff between validator attempts.
	ValidationBackoffBase       time.Duration
	ValidationBackoffMultiplier float64

	// TerminalWriteTimeout bounds the MarkFailed/NotifyError writes that run
	// after the workflow budget is already spent.
	TerminalWriteTimeout time.Duration

	// Placement carries the network and execution-environment identifiers
	// forwarded to every sandbox task.
	Placement Placement
}

// DefaultWorkflowConfig returns the stock retry and timeout settings.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		DeployTimeout:               60 * time.Minute,
		DestroyTimeout:              30 * time.Minute,
		ValidationAttempts:          3,
		ValidationBackoffBase:       5 * time.Second,
		ValidationBackoffMultiplier: 2.0,
		TerminalWriteTimeout:        30 * time.Second,
	}
}

// Workflow executes deploy and destroy state machines. One Workflow value
// serves all instances; each Execute call owns its own stepState, so
// concurrent executions do not contend beyond the request store.
type Workflow struct {
	store     RequestStore
	validator Validator
	sandbox   SandboxRunner
	notifier  Notifier
	cfg       WorkflowConfig

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// sleep is injectable so tests can skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorkflow wires a workflow executor from its capabilities. logger,
// metrics, and tracer may be nil.
func NewWorkflow(store RequestStore, validator Validator, sandbox SandboxRunner, notifier Notifier, cfg WorkflowConfig, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Workflow {
	if cfg.ValidationAttempts <= 0 {
		cfg.ValidationAttempts = 3
	}
	if cfg.ValidationBackoffBase <= 0 {
		cfg.ValidationBackoffBase = 5 * time.Second
	}
	if cfg.ValidationBackoffMultiplier <= 0 {
		cfg.ValidationBackoffMultiplier = 2.0
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 60 * time.Minute
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 30 * time.Minute
	}
	if cfg.TerminalWriteTimeout <= 0 {
		cfg.TerminalWriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}

	return &Workflow{
		store:     store,
		validator: validator,
		sandbox:   sandbox,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.NewComponentLogger("workflow"),
		metrics:   metrics,
		tracer:    tracer,
		sleep:     sleepContext,
	}
}

// Execute drives one instance from ValidateRequest to a terminal step and
// returns a non-nil error when the instance ended on the failed path. The
// request record's status is always reconciled before Execute returns.
func (w *Workflow) Execute(ctx context.Context, inst *Instance) error {
	timeout := w.cfg.DeployTimeout
	if inst.Action == ActionDestroy {
		timeout = w.cfg.DestroyTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := w.logger.
		WithEnclaveID(inst.EnclaveID).
		WithExecution(inst.ID, inst.ExecutionName).
		WithAction(string(inst.Action))

	var span trace.Span
	if w.tracer != nil {
		runCtx, span = w.tracer.StartWorkflowSpan(runCtx, inst.ID, inst.EnclaveID, string(inst.Action))
		defer span.End()
	}

	start := time.Now()
	w.metrics.RecordWorkflowStarted(string(inst.Action))
	log.Info("workflow started")

	st := &stepState{}
	for step := StepValidateRequest; step != StepEnd; step = nextStep(step, st) {
		w.runStep(runCtx, inst, step, st, log)
	}

	duration := time.Since(start)
	if st.failure != nil {
		w.metrics.RecordWorkflowCompleted(string(inst.Action), "failure", duration)
		w.metrics.RecordError(string(st.failure.class))
		log.WithField("error_type", st.failure.errType).
			Errorf("workflow failed: %s", st.failure.message)
		werr := &WorkflowError{
			Class:     st.failure.class,
			Message:   st.failure.message,
			EnclaveID: inst.EnclaveID,
		}
		if span != nil {
			telemetry.RecordError(span, werr)
		}
		return werr
	}

	w.metrics.RecordWorkflowCompleted(string(inst.Action), "success", duration)
	if span != nil {
		telemetry.RecordSuccess(span)
	}
	log.Infof("workflow succeeded in %s", duration.Round(time.Millisecond))
	return nil
}

// runStep performs the side effects of one step and records its outcome in
// the step state. Branch decisions live in nextStep, not here.
func (w *Workflow) runStep(ctx context.Context, inst *Instance, step StepName, st *stepState, log *telemetry.Logger) {
	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.StartStepSpan(ctx, string(step), inst.EnclaveID)
		defer span.End()
	}

	switch step {
	case StepValidateRequest:
		w.stepValidateRequest(ctx, inst, st, log)
	case StepCheckValidation:
		w.stepCheckValidation(inst, st, log)
	case StepMarkInProgress:
		w.stepMarkInProgress(ctx, inst, st, log)
	case StepRunSandboxTask:
		w.stepRunSandboxTask(ctx, inst, st, log)
	case StepCheckTaskResult:
		w.stepCheckTaskResult(st)
	case StepCheckExitCode:
		w.stepCheckExitCode(st)
	case StepMarkTerminalSuccess:
		w.stepMarkTerminalSuccess(ctx, inst, st, log)
	case StepMarkFailed:
		w.stepMarkFailed(ctx, inst, st, log)
	case StepNotifyError:
		w.stepNotifyError(ctx, inst, st, log)
	}
}

// stepValidateRequest calls the validator, retrying transient
// infrastructure errors with exponential backoff. Verdicts (valid or not)
// are never retried; fail-closed on every error path.
func (w *Workflow) stepValidateRequest(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	var lastErr error

	for attempt := 1; attempt <= w.cfg.ValidationAttempts; attempt++ {
		inst.AttemptCount = attempt

		start := time.Now()
		result, err := w.validator.Validate(ctx, inst.EnclaveID, inst.Action, inst.Input)
		w.metrics.RecordValidation(string(inst.Action), err == nil && result.Valid, time.Since(start))

		if err == nil {
			st.validation = result
			return
		}
		lastErr = err

		if !IsRetryable(err) {
			st.fail(fmt.Sprintf("validation error: %v", err), "ValidationInfrastructureError", classOf(err))
			return
		}

		if attempt < w.cfg.ValidationAttempts {
			backoff := w.validationBackoff(attempt)
			log.WithError(err).Warnf("validator attempt %d failed, retrying in %s", attempt, backoff)
			if serr := w.sleep(ctx, backoff); serr != nil {
				st.fail(fmt.Sprintf("validation aborted: %v", serr), "ValidationInfrastructureError", ErrorClassTransient)
				return
			}
		}
	}

	st.fail(fmt.Sprintf("validation failed after %d attempts: %v", w.cfg.ValidationAttempts, lastErr),
		"ValidationInfrastructureError", ErrorClassTransient)
}

// stepCheckValidation branches on the validator verdict.
func (w *Workflow) stepCheckValidation(inst *Instance, st *stepState, log *telemetry.Logger) {
	if st.validation.Valid {
		log.Debug("validation passed")
		return
	}

	message := st.validation.Message
	if message == "" {
		message = fmt.Sprintf("enclave %s request is invalid", inst.EnclaveID)
	}
	st.fail(message, "ValidationError", ErrorClassValidation)
}

// stepMarkInProgress is the commit point: after this write the record is
// owned by this workflow instance.
func (w *Workflow) stepMarkInProgress(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	status := inst.Action.InProgressStatus()
	if err := w.store.UpdateFields(ctx, inst.EnclaveID, StatusUpdate(status)); err != nil {
		st.fail(fmt.Sprintf("failed to mark enclave %s: %v", status, err), "StateUpdateError", ErrorClassPermanent)
		return
	}
	log.Infof("enclave marked %s", status)
}

// stepRunSandboxTask launches the task execution sandbox and blocks until
// the run reaches a terminal run-state or the workflow budget expires.
func (w *Workflow) stepRunSandboxTask(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	task := SandboxTask{
		Action:        inst.Action,
		EnclaveID:     inst.EnclaveID,
		ExecutionName: inst.ExecutionName,
		Configuration: inst.Input,
		Placement:     w.cfg.Placement,
	}

	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.StartSandboxSpan(ctx, inst.EnclaveID, string(inst.Action))
		defer span.End()
	}

	start := time.Now()
	result, err := w.sandbox.Run(ctx, task)
	duration := time.Since(start)

	if err != nil {
		w.metrics.RecordSandboxRun(string(inst.Action), string(RunStateFailed), duration)
		st.fail(fmt.Sprintf("sandbox task failed: %v", err), "SandboxExecutionError", classOf(err))
		return
	}

	w.metrics.RecordSandboxRun(string(inst.Action), string(result.RunState), duration)
	log.WithField("run_state", string(result.RunState)).
		Debugf("sandbox task finished in %s", duration.Round(time.Second))
	st.sandbox = &result
}

// stepCheckTaskResult accepts only a sandbox that ran to completion.
func (w *Workflow) stepCheckTaskResult(st *stepState) {
	if st.sandbox.RunState == RunStateStopped {
		return
	}
	st.fail(fmt.Sprintf("sandbox run ended in state %q, expected %q", st.sandbox.RunState, RunStateStopped),
		"SandboxExecutionError", ErrorClassPermanent)
}

// stepCheckExitCode gates the success path on the primary command's exit
// code: zero is the sole success signal.
func (w *Workflow) stepCheckExitCode(st *stepState) {
	if st.sandbox.ExitCode == nil {
		st.fail("sandbox reported no exit code", "SandboxExecutionError", ErrorClassPermanent)
		return
	}
	if *st.sandbox.ExitCode != 0 {
		st.fail(fmt.Sprintf("sandbox command exited with code %d", *st.sandbox.ExitCode),
			"SandboxExecutionError", ErrorClassPermanent)
	}
}

// stepMarkTerminalSuccess writes DEPLOYED/DESTROYED.
func (w *Workflow) stepMarkTerminalSuccess(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	status := inst.Action.SuccessStatus()
	if err := w.store.UpdateFields(ctx, inst.EnclaveID, StatusUpdate(status)); err != nil {
		st.fail(fmt.Sprintf("failed to mark enclave %s: %v", status, err), "StateUpdateError", ErrorClassPermanent)
		return
	}
	log.Infof("enclave marked %s", status)
}

// stepMarkFailed records the failure on the request record. It runs on a
// detached context so the terminal write survives the expired workflow
// budget, and it proceeds to NotifyError even if the write itself fails.
func (w *Workflow) stepMarkFailed(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	writeCtx, cancel := w.terminalContext(ctx)
	defer cancel()

	update := FailureUpdate(st.failure.message, st.failure.errType)
	if err := w.store.UpdateFields(writeCtx, inst.EnclaveID, update); err != nil {
		log.WithError(err).Error("failed to record FAILED status")
	}
}

// stepNotifyError forwards the failure report. Terminal regardless of the
// notifier outcome: a notification failure must not re-enter the workflow.
func (w *Workflow) stepNotifyError(ctx context.Context, inst *Instance, st *stepState, log *telemetry.Logger) {
	if w.notifier == nil {
		return
	}

	notifyCtx, cancel := w.terminalContext(ctx)
	defer cancel()

	report := FailureReport{
		EnclaveID:     inst.EnclaveID,
		ExecutionName: inst.ExecutionName,
		Action:        inst.Action,
		ErrorMessage:  st.failure.message,
		ErrorType:     st.failure.errType,
		Timestamp:     time.Now().UTC(),
	}

	if err := w.notifier.Notify(notifyCtx, report); err != nil {
		w.metrics.RecordNotification(false)
		log.WithError(err).Warn("error notification failed")
		return
	}
	w.metrics.RecordNotification(true)
}

// terminalContext detaches from the workflow budget so terminal writes and
// notifications still run after a timeout, bounded by their own deadline.
func (w *Workflow) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TerminalWriteTimeout)
}

// validationBackoff computes the exponential delay before the next attempt.
func (w *Workflow) validationBackoff(attempt int) time.Duration {
	factor := math.Pow(w.cfg.ValidationBackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(w.cfg.ValidationBackoffBase) * factor)
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
