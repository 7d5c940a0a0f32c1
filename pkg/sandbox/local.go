package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// LocalConfig configures the local runner.
type LocalConfig struct {
	// RunnerPath is the sandbox-runner binary. Resolved via PATH when not
	// absolute.
	RunnerPath string

	// WorkDir is where per-execution working directories are created.
	WorkDir string
}

// LocalRunner executes the sandbox-runner binary on this host, one process
// per task, each in its own working directory.
type LocalRunner struct {
	cfg    LocalConfig
	logger *telemetry.Logger
}

// NewLocalRunner builds a local runner. logger may be nil.
func NewLocalRunner(cfg LocalConfig, logger *telemetry.Logger) (*LocalRunner, error) {
	if cfg.RunnerPath == "" {
		return nil, errors.New("runner path is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	return &LocalRunner{cfg: cfg, logger: logger.NewComponentLogger("sandbox-local")}, nil
}

// Run implements engine.SandboxRunner. The process's exit code is reported
// verbatim; cancellation surfaces as the killed run-state.
func (r *LocalRunner) Run(ctx context.Context, task engine.SandboxTask) (engine.SandboxResult, error) {
	log := r.logger.WithEnclaveID(task.EnclaveID).WithAction(string(task.Action))

	execDir := filepath.Join(r.cfg.WorkDir, task.ExecutionName)
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return engine.SandboxResult{}, fmt.Errorf("failed to create execution directory: %w", err)
	}

	logPath := filepath.Join(execDir, "run.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return engine.SandboxResult{}, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, r.cfg.RunnerPath)
	cmd.Dir = execDir
	cmd.Env = append(os.Environ(), taskEnv(task)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	log.WithField("execution_name", task.ExecutionName).Info("starting sandbox task")

	if err := cmd.Start(); err != nil {
		return engine.SandboxResult{}, fmt.Errorf("failed to start sandbox runner: %w", err)
	}

	waitErr := cmd.Wait()

	result := engine.SandboxResult{
		RunState: engine.RunStateStopped,
		LogsRef:  logPath,
	}

	switch {
	case ctx.Err() != nil:
		result.RunState = engine.RunStateKilled
		log.WithField("execution_name", task.ExecutionName).Warn("sandbox task killed")

	case waitErr == nil:
		code := 0
		result.ExitCode = &code

	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return engine.SandboxResult{}, fmt.Errorf("sandbox runner did not complete: %w", waitErr)
		}
		code := exitErr.ExitCode()
		result.ExitCode = &code
		log.WithField("execution_name", task.ExecutionName).
			WithField("exit_code", code).
			Warn("sandbox task exited nonzero")
	}

	return result, nil
}
