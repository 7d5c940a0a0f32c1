// Package main implements the sandbox-runner binary: the process the
// orchestrator launches (locally or over SSH) to apply or destroy one
// enclave's infrastructure with terraform. It reads its task from the
// environment, never from arguments, and its exit code is the sole success
// signal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// task is the environment contract with the orchestrator.
type task struct {
	Action           string   `env:"ACTION,required"`
	EnclaveID        string   `env:"ENCLAVE_ID,required"`
	ExecutionName    string   `env:"EXECUTION_NAME"`
	Configuration    string   `env:"CONFIGURATION" envDefault:"{}"`
	SubnetIDs        []string `env:"SUBNET_IDS" envSeparator:","`
	SecurityGroupIDs []string `env:"SECURITY_GROUP_IDS" envSeparator:","`

	// TerraformDir holds the enclave module. Defaults to the working
	// directory the orchestrator created for this execution.
	TerraformDir string `env:"TERRAFORM_DIR" envDefault:"."`
	TerraformBin string `env:"TERRAFORM_BIN" envDefault:"terraform"`
}

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	var t task
	if err := env.Parse(&t); err != nil {
		log.Fatal().Err(err).Msg("invalid task environment")
	}

	switch t.Action {
	case "plan", "deploy", "destroy":
	default:
		log.Fatal().Str("action", t.Action).Msg("unsupported action")
	}

	var configuration map[string]interface{}
	if err := json.Unmarshal([]byte(t.Configuration), &configuration); err != nil {
		log.Fatal().Err(err).Msg("CONFIGURATION is not a valid JSON object")
	}

	log = log.With().
		Str("action", t.Action).
		Str("enclave_id", t.EnclaveID).
		Str("execution_name", t.ExecutionName).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, t, configuration); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error().Err(err).Msg("terraform failed")
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal().Err(err).Msg("task failed")
	}

	log.Info().Msg("task completed")
}

func run(ctx context.Context, log zerolog.Logger, t task, configuration map[string]interface{}) error {
	varFile, err := writeVarFile(t, configuration)
	if err != nil {
		return err
	}

	if err := terraform(ctx, log, t, "init", "-input=false"); err != nil {
		return err
	}

	switch t.Action {
	case "plan":
		return terraform(ctx, log, t, "plan", "-input=false", "-var-file="+varFile)
	case "deploy":
		if err := terraform(ctx, log, t, "plan", "-input=false", "-var-file="+varFile); err != nil {
			return err
		}
		return terraform(ctx, log, t, "apply", "-input=false", "-auto-approve", "-var-file="+varFile)
	case "destroy":
		return terraform(ctx, log, t, "destroy", "-input=false", "-auto-approve", "-var-file="+varFile)
	}
	return fmt.Errorf("unsupported action: %s", t.Action)
}

// writeVarFile renders the task as a terraform variables file next to the
// module. The configuration payload is forwarded as a single object variable
// so the module decides what it consumes.
func writeVarFile(t task, configuration map[string]interface{}) (string, error) {
	vars := map[string]interface{}{
		"enclave_id":         t.EnclaveID,
		"execution_name":     t.ExecutionName,
		"subnet_ids":         t.SubnetIDs,
		"security_group_ids": t.SecurityGroupIDs,
		"enclave_config":     configuration,
	}

	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode variables: %w", err)
	}

	path := filepath.Join(t.TerraformDir, "task.tfvars.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write variables file: %w", err)
	}
	return path, nil
}

// terraform runs one terraform subcommand, streaming its output.
func terraform(ctx context.Context, log zerolog.Logger, t task, args ...string) error {
	log.Info().Strs("args", args).Msg("running terraform")

	cmd := exec.CommandContext(ctx, t.TerraformBin, args...)
	cmd.Dir = t.TerraformDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
