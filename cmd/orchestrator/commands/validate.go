package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treza-labs/enclave-orchestrator/pkg/config"
	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
	"github.com/treza-labs/enclave-orchestrator/pkg/validator"
)

func newValidateCommand() *cobra.Command {
	var configurationFile string

	cmd := &cobra.Command{
		Use:   "validate <enclave-id> <deploy|destroy>",
		Short: "Validate a request without dispatching it",
		Long: `Run the full validation stack (defaults, schema, struct constraints,
status preconditions, policies, rules) against a request and report the
verdict. No state is modified.`,
		Example: `  # Validate a deploy using the stored configuration
  orchestrator validate enc-1 deploy

  # Validate a deploy with an explicit configuration payload
  orchestrator validate enc-1 deploy --configuration ./enclave.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enclaveID := args[0]
			action := engine.Action(args[1])
			if action != engine.ActionDeploy && action != engine.ActionDestroy {
				return fmt.Errorf("unsupported action: %s", args[1])
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level: "warn", Format: "console", Output: "stderr", TimeFormat: "rfc3339",
			})
			if err != nil {
				return err
			}

			feed := stores.NewFeed(cfg.Feed.BufferSize, logger.Zerolog())
			defer feed.Close()

			store, err := stores.NewSQLiteStore(cfg.StoreConfig(), feed)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}

			policies, err := buildPolicyEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			requestValidator, err := validator.NewRequestValidator(store, policies, validator.Options{
				Timeout:     cfg.Validator.Timeout.Std(),
				RulesFile:   cfg.Validator.RulesFile,
				Environment: cfg.Environment,
			}, logger)
			if err != nil {
				return err
			}

			configuration, err := loadConfiguration(cmd.Context(), store, enclaveID, configurationFile)
			if err != nil {
				return err
			}

			result, err := requestValidator.Validate(cmd.Context(), enclaveID, action, configuration)
			if err != nil {
				return fmt.Errorf("validation could not complete: %w", err)
			}

			if !result.Valid {
				fmt.Printf("INVALID: %s\n", result.Message)
				os.Exit(1)
			}
			fmt.Println("VALID")
			return nil
		},
	}

	cmd.Flags().StringVar(&configurationFile, "configuration", "",
		"JSON configuration file (defaults to the stored record's configuration)")

	return cmd
}

// loadConfiguration resolves the payload to validate: an explicit file when
// given, otherwise the stored record's configuration. A missing record is
// fine; the validator applies defaults and its own precondition checks.
func loadConfiguration(ctx context.Context, store *stores.SQLiteStore, enclaveID, file string) (json.RawMessage, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		return json.RawMessage(data), nil
	}

	record, err := store.Get(ctx, enclaveID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record.Configuration, nil
}
