package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treza-labs/enclave-orchestrator/pkg/config"
	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

func newRequestsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect and manage enclave request records",
	}
	cmd.AddCommand(newRequestsListCommand())
	cmd.AddCommand(newRequestsGetCommand())
	cmd.AddCommand(newRequestsRetryCommand())
	return cmd
}

func newRequestsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List request records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				var (
					records []*engine.Request
					err     error
				)
				if status != "" {
					records, err = store.ListByStatus(ctx, engine.Status(status))
				} else {
					records, err = store.List(ctx, limit, 0)
				}
				if err != nil {
					return err
				}
				return printJSON(records)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (e.g. FAILED, DEPLOYED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}

func newRequestsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <enclave-id>",
		Short: "Show one request record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				record, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(record)
			})
		},
	}
}

func newRequestsRetryCommand() *cobra.Command {
	var destroy bool

	cmd := &cobra.Command{
		Use:   "retry <enclave-id>",
		Short: "Reset a FAILED request back to pending",
		Long: `Reset a FAILED record to PENDING_DEPLOY (or PENDING_DESTROY with
--destroy) and clear its error fields. The running orchestrator's reconciler
sweep picks the pending record up and starts a fresh workflow.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				record, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if record.Status != engine.StatusFailed {
					return fmt.Errorf("request %s is %s, only FAILED requests can be retried",
						record.ID, record.Status)
				}

				status := engine.StatusPendingDeploy
				if destroy {
					status = engine.StatusPendingDestroy
				}
				empty := ""
				update := engine.FieldUpdate{
					Status:       &status,
					ErrorMessage: &empty,
					ErrorType:    &empty,
				}
				if err := store.UpdateFields(ctx, record.ID, update); err != nil {
					return err
				}
				fmt.Printf("request %s reset to %s\n", record.ID, status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&destroy, "destroy", false, "retry as a destroy instead of a deploy")
	return cmd
}

// withStore opens the configured request store for one command and closes it
// afterwards.
func withStore(ctx context.Context, fn func(context.Context, *stores.SQLiteStore) error) error {
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
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	return fn(ctx, store)
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
