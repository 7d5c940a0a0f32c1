package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Enclave deployment and teardown orchestrator",
		Long: `The enclave orchestrator watches the request store's change feed and
drives deploy and destroy workflows for enclave requests.

Components:
  - Change-feed dispatcher with per-enclave serialization
  - Deploy/destroy workflow state machine
  - Layered request validation (schema, policies, rules)
  - Local or SSH sandbox execution
  - Periodic consistency reconciler`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRequestsCommand())

	return rootCmd
}
