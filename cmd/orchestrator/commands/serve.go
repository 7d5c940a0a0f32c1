package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treza-labs/enclave-orchestrator/pkg/config"
	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/policy"
	"github.com/treza-labs/enclave-orchestrator/pkg/sandbox"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
	"github.com/treza-labs/enclave-orchestrator/pkg/validator"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Start the orchestrator: subscribe to the request store's change feed,
dispatch deploy/destroy workflows, and run the consistency reconciler until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), version)
		},
	}
}

func runServe(ctx context.Context, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tcfg := cfg.Telemetry(version)
	if err := tcfg.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to build metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	var tracer *telemetry.Tracer
	if tcfg.Tracing.Enabled {
		tracer, err = telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to build tracer: %w", err)
		}
		defer func() { _ = tracer.Shutdown(context.Background()) }()
	}

	feed := stores.NewFeed(cfg.Feed.BufferSize, logger.Zerolog())
	defer feed.Close()

	store, err := stores.NewSQLiteStore(cfg.StoreConfig(), feed)
	if err != nil {
		return fmt.Errorf("failed to build request store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open request store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate request store: %w", err)
	}

	policies, err := buildPolicyEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	requestValidator, err := validator.NewRequestValidator(store, policies, validator.Options{
		Timeout:     cfg.Validator.Timeout.Std(),
		RulesFile:   cfg.Validator.RulesFile,
		Environment: cfg.Environment,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build validator: %w", err)
	}

	runner, err := buildSandboxRunner(cfg, logger)
	if err != nil {
		return err
	}

	notifier := engine.MultiNotifier{
		engine.NewLogNotifier(logger),
		engine.NewFeedNotifier(feed),
	}

	workflow := engine.NewWorkflow(store, requestValidator, runner, notifier,
		cfg.WorkflowConfig(), logger, metrics, tracer)
	dispatcher := engine.NewDispatcher(workflow, cfg.DispatcherConfig(), logger, metrics)

	reconciler := engine.NewReconciler(store, store, nil, cfg.ReconcilerConfig(), logger, metrics)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	defer reconciler.Stop()

	messages, err := feed.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	logger.WithField("database", cfg.Database.Path).
		WithField("sandbox_mode", cfg.Sandbox.Mode).
		Info("orchestrator started")

	if err := dispatcher.Run(ctx, messages); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("orchestrator stopped")
	return nil
}

// buildPolicyEngine loads the built-in policies plus the configured policy
// directory, optionally hot-reloading on file changes.
func buildPolicyEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	policies, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}

	if cfg.Policy.Dir == "" {
		return policies, nil
	}

	loader := policy.NewLoader(logger.Zerolog())
	loaded, err := loader.LoadDir(ctx, cfg.Policy.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies from %s: %w", cfg.Policy.Dir, err)
	}
	if err := policies.LoadPolicies(ctx, loaded); err != nil {
		return nil, fmt.Errorf("failed to compile policies from %s: %w", cfg.Policy.Dir, err)
	}

	if cfg.Policy.Watch {
		err := loader.Watch(ctx, cfg.Policy.Dir, func(updated []policy.Policy) error {
			return policies.LoadPolicies(ctx, updated)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to watch policy directory: %w", err)
		}
	}

	return policies, nil
}

// buildSandboxRunner selects the execution backend from the configuration.
func buildSandboxRunner(cfg *config.Config, logger *telemetry.Logger) (engine.SandboxRunner, error) {
	switch cfg.Sandbox.Mode {
	case "local":
		return sandbox.NewLocalRunner(sandbox.LocalConfig{
			RunnerPath: cfg.Sandbox.RunnerPath,
			WorkDir:    cfg.Sandbox.WorkDir,
		}, logger)
	case "ssh":
		return sandbox.NewSSHRunner(sandbox.SSHConfig{
			Host:           cfg.Sandbox.SSH.Host,
			Port:           cfg.Sandbox.SSH.Port,
			User:           cfg.Sandbox.SSH.User,
			PrivateKeyPath: cfg.Sandbox.SSH.PrivateKeyPath,
			KnownHostsPath: cfg.Sandbox.SSH.KnownHostsPath,
			RemoteDir:      cfg.Sandbox.SSH.RemoteDir,
			RunnerPath:     cfg.Sandbox.RunnerPath,
			ConnectTimeout: cfg.Sandbox.SSH.ConnectTimeout.Std(),
		}, logger)
	}
	return nil, fmt.Errorf("unsupported sandbox mode: %s", cfg.Sandbox.Mode)
}
