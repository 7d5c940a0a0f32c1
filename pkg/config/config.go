package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from strings like "5m" in
// both YAML and environment variables.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the root service configuration.
type Config struct {
	Environment string `yaml:"environment" env:"ORCH_ENVIRONMENT"`

	Database   Database   `yaml:"database"`
	Feed       Feed       `yaml:"feed"`
	Logging    Logging    `yaml:"logging"`
	Tracing    Tracing    `yaml:"tracing"`
	Metrics    Metrics    `yaml:"metrics"`
	Workflow   Workflow   `yaml:"workflow"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Reconciler Reconciler `yaml:"reconciler"`
	Validator  Validator  `yaml:"validator"`
	Policy     Policy     `yaml:"policy"`
	Sandbox    Sandbox    `yaml:"sandbox"`
	Placement  Placement  `yaml:"placement"`
}

// Database configures the request store.
type Database struct {
	Path            string   `yaml:"path" env:"ORCH_DB_PATH"`
	MaxOpenConns    int      `yaml:"max_open_conns" env:"ORCH_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int      `yaml:"max_idle_conns" env:"ORCH_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" env:"ORCH_DB_CONN_MAX_LIFETIME"`
}

// Feed configures the in-process change feed.
type Feed struct {
	BufferSize int `yaml:"buffer_size" env:"ORCH_FEED_BUFFER_SIZE"`
}

// Logging configures structured log output.
type Logging struct {
	Level        string `yaml:"level" env:"ORCH_LOG_LEVEL"`
	Format       string `yaml:"format" env:"ORCH_LOG_FORMAT"`
	Output       string `yaml:"output" env:"ORCH_LOG_OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ORCH_LOG_CALLER"`
	TimeFormat   string `yaml:"time_format" env:"ORCH_LOG_TIME_FORMAT"`
}

// Tracing configures the OpenTelemetry exporter.
type Tracing struct {
	Enabled      bool    `yaml:"enabled" env:"ORCH_TRACING_ENABLED"`
	Exporter     string  `yaml:"exporter" env:"ORCH_TRACING_EXPORTER"`
	Endpoint     string  `yaml:"endpoint" env:"ORCH_TRACING_ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"ORCH_TRACING_SAMPLING_RATE"`
	Insecure     bool    `yaml:"insecure" env:"ORCH_TRACING_INSECURE"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled       bool   `yaml:"enabled" env:"ORCH_METRICS_ENABLED"`
	ListenAddress string `yaml:"listen_address" env:"ORCH_METRICS_LISTEN"`
	Path          string `yaml:"path" env:"ORCH_METRICS_PATH"`
}

// Workflow configures the deploy/destroy state machine budgets.
type Workflow struct {
	DeployTimeout               Duration `yaml:"deploy_timeout" env:"ORCH_DEPLOY_TIMEOUT"`
	DestroyTimeout              Duration `yaml:"destroy_timeout" env:"ORCH_DESTROY_TIMEOUT"`
	ValidationAttempts          int      `yaml:"validation_attempts" env:"ORCH_VALIDATION_ATTEMPTS"`
	ValidationBackoffBase       Duration `yaml:"validation_backoff_base" env:"ORCH_VALIDATION_BACKOFF_BASE"`
	ValidationBackoffMultiplier float64  `yaml:"validation_backoff_multiplier" env:"ORCH_VALIDATION_BACKOFF_MULTIPLIER"`
}

// Dispatcher configures the change-feed consumer.
type Dispatcher struct {
	MaxConcurrent int `yaml:"max_concurrent" env:"ORCH_MAX_CONCURRENT"`
}

// Reconciler configures the consistency sweep.
type Reconciler struct {
	Interval       Duration `yaml:"interval" env:"ORCH_RECONCILE_INTERVAL"`
	PendingAfter   Duration `yaml:"pending_after" env:"ORCH_RECONCILE_PENDING_AFTER"`
	StuckAfter     Duration `yaml:"stuck_after" env:"ORCH_RECONCILE_STUCK_AFTER"`
	FailStuckAfter Duration `yaml:"fail_stuck_after" env:"ORCH_RECONCILE_FAIL_STUCK_AFTER"`
}

// Validator configures request validation.
type Validator struct {
	// Timeout bounds one validation call, including policy evaluation.
	Timeout Duration `yaml:"timeout" env:"ORCH_VALIDATOR_TIMEOUT"`

	// RulesFile points at an optional Starlark file with extra business
	// rules. Empty disables user-defined rules.
	RulesFile string `yaml:"rules_file" env:"ORCH_VALIDATOR_RULES_FILE"`
}

// Policy configures the Rego policy engine.
type Policy struct {
	// Dir holds .rego policy files loaded in addition to the built-ins.
	Dir string `yaml:"dir" env:"ORCH_POLICY_DIR"`

	// Watch hot-reloads policies when files in Dir change.
	Watch bool `yaml:"watch" env:"ORCH_POLICY_WATCH"`
}

// Sandbox configures how infrastructure tasks are executed.
type Sandbox struct {
	// Mode selects the runner: "local" executes the runner binary on this
	// host, "ssh" executes it on a remote host.
	Mode string `yaml:"mode" env:"ORCH_SANDBOX_MODE"`

	// RunnerPath is the sandbox-runner binary path (local mode) or the
	// remote command (ssh mode).
	RunnerPath string `yaml:"runner_path" env:"ORCH_SANDBOX_RUNNER"`

	// WorkDir is where per-execution working directories are created.
	WorkDir string `yaml:"work_dir" env:"ORCH_SANDBOX_WORK_DIR"`

	SSH SandboxSSH `yaml:"ssh"`
}

// SandboxSSH configures the remote sandbox host.
type SandboxSSH struct {
	Host           string   `yaml:"host" env:"ORCH_SANDBOX_SSH_HOST"`
	Port           int      `yaml:"port" env:"ORCH_SANDBOX_SSH_PORT"`
	User           string   `yaml:"user" env:"ORCH_SANDBOX_SSH_USER"`
	PrivateKeyPath string   `yaml:"private_key_path" env:"ORCH_SANDBOX_SSH_KEY"`
	KnownHostsPath string   `yaml:"known_hosts_path" env:"ORCH_SANDBOX_SSH_KNOWN_HOSTS"`
	RemoteDir      string   `yaml:"remote_dir" env:"ORCH_SANDBOX_SSH_REMOTE_DIR"`
	ConnectTimeout Duration `yaml:"connect_timeout" env:"ORCH_SANDBOX_SSH_CONNECT_TIMEOUT"`
}

// Placement carries the network identifiers forwarded to every sandbox task.
type Placement struct {
	SubnetIDs        []string `yaml:"subnet_ids" env:"ORCH_SUBNET_IDS" envSeparator:","`
	SecurityGroupIDs []string `yaml:"security_group_ids" env:"ORCH_SECURITY_GROUP_IDS" envSeparator:","`
	Environment      string   `yaml:"environment" env:"ORCH_PLACEMENT_ENVIRONMENT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Database: Database{
			Path:            "enclave-requests.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Feed: Feed{BufferSize: 64},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: Tracing{
			Exporter:     "stdout",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: Metrics{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Workflow: Workflow{
			DeployTimeout:               Duration(60 * time.Minute),
			DestroyTimeout:              Duration(30 * time.Minute),
			ValidationAttempts:          3,
			ValidationBackoffBase:       Duration(5 * time.Second),
			ValidationBackoffMultiplier: 2.0,
		},
		Dispatcher: Dispatcher{MaxConcurrent: 16},
		Reconciler: Reconciler{
			Interval:       Duration(2 * time.Minute),
			PendingAfter:   Duration(5 * time.Minute),
			StuckAfter:     Duration(90 * time.Minute),
			FailStuckAfter: Duration(3 * time.Hour),
		},
		Validator: Validator{Timeout: Duration(5 * time.Minute)},
		Sandbox: Sandbox{
			Mode:       "local",
			RunnerPath: "sandbox-runner",
			WorkDir:    "/var/lib/enclave-orchestrator/sandbox",
			SSH: SandboxSSH{
				Port:           22,
				RemoteDir:      "/var/lib/enclave-orchestrator/sandbox",
				ConnectTimeout: Duration(15 * time.Second),
			},
		},
	}
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path (if any), then ORCH_* environment variables. A .env
// file in the working directory is loaded first so local development
// matches container deployments.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the mapping helpers cannot default away.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Sandbox.Mode != "local" && c.Sandbox.Mode != "ssh" {
		return fmt.Errorf("invalid sandbox mode: %s (must be 'local' or 'ssh')", c.Sandbox.Mode)
	}
	if c.Sandbox.Mode == "ssh" {
		if c.Sandbox.SSH.Host == "" || c.Sandbox.SSH.User == "" {
			return fmt.Errorf("ssh sandbox mode requires host and user")
		}
	}
	if c.Workflow.ValidationAttempts < 1 {
		return fmt.Errorf("validation attempts must be at least 1, got %d", c.Workflow.ValidationAttempts)
	}
	if c.Dispatcher.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent workflows must be at least 1, got %d", c.Dispatcher.MaxConcurrent)
	}
	return nil
}

// Telemetry maps the service settings onto the telemetry stack's config.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Environment
	tc.Logging = telemetry.LoggingConfig{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		Output:       c.Logging.Output,
		EnableCaller: c.Logging.EnableCaller,
		TimeFormat:   c.Logging.TimeFormat,
	}
	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Metrics.Path = c.Metrics.Path
	return tc
}

// StoreConfig maps the database settings onto the request store's config.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime.Std(),
	}
}

// WorkflowConfig maps the workflow settings onto the engine's config.
func (c *Config) WorkflowConfig() engine.WorkflowConfig {
	return engine.WorkflowConfig{
		DeployTimeout:               c.Workflow.DeployTimeout.Std(),
		DestroyTimeout:              c.Workflow.DestroyTimeout.Std(),
		ValidationAttempts:          c.Workflow.ValidationAttempts,
		ValidationBackoffBase:       c.Workflow.ValidationBackoffBase.Std(),
		ValidationBackoffMultiplier: c.Workflow.ValidationBackoffMultiplier,
		Placement: engine.Placement{
			SubnetIDs:        c.Placement.SubnetIDs,
			SecurityGroupIDs: c.Placement.SecurityGroupIDs,
			Environment:      c.Placement.Environment,
		},
	}
}

// DispatcherConfig maps the dispatcher settings onto the engine's config.
func (c *Config) DispatcherConfig() engine.DispatcherConfig {
	return engine.DispatcherConfig{MaxConcurrent: c.Dispatcher.MaxConcurrent}
}

// ReconcilerConfig maps the reconciler settings onto the engine's config.
func (c *Config) ReconcilerConfig() engine.ReconcilerConfig {
	return engine.ReconcilerConfig{
		Interval:       c.Reconciler.Interval.Std(),
		PendingAfter:   c.Reconciler.PendingAfter.Std(),
		StuckAfter:     c.Reconciler.StuckAfter.Std(),
		FailStuckAfter: c.Reconciler.FailStuckAfter.Std(),
	}
}
