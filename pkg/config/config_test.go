package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workflow.DeployTimeout.Std() != 60*time.Minute {
		t.Errorf("expected 60m deploy timeout, got %s", cfg.Workflow.DeployTimeout.Std())
	}
	if cfg.Workflow.DestroyTimeout.Std() != 30*time.Minute {
		t.Errorf("expected 30m destroy timeout, got %s", cfg.Workflow.DestroyTimeout.Std())
	}
	if cfg.Workflow.ValidationAttempts != 3 {
		t.Errorf("expected 3 validation attempts, got %d", cfg.Workflow.ValidationAttempts)
	}
	if cfg.Reconciler.Interval.Std() != 2*time.Minute {
		t.Errorf("expected 2m reconcile interval, got %s", cfg.Reconciler.Interval.Std())
	}
	if cfg.Sandbox.Mode != "local" {
		t.Errorf("expected local sandbox mode, got %s", cfg.Sandbox.Mode)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment: production
database:
  path: /data/requests.db
workflow:
  deploy_timeout: 45m
  validation_attempts: 5
dispatcher:
  max_concurrent: 4
placement:
  subnet_ids: [subnet-1, subnet-2]
  security_group_ids: [sg-1]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("expected production environment, got %s", cfg.Environment)
	}
	if cfg.Database.Path != "/data/requests.db" {
		t.Errorf("expected file database path, got %s", cfg.Database.Path)
	}
	if cfg.Workflow.DeployTimeout.Std() != 45*time.Minute {
		t.Errorf("expected 45m deploy timeout, got %s", cfg.Workflow.DeployTimeout.Std())
	}
	if cfg.Workflow.ValidationAttempts != 5 {
		t.Errorf("expected 5 validation attempts, got %d", cfg.Workflow.ValidationAttempts)
	}

	// Settings the file does not mention keep their defaults.
	if cfg.Workflow.DestroyTimeout.Std() != 30*time.Minute {
		t.Errorf("expected default destroy timeout, got %s", cfg.Workflow.DestroyTimeout.Std())
	}

	wf := cfg.WorkflowConfig()
	if len(wf.Placement.SubnetIDs) != 2 || wf.Placement.SubnetIDs[0] != "subnet-1" {
		t.Errorf("placement not mapped: %+v", wf.Placement)
	}
}

func TestLoadParsesSandboxSSHSettings(t *testing.T) {
	path := writeConfigFile(t, `
sandbox:
  mode: ssh
  ssh:
    host: sandbox.internal
    user: deployer
    private_key_path: /etc/orchestrator/id_ed25519
    known_hosts_path: /etc/orchestrator/known_hosts
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ssh := cfg.Sandbox.SSH
	if ssh.Host != "sandbox.internal" || ssh.User != "deployer" {
		t.Errorf("ssh host/user not parsed: %+v", ssh)
	}
	if ssh.PrivateKeyPath != "/etc/orchestrator/id_ed25519" {
		t.Errorf("private key path not parsed: %q", ssh.PrivateKeyPath)
	}
	if ssh.KnownHostsPath != "/etc/orchestrator/known_hosts" {
		t.Errorf("known hosts path not parsed: %q", ssh.KnownHostsPath)
	}

	t.Setenv("ORCH_SANDBOX_SSH_KNOWN_HOSTS", "/srv/known_hosts")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sandbox.SSH.KnownHostsPath != "/srv/known_hosts" {
		t.Errorf("expected env known hosts path to win, got %q", cfg.Sandbox.SSH.KnownHostsPath)
	}
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, `
workflow:
  deploy_timeout: 45m
dispatcher:
  max_concurrent: 4
`)
	t.Setenv("ORCH_DEPLOY_TIMEOUT", "90m")
	t.Setenv("ORCH_MAX_CONCURRENT", "8")
	t.Setenv("ORCH_SUBNET_IDS", "subnet-a,subnet-b")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workflow.DeployTimeout.Std() != 90*time.Minute {
		t.Errorf("expected env deploy timeout to win, got %s", cfg.Workflow.DeployTimeout.Std())
	}
	if cfg.Dispatcher.MaxConcurrent != 8 {
		t.Errorf("expected env max concurrent to win, got %d", cfg.Dispatcher.MaxConcurrent)
	}
	if len(cfg.Placement.SubnetIDs) != 2 || cfg.Placement.SubnetIDs[1] != "subnet-b" {
		t.Errorf("expected comma-separated subnets parsed, got %v", cfg.Placement.SubnetIDs)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad sandbox mode",
			yaml: "sandbox:\n  mode: docker\n",
			want: "sandbox mode",
		},
		{
			name: "ssh without host",
			yaml: "sandbox:\n  mode: ssh\n",
			want: "host and user",
		},
		{
			name: "zero validation attempts",
			yaml: "workflow:\n  validation_attempts: 0\n",
			want: "validation attempts",
		},
		{
			name: "zero concurrency",
			yaml: "dispatcher:\n  max_concurrent: 0\n",
			want: "max concurrent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfigFile(t, "workflow:\n  deploy_timeout: soon\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestTelemetryMapping(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	cfg.Logging.Level = "debug"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "collector:4317"

	tc := cfg.Telemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Environment != "staging" {
		t.Errorf("service identity not mapped: %+v", tc)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("logging not mapped: %+v", tc.Logging)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing not mapped: %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("mapped telemetry config invalid: %v", err)
	}
}
