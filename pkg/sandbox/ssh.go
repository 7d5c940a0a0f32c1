package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// SSHConfig configures the remote runner.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string

	// KnownHostsPath enables strict host key checking. Empty accepts any
	// host key, which is acceptable only for development.
	KnownHostsPath string

	// RemoteDir is where per-execution directories are created on the
	// remote host.
	RemoteDir string

	// RunnerPath is the sandbox-runner command on the remote host.
	RunnerPath string

	ConnectTimeout time.Duration
}

// Validate checks the settings needed to reach the remote host.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.PrivateKeyPath == "" {
		return errors.New("private key path is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// address returns host:port.
func (c *SSHConfig) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// clientConfig builds the ssh.ClientConfig from the settings.
func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHRunner executes sandbox tasks on a remote host. Each run dials a fresh
// connection, uploads the configuration payload over SFTP, and executes the
// runner with the environment contract inlined into the command.
type SSHRunner struct {
	cfg    SSHConfig
	logger *telemetry.Logger
}

// NewSSHRunner builds a remote runner. logger may be nil.
func NewSSHRunner(cfg SSHConfig, logger *telemetry.Logger) (*SSHRunner, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/tmp"
	}
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = "sandbox-runner"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh sandbox config: %w", err)
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}
	return &SSHRunner{cfg: cfg, logger: logger.NewComponentLogger("sandbox-ssh")}, nil
}

// Run implements engine.SandboxRunner.
func (r *SSHRunner) Run(ctx context.Context, task engine.SandboxTask) (engine.SandboxResult, error) {
	log := r.logger.WithEnclaveID(task.EnclaveID).WithAction(string(task.Action))

	clientConfig, err := r.cfg.clientConfig()
	if err != nil {
		return engine.SandboxResult{}, err
	}

	client, err := dialContext(ctx, r.cfg.address(), clientConfig)
	if err != nil {
		return engine.SandboxResult{}, fmt.Errorf("failed to connect to sandbox host: %w", err)
	}
	defer client.Close()

	execDir := path.Join(r.cfg.RemoteDir, task.ExecutionName)
	if err := r.uploadConfiguration(client, execDir, task); err != nil {
		return engine.SandboxResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return engine.SandboxResult{}, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	cmd := remoteCommand(execDir, r.cfg.RunnerPath, task)
	log.WithField("execution_name", task.ExecutionName).Info("starting remote sandbox task")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return engine.SandboxResult{RunState: engine.RunStateKilled}, nil
	case runErr = <-done:
	}

	logsRef := path.Join(execDir, "run.log")
	result := engine.SandboxResult{RunState: engine.RunStateStopped, LogsRef: logsRef}

	if runErr == nil {
		code := 0
		result.ExitCode = &code
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitStatus()
		result.ExitCode = &code
		log.WithField("execution_name", task.ExecutionName).
			WithField("exit_code", code).
			Warn("remote sandbox task exited nonzero")
		return result, nil
	}

	return engine.SandboxResult{}, fmt.Errorf("remote sandbox task did not complete: %w", runErr)
}

// uploadConfiguration stages the configuration payload in the execution
// directory so the runner and postmortems can read it as a file.
func (r *SSHRunner) uploadConfiguration(client *ssh.Client, execDir string, task engine.SandboxTask) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(execDir); err != nil {
		return fmt.Errorf("failed to create remote execution directory: %w", err)
	}

	configuration := task.Configuration
	if len(configuration) == 0 {
		configuration = []byte("{}")
	}

	remoteFile, err := sftpClient.Create(path.Join(execDir, "configuration.json"))
	if err != nil {
		return fmt.Errorf("failed to create remote configuration file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := remoteFile.Write(configuration); err != nil {
		return fmt.Errorf("failed to write remote configuration file: %w", err)
	}
	return nil
}

// dialContext runs ssh.Dial under the caller's context. ssh.Dial honors the
// config timeout for the TCP connect but not the handshake, so the dial runs
// in a goroutine the way command execution does.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.client, res.err
	}
}

// remoteCommand renders the runner invocation with the environment contract
// inlined, logging to run.log inside the execution directory.
func remoteCommand(execDir, runnerPath string, task engine.SandboxTask) string {
	assignments := make([]string, 0, 8)
	for _, kv := range taskEnv(task) {
		key, value, _ := strings.Cut(kv, "=")
		assignments = append(assignments, fmt.Sprintf("%s=%s", key, shellQuote(value)))
	}
	return fmt.Sprintf("cd %s && %s %s > run.log 2>&1",
		shellQuote(execDir), strings.Join(assignments, " "), shellQuote(runnerPath))
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
