// Package config loads the orchestrator's service configuration from a
// YAML file with environment variable overrides. File settings are applied
// over built-in defaults, then ORCH_* environment variables win over both,
// so a container deployment can run without any file at all.
package config
