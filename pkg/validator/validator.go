package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/policy"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
	"github.com/treza-labs/enclave-orchestrator/pkg/telemetry"
)

// Configuration defaults applied before any check runs. Missing keys are
// filled in; present keys are never overwritten.
const (
	DefaultInstanceType = "m5.large"
	DefaultCPUCount     = 2
	DefaultMemoryMiB    = 1024
	DefaultEIFPath      = "/opt/aws/nitro_enclaves/share/hello.eif"
)

// EnclaveConfig is the typed view of the configuration payload after
// defaults are applied. Unknown keys are allowed and forwarded untouched.
type EnclaveConfig struct {
	InstanceType string `json:"instance_type" validate:"required,oneof=m5.large m5.xlarge m5.2xlarge m5.4xlarge c5.xlarge c5.2xlarge c5.4xlarge r5.xlarge r5.2xlarge"`
	CPUCount     int    `json:"cpu_count" validate:"required,min=2,max=16"`
	MemoryMiB    int    `json:"memory_mib" validate:"required,min=512,max=32768"`
	EIFPath      string `json:"eif_path" validate:"required"`
	DebugMode    bool   `json:"debug_mode"`
}

// PolicyEvaluator is the slice of the policy engine the validator needs.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

// RecordFetcher is the slice of the request store the validator needs for
// status preconditions.
type RecordFetcher interface {
	Get(ctx context.Context, id string) (*engine.Request, error)
}

// Options configures a RequestValidator.
type Options struct {
	// Timeout bounds a single validation attempt, including policy and
	// rules evaluation. Defaults to 5m; validation may call out to
	// auxiliary lookups, so the allowance is generous.
	Timeout time.Duration

	// RulesFile is an optional Starlark rules script. Empty disables the
	// rules layer.
	RulesFile string

	// RulesTimeout bounds one rules execution. Defaults to 10s.
	RulesTimeout time.Duration

	// Environment is forwarded to policies as input.context.environment.
	Environment string
}

// RequestValidator checks an enclave request before any resource action is
// taken. It layers defaults, schema and struct validation, the cpu/memory
// ratio rule, status preconditions, policy evaluation, and optional
// user-defined rules. It never mutates state.
type RequestValidator struct {
	store    RecordFetcher
	policies PolicyEvaluator
	schemas  *SchemaRegistry
	rules    *RuleSet
	check    *playground.Validate
	opts     Options
	logger   *telemetry.Logger
}

// NewRequestValidator builds a validator. policies may be nil to skip the
// policy layer (used by the one-shot CLI against a bare store).
func NewRequestValidator(store RecordFetcher, policies PolicyEvaluator, opts Options, logger *telemetry.Logger) (*RequestValidator, error) {
	if store == nil {
		return nil, errors.New("request store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RulesTimeout <= 0 {
		opts.RulesTimeout = 10 * time.Second
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json"})
	}

	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema registry: %w", err)
	}

	check := playground.New(playground.WithRequiredStructEnabled())
	check.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v := &RequestValidator{
		store:    store,
		policies: policies,
		schemas:  schemas,
		check:    check,
		opts:     opts,
		logger:   logger.NewComponentLogger("validator"),
	}

	if opts.RulesFile != "" {
		rules, err := LoadRuleSet(opts.RulesFile, opts.RulesTimeout)
		if err != nil {
			return nil, err
		}
		v.rules = rules
	}
	return v, nil
}

// Validate implements engine.Validator. The returned error is reserved for
// infrastructure problems (store unavailable, rules runtime failure); a
// rejected configuration is a Valid=false result with a nil error.
func (v *RequestValidator) Validate(ctx context.Context, enclaveID string, action engine.Action, configuration json.RawMessage) (engine.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	log := v.logger.WithEnclaveID(enclaveID).WithAction(string(action))

	config, result := parseConfiguration(configuration)
	if result != nil {
		log.WithField("reason", result.Message).Info("request rejected")
		return *result, nil
	}
	applyDefaults(config)

	record, err := v.fetchRecord(ctx, enclaveID)
	if err != nil {
		return engine.ValidationResult{}, err
	}
	if res := checkStatusPrecondition(enclaveID, action, record); res != nil {
		log.WithField("reason", res.Message).Info("request rejected")
		return *res, nil
	}

	if action == engine.ActionDeploy {
		if res := v.checkConfiguration(ctx, config); res != nil {
			log.WithField("reason", res.Message).Info("request rejected")
			return *res, nil
		}
	}

	if res, err := v.checkPolicies(ctx, enclaveID, action, config, record); err != nil {
		return engine.ValidationResult{}, err
	} else if res != nil {
		log.WithField("reason", res.Message).Info("request rejected")
		return *res, nil
	}

	if res, err := v.checkRules(ctx, enclaveID, action, config); err != nil {
		return engine.ValidationResult{}, err
	} else if res != nil {
		log.WithField("reason", res.Message).Info("request rejected")
		return *res, nil
	}

	log.Debug("request validated")
	return engine.ValidationResult{Valid: true, Message: "validation passed"}, nil
}

// parseConfiguration decodes the payload into a key-value map. A malformed
// payload is a rejection, not an infrastructure error.
func parseConfiguration(configuration json.RawMessage) (map[string]interface{}, *engine.ValidationResult) {
	config := map[string]interface{}{}
	if len(configuration) == 0 {
		return config, nil
	}
	if err := json.Unmarshal(configuration, &config); err != nil {
		return nil, &engine.ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("configuration is not a valid JSON object: %v", err),
		}
	}
	return config, nil
}

// applyDefaults fills in the configuration keys the sandbox requires.
func applyDefaults(config map[string]interface{}) {
	if _, ok := config["instance_type"]; !ok {
		config["instance_type"] = DefaultInstanceType
	}
	if _, ok := config["cpu_count"]; !ok {
		config["cpu_count"] = DefaultCPUCount
	}
	if _, ok := config["memory_mib"]; !ok {
		config["memory_mib"] = DefaultMemoryMiB
	}
	if _, ok := config["eif_path"]; !ok {
		config["eif_path"] = DefaultEIFPath
	}
	if _, ok := config["debug_mode"]; !ok {
		config["debug_mode"] = false
	}
}

// fetchRecord loads the request record. A missing record is reported as nil
// record, not an error; store failures are transient so the workflow retries.
func (v *RequestValidator) fetchRecord(ctx context.Context, enclaveID string) (*engine.Request, error) {
	record, err := v.store.Get(ctx, enclaveID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		return nil, engine.NewTransientError("request store unavailable", err)
	}
	return record, nil
}

// checkStatusPrecondition rejects actions that conflict with the record's
// current lifecycle state.
func checkStatusPrecondition(enclaveID string, action engine.Action, record *engine.Request) *engine.ValidationResult {
	reject := func(format string, args ...interface{}) *engine.ValidationResult {
		return &engine.ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
	}

	switch action {
	case engine.ActionDeploy:
		if record == nil {
			return nil
		}
		switch record.Status {
		case engine.StatusDeployed:
			return reject("enclave %s is already deployed", enclaveID)
		case engine.StatusDeploying:
			return reject("enclave %s has a deployment in progress", enclaveID)
		}

	case engine.ActionDestroy:
		if record == nil {
			return reject("enclave %s does not exist", enclaveID)
		}
		switch record.Status {
		case engine.StatusDestroyed:
			return reject("enclave %s is already destroyed", enclaveID)
		case engine.StatusDestroying:
			return reject("enclave %s has a teardown in progress", enclaveID)
		case engine.StatusDeploying:
			return reject("enclave %s has a deployment in progress, cannot destroy", enclaveID)
		}
	}
	return nil
}

// checkConfiguration runs struct validation, the CUE schema, and the
// cpu/memory ratio rule against the defaulted configuration.
func (v *RequestValidator) checkConfiguration(ctx context.Context, config map[string]interface{}) *engine.ValidationResult {
	reject := func(msg string) *engine.ValidationResult {
		return &engine.ValidationResult{Valid: false, Message: msg}
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return reject(fmt.Sprintf("configuration is not serializable: %v", err))
	}
	var typed EnclaveConfig
	if err := json.Unmarshal(raw, &typed); err != nil {
		return reject(fmt.Sprintf("configuration has wrong field types: %v", err))
	}

	if err := v.check.Struct(typed); err != nil {
		var fieldErrs playground.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return reject(constraintMessage(fieldErrs))
		}
		return reject(fmt.Sprintf("configuration validation failed: %v", err))
	}

	// Validate the typed view: JSON-decoded maps carry float64 numbers,
	// which never unify with the schema's int constraints.
	if err := v.schemas.ValidateAgainstSchema(ctx, "enclave", typed); err != nil {
		return reject(fmt.Sprintf("configuration violates the enclave schema: %v", err))
	}

	// Each vCPU needs at least 512 MiB of enclave memory.
	if typed.CPUCount > typed.MemoryMiB/512 {
		return reject(fmt.Sprintf("cpu_count %d requires at least %d memory_mib, got %d",
			typed.CPUCount, typed.CPUCount*512, typed.MemoryMiB))
	}
	return nil
}

// constraintMessage renders struct validation failures for the error record.
func constraintMessage(errs playground.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed the %s constraint", fe.Field(), fe.Tag()))
		}
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// checkPolicies evaluates the policy engine against the defaulted
// configuration. Evaluation errors are transient; denials are rejections.
func (v *RequestValidator) checkPolicies(ctx context.Context, enclaveID string, action engine.Action, config map[string]interface{}, record *engine.Request) (*engine.ValidationResult, error) {
	if v.policies == nil {
		return nil, nil
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode configuration for policy evaluation", err)
	}

	input := &policy.Input{
		EnclaveID:     enclaveID,
		Action:        string(action),
		Configuration: raw,
		Context: &policy.Context{
			Environment: v.opts.Environment,
			Timestamp:   time.Now().UTC(),
			Operation:   string(action),
		},
	}
	if record != nil {
		input.WalletAddress = record.WalletAddress
	}

	result, err := v.policies.Evaluate(ctx, input)
	if err != nil {
		return nil, engine.NewTransientError("policy evaluation failed", err)
	}
	for _, warning := range result.Warnings {
		v.logger.WithEnclaveID(enclaveID).WithField("warning", warning).Warn("policy evaluation warning")
	}
	if !result.Allowed {
		return &engine.ValidationResult{
			Valid:   false,
			Message: "policy denied: " + strings.Join(result.BlockingMessages(), "; "),
		}, nil
	}
	return nil, nil
}

// checkRules runs the optional Starlark rules layer. A failing script is an
// infrastructure error, never a pass.
func (v *RequestValidator) checkRules(ctx context.Context, enclaveID string, action engine.Action, config map[string]interface{}) (*engine.ValidationResult, error) {
	if v.rules == nil {
		return nil, nil
	}

	verdict, err := v.rules.Check(ctx, map[string]interface{}{
		"enclave_id":    enclaveID,
		"action":        string(action),
		"configuration": config,
	})
	if err != nil {
		return nil, engine.NewTransientError("rules evaluation failed", err)
	}
	if !verdict.Valid {
		return &engine.ValidationResult{Valid: false, Message: verdict.Message}, nil
	}
	return nil, nil
}
