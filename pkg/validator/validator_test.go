package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
	"github.com/treza-labs/enclave-orchestrator/pkg/policy"
	"github.com/treza-labs/enclave-orchestrator/pkg/stores"
)

type fakeStore struct {
	records map[string]*engine.Request
	err     error
}

func (f *fakeStore) Get(_ context.Context, id string) (*engine.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stores.ErrNotFound, id)
	}
	return record, nil
}

func storeWith(records ...*engine.Request) *fakeStore {
	f := &fakeStore{records: map[string]*engine.Request{}}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func newTestValidator(t *testing.T, store *fakeStore, opts Options) *RequestValidator {
	t.Helper()
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	v, err := NewRequestValidator(store, policies, opts, nil)
	if err != nil {
		t.Fatalf("NewRequestValidator failed: %v", err)
	}
	return v
}

// hangingStore blocks every lookup until the caller's deadline expires.
type hangingStore struct{}

func (hangingStore) Get(ctx context.Context, _ string) (*engine.Request, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func mustValidate(t *testing.T, v *RequestValidator, id string, action engine.Action, config string) engine.ValidationResult {
	t.Helper()
	result, err := v.Validate(context.Background(), id, action, json.RawMessage(config))
	if err != nil {
		t.Fatalf("Validate returned an infrastructure error: %v", err)
	}
	return result
}

func TestValidateAppliesDefaults(t *testing.T) {
	v := newTestValidator(t, storeWith(), Options{})

	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{}`)
	if !result.Valid {
		t.Errorf("expected empty configuration to pass via defaults, got: %s", result.Message)
	}

	result = mustValidate(t, v, "enc-1", engine.ActionDeploy, ``)
	if !result.Valid {
		t.Errorf("expected missing configuration to pass via defaults, got: %s", result.Message)
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v := newTestValidator(t, storeWith(), Options{})

	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{not json`)
	if result.Valid {
		t.Fatal("expected malformed configuration rejected")
	}
	if !strings.Contains(result.Message, "not a valid JSON object") {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestValidateRejectsUnknownInstanceType(t *testing.T) {
	v := newTestValidator(t, storeWith(), Options{})

	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"instance_type":"t2.micro"}`)
	if result.Valid {
		t.Fatal("expected unknown instance type rejected")
	}
	if !strings.Contains(result.Message, "instance_type") {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestValidateRejectsOutOfBoundsResources(t *testing.T) {
	cases := []struct {
		name   string
		config string
		want   string
	}{
		{"cpu too high", `{"cpu_count":32,"memory_mib":32768}`, "cpu_count"},
		{"memory too low", `{"memory_mib":256}`, "memory_mib"},
		{"memory too high", `{"memory_mib":65536}`, "memory_mib"},
		{"wrong type", `{"cpu_count":"two"}`, "field types"},
	}

	v := newTestValidator(t, storeWith(), Options{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := mustValidate(t, v, "enc-1", engine.ActionDeploy, tc.config)
			if result.Valid {
				t.Fatal("expected configuration rejected")
			}
			if !strings.Contains(result.Message, tc.want) {
				t.Errorf("message %q does not mention %q", result.Message, tc.want)
			}
		})
	}
}

func TestValidateEnforcesMemoryPerCPU(t *testing.T) {
	v := newTestValidator(t, storeWith(), Options{})

	// 8 vCPUs need at least 4096 MiB.
	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"cpu_count":8,"memory_mib":1024}`)
	if result.Valid {
		t.Fatal("expected undersized memory rejected")
	}
	if !strings.Contains(result.Message, "4096") {
		t.Errorf("unexpected message: %s", result.Message)
	}

	result = mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"cpu_count":8,"memory_mib":4096}`)
	if !result.Valid {
		t.Errorf("expected 8 vCPUs with 4096 MiB accepted, got: %s", result.Message)
	}
}

func TestDeployStatusPreconditions(t *testing.T) {
	cases := []struct {
		status engine.Status
		valid  bool
	}{
		{engine.StatusPendingDeploy, true},
		{engine.StatusFailed, true},
		{engine.StatusDestroyed, true},
		{engine.StatusDeployed, false},
		{engine.StatusDeploying, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			store := storeWith(&engine.Request{ID: "enc-1", Status: tc.status})
			v := newTestValidator(t, store, Options{})
			result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{}`)
			if result.Valid != tc.valid {
				t.Errorf("deploy from %s: valid=%v, want %v (message: %s)",
					tc.status, result.Valid, tc.valid, result.Message)
			}
		})
	}
}

func TestDestroyStatusPreconditions(t *testing.T) {
	cases := []struct {
		status engine.Status
		valid  bool
	}{
		{engine.StatusDeployed, true},
		{engine.StatusFailed, true},
		{engine.StatusPendingDestroy, true},
		{engine.StatusDestroyed, false},
		{engine.StatusDestroying, false},
		{engine.StatusDeploying, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			store := storeWith(&engine.Request{ID: "enc-1", Status: tc.status})
			v := newTestValidator(t, store, Options{})
			result := mustValidate(t, v, "enc-1", engine.ActionDestroy, `{}`)
			if result.Valid != tc.valid {
				t.Errorf("destroy from %s: valid=%v, want %v (message: %s)",
					tc.status, result.Valid, tc.valid, result.Message)
			}
		})
	}
}

func TestDestroyRequiresExistingRecord(t *testing.T) {
	v := newTestValidator(t, storeWith(), Options{})

	result := mustValidate(t, v, "ghost", engine.ActionDestroy, `{}`)
	if result.Valid {
		t.Fatal("expected destroy of a missing record rejected")
	}
	if !strings.Contains(result.Message, "does not exist") {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestDestroySkipsConfigurationChecks(t *testing.T) {
	store := storeWith(&engine.Request{ID: "enc-1", Status: engine.StatusDeployed})
	v := newTestValidator(t, store, Options{})

	// A record deployed with an out-of-date configuration must still be
	// destroyable.
	result := mustValidate(t, v, "enc-1", engine.ActionDestroy, `{"instance_type":"t2.micro","cpu_count":99}`)
	if !result.Valid {
		t.Errorf("expected destroy to skip configuration checks, got: %s", result.Message)
	}
}

func TestPolicyDenialRejectsRequest(t *testing.T) {
	store := storeWith(&engine.Request{ID: "enc-1", Status: engine.StatusPendingDeploy, WalletAddress: "0xabc"})
	v := newTestValidator(t, store, Options{Environment: "production"})

	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"debug_mode":true}`)
	if result.Valid {
		t.Fatal("expected production debug-mode deploy denied")
	}
	if !strings.Contains(result.Message, "policy denied") {
		t.Errorf("unexpected message: %s", result.Message)
	}

	result = mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"debug_mode":false}`)
	if !result.Valid {
		t.Errorf("expected non-debug deploy allowed, got: %s", result.Message)
	}
}

func TestStoreFailureIsTransient(t *testing.T) {
	store := storeWith()
	store.err = fmt.Errorf("connection refused")
	v := newTestValidator(t, store, Options{})

	_, err := v.Validate(context.Background(), "enc-1", engine.ActionDeploy, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an infrastructure error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestValidateTimeoutFailsClosed(t *testing.T) {
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	v, err := NewRequestValidator(hangingStore{}, policies, Options{Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewRequestValidator failed: %v", err)
	}

	result, err := v.Validate(context.Background(), "enc-1", engine.ActionDeploy, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error when the store hangs past the validation timeout")
	}
	if result.Valid {
		t.Error("a timed-out validation must never report valid")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func writeRulesFile(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.star")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestStarlarkRulesRejectRequest(t *testing.T) {
	path := writeRulesFile(t, `
def validate(request):
    if request["action"] == "deploy" and request["configuration"].get("team") == "banned":
        return {"valid": False, "message": "team banned is not allowed to deploy"}
    return True
`)

	v := newTestValidator(t, storeWith(), Options{RulesFile: path})

	result := mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"team":"banned"}`)
	if result.Valid {
		t.Fatal("expected rules to reject the request")
	}
	if !strings.Contains(result.Message, "team banned") {
		t.Errorf("unexpected message: %s", result.Message)
	}

	result = mustValidate(t, v, "enc-1", engine.ActionDeploy, `{"team":"platform"}`)
	if !result.Valid {
		t.Errorf("expected rules to pass the request, got: %s", result.Message)
	}
}

func TestBrokenRulesFileFailsConstruction(t *testing.T) {
	path := writeRulesFile(t, `this is not starlark ===`)
	if _, err := NewRequestValidator(storeWith(), nil, Options{RulesFile: path}, nil); err == nil {
		t.Fatal("expected a broken rules file to fail construction")
	}

	path = writeRulesFile(t, `x = 1`)
	if _, err := NewRequestValidator(storeWith(), nil, Options{RulesFile: path}, nil); err == nil {
		t.Fatal("expected a rules file without validate to fail construction")
	}
}

func TestRuleVerdictShapes(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		valid   bool
		message string
	}{
		{
			name:   "bool true",
			script: "def validate(request):\n    return True\n",
			valid:  true,
		},
		{
			name:    "bool false",
			script:  "def validate(request):\n    return False\n",
			valid:   false,
			message: "rejected by validation rules",
		},
		{
			name:    "string message",
			script:  "def validate(request):\n    return \"no capacity\"\n",
			valid:   false,
			message: "no capacity",
		},
		{
			name:   "empty string passes",
			script: "def validate(request):\n    return \"\"\n",
			valid:  true,
		},
		{
			name:    "dict verdict",
			script:  "def validate(request):\n    return {\"valid\": False, \"message\": \"blocked\"}\n",
			valid:   false,
			message: "blocked",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs, err := LoadRuleSet(writeRulesFile(t, tc.script), 0)
			if err != nil {
				t.Fatalf("LoadRuleSet failed: %v", err)
			}
			verdict, err := rs.Check(context.Background(), map[string]interface{}{
				"enclave_id":    "enc-1",
				"action":        "deploy",
				"configuration": map[string]interface{}{},
			})
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if verdict.Valid != tc.valid {
				t.Errorf("valid=%v, want %v", verdict.Valid, tc.valid)
			}
			if tc.message != "" && verdict.Message != tc.message {
				t.Errorf("message=%q, want %q", verdict.Message, tc.message)
			}
		})
	}
}

func TestRuleRejectsNonVerdictReturn(t *testing.T) {
	// LoadRuleSet probes with a sample request, so a script returning the
	// wrong type fails at load time.
	path := writeRulesFile(t, "def validate(request):\n    return 42\n")
	if _, err := LoadRuleSet(path, 0); err == nil {
		t.Fatal("expected an int verdict to be rejected")
	}
}
