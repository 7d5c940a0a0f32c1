package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDirParsesRegoAndJSON(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "naming.rego", `# Enforces org naming for enclaves
package enclave.policies.custom

import rego.v1

deny contains "bad name" if {
	input.enclave_id == "forbidden"
}`)
	writePolicyFile(t, dir, "ceiling.json", `{
		"name": "custom-ceiling",
		"description": "Custom ceiling",
		"severity": "error",
		"enabled": true,
		"rego": "package enclave.policies.ceiling\n\nimport rego.v1\n\ndeny contains \"too big\" if {\n\tinput.configuration.cpu_count > 4\n}"
	}`)
	writePolicyFile(t, dir, "notes.txt", "not a policy")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}

	rego, ok := byName["naming"]
	if !ok {
		t.Fatal("rego policy not loaded")
	}
	if rego.Description != "Enforces org naming for enclaves" {
		t.Errorf("description not extracted, got %q", rego.Description)
	}
	if rego.Severity != SeverityWarning || !rego.Enabled {
		t.Errorf("rego defaults wrong: %+v", rego)
	}

	jsonPolicy, ok := byName["custom-ceiling"]
	if !ok {
		t.Fatal("json policy not loaded")
	}
	if jsonPolicy.Severity != SeverityError {
		t.Errorf("json severity not honored: %+v", jsonPolicy)
	}
}

func TestLoadDirSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "broken.json", "{not json")
	writePolicyFile(t, dir, "good.rego", `package enclave.policies.good

import rego.v1

deny contains "nope" if {
	input.action == "never"
}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "good" {
		t.Errorf("expected only the good policy, got %+v", policies)
	}
}

func TestLoadedPoliciesCompileInEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "extra.rego", `package enclave.policies.extra

import rego.v1

deny contains violation if {
	input.action == "deploy"
	input.configuration.cpu_count > 2
	violation := {
		"message": "org allows at most 2 vCPUs",
	}
}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), policies); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	result, err := e.Evaluate(context.Background(), testInput("deploy", "development",
		`{"cpu_count":4,"eif_path":"s3://enclaves/app.eif"}`, "0xabc"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// The file policy loads at warning severity by default, so it reports
	// without blocking.
	found := false
	for _, v := range result.Violations {
		if v.Policy == "extra" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected violation from loaded policy, got %+v", result.Violations)
	}
}
