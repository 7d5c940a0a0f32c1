package validator

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for configuration validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in enclave
// configuration schema registered.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("enclave", builtinEnclaveSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles a CUE source and registers its first definition
// under a name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to inspect schema %s: %w", name, err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			sr.schemas[name] = iter.Value()
			return nil
		}
	}
	return fmt.Errorf("schema %s contains no definition", name)
}

// ValidateAgainstSchema unifies data with a named schema and reports any
// constraint violation.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, name string, data interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// builtinEnclaveSchema constrains an enclave configuration after defaults
// are applied. The struct is open: forward-compatible fields pass through
// to the sandbox untouched.
const builtinEnclaveSchema = `
#EnclaveConfig: {
	// instance_type is the parent compute instance family and size.
	instance_type: "m5.large" | "m5.xlarge" | "m5.2xlarge" | "m5.4xlarge" | "c5.xlarge" | "c5.2xlarge" | "c5.4xlarge" | "r5.xlarge" | "r5.2xlarge"

	// cpu_count is the number of vCPUs carved out for the enclave.
	cpu_count: int & >=2 & <=16

	// memory_mib is the enclave memory allocation.
	memory_mib: int & >=512 & <=32768

	// eif_path points at the enclave image file.
	eif_path: string & !=""

	// debug_mode exposes the enclave console.
	debug_mode: bool

	...
}
`
