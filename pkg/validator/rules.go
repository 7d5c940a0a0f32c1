package validator

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
)

// RuleSet runs user-defined Starlark validation rules. The script must
// define a function
//
//	def validate(request):
//	    ...
//
// that returns True, an error message string, or a dict with "valid" and
// "message" keys. The request argument is a dict with enclave_id, action,
// and configuration.
type RuleSet struct {
	source  string
	program string
	timeout time.Duration
}

// RuleVerdict is the outcome of user-defined rules for one request.
type RuleVerdict struct {
	Valid   bool
	Message string
}

// LoadRuleSet reads and syntax-checks a Starlark rules file.
func LoadRuleSet(path string, timeout time.Duration) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rs := &RuleSet{source: path, program: string(data), timeout: timeout}

	// Execute once at load so a broken script fails startup, not requests.
	if _, err := rs.exec(map[string]interface{}{
		"enclave_id":    "probe",
		"action":        "deploy",
		"configuration": map[string]interface{}{},
	}); err != nil {
		return nil, fmt.Errorf("rules file %s is invalid: %w", path, err)
	}
	return rs, nil
}

// Check runs the rules against one request. Execution is bounded by the
// rule set's timeout; a hung or crashed script is an error, never a pass.
func (rs *RuleSet) Check(ctx context.Context, request map[string]interface{}) (RuleVerdict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	type outcome struct {
		verdict RuleVerdict
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		verdict, err := rs.exec(request)
		ch <- outcome{verdict, err}
	}()

	select {
	case <-evalCtx.Done():
		return RuleVerdict{}, fmt.Errorf("rules execution timed out after %v", rs.timeout)
	case out := <-ch:
		return out.verdict, out.err
	}
}

// exec runs the script and calls its validate function.
func (rs *RuleSet) exec(request map[string]interface{}) (RuleVerdict, error) {
	thread := &starlark.Thread{
		Name:  "validator-rules",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	globals, err := starlark.ExecFile(thread, rs.source, rs.program, nil)
	if err != nil {
		return RuleVerdict{}, fmt.Errorf("rules execution failed: %w", err)
	}

	validateFn, ok := globals["validate"]
	if !ok {
		return RuleVerdict{}, fmt.Errorf("rules file must define a validate function")
	}

	arg, err := toStarlarkValue(request)
	if err != nil {
		return RuleVerdict{}, fmt.Errorf("failed to convert request: %w", err)
	}

	result, err := starlark.Call(thread, validateFn, starlark.Tuple{arg}, nil)
	if err != nil {
		return RuleVerdict{}, fmt.Errorf("validate call failed: %w", err)
	}

	return verdictFromValue(result)
}

// verdictFromValue interprets the validate function's return value.
func verdictFromValue(v starlark.Value) (RuleVerdict, error) {
	switch val := v.(type) {
	case starlark.Bool:
		verdict := RuleVerdict{Valid: bool(val)}
		if !verdict.Valid {
			verdict.Message = "rejected by validation rules"
		}
		return verdict, nil

	case starlark.String:
		msg := string(val)
		if msg == "" {
			return RuleVerdict{Valid: true}, nil
		}
		return RuleVerdict{Valid: false, Message: msg}, nil

	case *starlark.Dict:
		verdict := RuleVerdict{Valid: true}
		if raw, found, err := val.Get(starlark.String("valid")); err == nil && found {
			b, ok := raw.(starlark.Bool)
			if !ok {
				return RuleVerdict{}, fmt.Errorf("valid must be a bool, got %s", raw.Type())
			}
			verdict.Valid = bool(b)
		}
		if raw, found, err := val.Get(starlark.String("message")); err == nil && found {
			if s, ok := raw.(starlark.String); ok {
				verdict.Message = string(s)
			}
		}
		if !verdict.Valid && verdict.Message == "" {
			verdict.Message = "rejected by validation rules"
		}
		return verdict, nil

	default:
		return RuleVerdict{}, fmt.Errorf("validate must return bool, string, or dict, got %s", v.Type())
	}
}

// toStarlarkValue converts a JSON-shaped Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
