// Package validator checks enclave requests before any resource action is
// taken. Validation is layered:
//
//  1. The configuration payload must be valid JSON; missing fields are
//     filled with defaults.
//  2. The typed configuration is checked with struct tags and the CUE
//     schema (instance types, resource bounds).
//  3. Cross-field business rules run (cpu/memory ratio).
//  4. The request's current status must permit the action (no deploying an
//     already-deployed enclave, no destroying a record mid-deploy).
//  5. Rego policies decide whether the organization allows the request.
//  6. Optional user-defined Starlark rules get the final say.
//
// A verdict of invalid carries a diagnostic message for the request record.
// Infrastructure errors (store unreachable, rule engine broken) are
// returned as errors so the workflow can retry transient ones; the workflow
// fails closed on everything else.
package validator
