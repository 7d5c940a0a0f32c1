// Package policy evaluates Rego policies against enclave requests before
// any infrastructure action runs.
//
// Policies are organizational rules layered on top of schema validation:
// the validator checks that a configuration is well-formed, policies decide
// whether this organization allows it (debug mode in production, resource
// ceilings, teardown protection). Each policy is a Rego module whose deny
// rules yield violations; violations at error or critical severity block
// the request.
//
// Built-in policies ship compiled into the binary. Additional .rego or
// .json policy files can be loaded from a directory and hot-reloaded when
// they change on disk.
package policy
