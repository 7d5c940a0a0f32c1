// Package engine implements the enclave deployment orchestration core:
// the change dispatcher that reacts to request-record transitions, the
// deploy/destroy workflow state machine, the error notifier, and the
// status reconciler.
//
// The engine owns no infrastructure of its own. It consumes three
// capabilities defined in interfaces.go - a request store, a validator,
// and a task execution sandbox - and drives an enclave request through
// its status lifecycle:
//
//	PENDING_DEPLOY  -> DEPLOYING  -> DEPLOYED  | FAILED
//	PENDING_DESTROY -> DESTROYING -> DESTROYED | FAILED
//
// A workflow instance is ephemeral: it exists for exactly one dispatched
// action, is single-threaded in its own control flow, and is destroyed
// when it reaches a terminal state. The request record's status field is
// the only externally observable workflow state.
package engine
