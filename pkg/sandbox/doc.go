// Package sandbox runs infrastructure tasks in an isolated process, locally
// or on a remote host over SSH. A runner drives one task to a terminal
// run-state; the workflow engine decides what that state means.
package sandbox
