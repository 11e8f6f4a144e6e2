// Package aoftask implements the task record, its on-disk serialization,
// and the file-backed task store.
package aoftask

import "errors"

// Sentinel errors for the task store's error taxonomy. Callers use
// errors.Is against these; wrapped errors carry task-specific detail.
var (
	// ErrInvalidTransition is returned when a status transition is not in
	// the lifecycle table.
	ErrInvalidTransition = errors.New("aoftask: invalid transition")
	// ErrTerminalState is returned when mutating a task in a terminal status.
	ErrTerminalState = errors.New("aoftask: task is in a terminal state")
	// ErrNotFound is returned when a task id does not resolve to any file.
	ErrNotFound = errors.New("aoftask: task not found")
	// ErrAmbiguous is returned when a prefix lookup matches more than one task.
	ErrAmbiguous = errors.New("aoftask: ambiguous task id prefix")
	// ErrCycleDetected is returned when a dependsOn write would introduce a cycle.
	ErrCycleDetected = errors.New("aoftask: dependency cycle detected")
	// ErrParse is returned when a task file's header cannot be parsed.
	ErrParse = errors.New("aoftask: parse error")
	// ErrSchemaViolation is returned when a parsed header fails schema checks.
	ErrSchemaViolation = errors.New("aoftask: schema violation")
	// ErrIO wraps unexpected filesystem failures (permissions, disk full,
	// anything other than a clean "not found").
	ErrIO = errors.New("aoftask: io error")
)
