package model

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for the memory error taxonomy. Match with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrStorage          = errors.New("storage failure")
	ErrInvalidInput     = errors.New("invalid input")
	ErrFeatureDisabled  = errors.New("feature disabled")
)

// PermissionError is returned when an agent is not authorized for an
// operation on a scope.
type PermissionError struct {
	Agent AgentID
	Scope string
	Op    Operation
}

func (e *PermissionError) Error() string {
	if e.Op == OpSeed {
		return fmt.Sprintf("permission denied: agent %s cannot seed context (only %s can)", e.Agent, SeedingAgent)
	}
	return fmt.Sprintf("permission denied: agent %s cannot %s scope %s", e.Agent, e.Op, e.Scope)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// StorageError wraps an I/O failure from the persistent layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InputError reports structurally invalid input.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func quote(s string) string { return strconv.Quote(s) }
