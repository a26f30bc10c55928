package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the persistence taxonomy (spec §7: StoreError,
// SchemaError, NotFound), mirroring the teacher's pkg/services/errors.go
// shape of exported sentinels plus a typed wrapper for anything that needs
// extra context.
var (
	ErrNotFound              = errors.New("entity not found")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrNotRetryable          = errors.New("batch execution has no failed or cancelled subtasks to retry")
	ErrNotStoppable          = errors.New("batch execution is not in a stoppable state")
	ErrDeleteWhileRunning    = errors.New("cannot delete a running batch execution")
)

// SchemaError reports a widening that the target engine could not perform
// (spec §4.4 step 5, §7 SchemaError). It is recorded verbatim in the schema
// audit log and surfaces as a SubTask failure with WIDEN_TYPE_FAILED.
type SchemaError struct {
	Table  string
	Column string
	From   string
	To     string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("widening %s.%s from %s to %s: %v", e.Table, e.Column, e.From, e.To, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// StoreError wraps a columnar-store write failure with the table it
// concerned (spec §7 StoreError: "SubTask fails; no cross-SubTask
// poisoning" — callers attach this to exactly one SubTask).
type StoreError struct {
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error on table %s: %v", e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
