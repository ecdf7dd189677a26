// Package store persists the history of pipeline runs.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned by GetRun for an unknown run ID.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateID is returned when a run ID was already recorded.
	ErrDuplicateID = errors.New("run already recorded")

	// ErrConnectionFailed covers opening and pinging the history database.
	ErrConnectionFailed = errors.New("history database unavailable")

	// ErrMigrationFailed is returned when the schema cannot be brought up to date.
	ErrMigrationFailed = errors.New("history schema migration failed")

	// ErrInvalidData is returned when a stored column cannot be decoded.
	ErrInvalidData = errors.New("corrupt run record")
)

// StoreError carries the operation and run that a history failure belongs to.
type StoreError struct {
	Op     string
	RunID  string
	Detail string
	Err    error
}

func (e *StoreError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("store %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("store %s run %s: %s", e.Op, e.RunID, e.Detail)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(op, runID, detail string, err error) *StoreError {
	return &StoreError{Op: op, RunID: runID, Detail: detail, Err: err}
}
