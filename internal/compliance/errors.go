package compliance

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is a caller error; the system does not retry it.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned by read-only status queries.
	ErrNotFound = errors.New("compliance check not found")
	// ErrUnavailable means a dependency needed to commit was unreachable.
	// Nothing was recorded and the caller may retry with the same request.
	ErrUnavailable = errors.New("compliance dependency unavailable")
	// ErrConflictAlreadyFinalized is raised by the audit log when a check for
	// the same idempotency key was already recorded. The orchestrator absorbs
	// it and returns the existing record.
	ErrConflictAlreadyFinalized = errors.New("compliance check already finalized")
)

// CheckError reports a check that ran and was durably recorded as ERROR.
// Retrying requires a new caller request id since the original is immutable.
type CheckError struct {
	Check *Check
	Stage Stage
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("compliance check %s failed at stage %s: %v", e.Check.ID, e.Stage, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }
