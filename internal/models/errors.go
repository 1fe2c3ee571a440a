package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	ErrCodeDiskWriteFailed   = "DISK_WRITE_FAILED"
	ErrCodeDiskReadFailed    = "DISK_READ_FAILED"
	ErrCodeTimeout           = "OPERATION_TIMEOUT"
	ErrCodeIntegrity         = "INTEGRITY_CHECK_FAILED"
	ErrCodeConcurrency       = "CONCURRENCY_CONFLICT"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeCapacity          = "CAPACITY_EXCEEDED"
	ErrCodePathConflict      = "PATH_CONFLICT"
)

// Sentinel errors
var (
	ErrWorkerUnavailable = errors.New("worker pool unavailable")
	ErrPathConflict      = errors.New("note path already claimed")
	ErrNoteNotFound      = errors.New("note history not found")
	ErrBranchNotFound    = errors.New("branch not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrQueueCleared      = errors.New("queue cleared before task ran")
)

// HistoryError provides detailed engine failure information.
type HistoryError struct {
	Code   string
	Op     string
	NoteID string
	Path   string
	Err    error
}

func (e *HistoryError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s [%s]: note %s: %s: %v", e.Op, e.Code, e.NoteID, e.Path, e.Err)
	}
	return fmt.Sprintf("%s [%s]: note %s: %v", e.Op, e.Code, e.NoteID, e.Err)
}

func (e *HistoryError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a write-verify mismatch.
type IntegrityError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %d bytes, got %d",
		e.Path, e.Expected, e.Actual)
}

// ErrCode extracts the engine error code from an error chain, or "".
func ErrCode(err error) string {
	var he *HistoryError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}
