package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the journal operation taxonomy. Callers should test
// with errors.Is; the public API additionally surfaces a machine-readable
// ErrorCode derived from these.
var (
	// ErrPathConflict indicates the path exists with an incompatible type.
	ErrPathConflict = errors.New("path exists with conflicting type")
	// ErrNotFound indicates the operation target is absent.
	ErrNotFound = errors.New("path not found")
	// ErrNotEmpty indicates directory deletion was blocked by children.
	ErrNotEmpty = errors.New("directory not empty")
	// ErrClosed indicates an operation was attempted after shutdown.
	ErrClosed = errors.New("journal is closed")
	// ErrPeerUnreachable indicates a per-peer replication call failed.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// StorageError wraps a durable log/checkpoint I/O failure. It is fatal for
// the triggering operation and surfaced to the caller, never silently retried.
type StorageError struct {
	Op  string // e.g. "wal.append", "checkpoint.write"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err as a StorageError for the given operation.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError checks if an error is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ErrorCode is the machine-readable failure code carried by operation results.
type ErrorCode string

const (
	CodeNone         ErrorCode = ""
	CodePathConflict ErrorCode = "path_conflict"
	CodeNotFound     ErrorCode = "not_found"
	CodeNotEmpty     ErrorCode = "not_empty"
	CodeStorage      ErrorCode = "storage_error"
	CodeClosed       ErrorCode = "closed"
	CodeInternal     ErrorCode = "internal"
)

// CodeOf maps an error to its ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrPathConflict):
		return CodePathConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case IsStorageError(err):
		return CodeStorage
	default:
		return CodeInternal
	}
}
