package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the storage/indexing/durability core. Callers
// should use errors.Is against these, not string matching.
var (
	// ErrInvalidArgument covers dimension mismatches, nil/empty inputs, k=0.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange is returned when a vector id is beyond the store's count.
	ErrOutOfRange = errors.New("vector id out of range")

	// ErrNotTrained is returned by IVF-PQ insert/search before training.
	ErrNotTrained = errors.New("index not trained")

	// ErrCorruptSnapshot covers magic/version/dim/index-type/CRC mismatches
	// on a database snapshot file.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrCorruptWAL covers magic/version/dim/index-type/CRC mismatches or a
	// torn tail in a WAL file.
	ErrCorruptWAL = errors.New("corrupt wal")

	// ErrIO wraps an underlying read/write/flush failure.
	ErrIO = errors.New("io error")

	// ErrOutOfMemory is returned when an allocation fails in a hot path.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrConflict is returned when a conditional mutation's version
	// predicate fails.
	ErrConflict = errors.New("version conflict")

	// ErrConditionFailed is returned when a non-version condition of a
	// conditional mutation fails.
	ErrConditionFailed = errors.New("condition failed")

	// ErrNotFound is returned when a conditional mutation's target is
	// missing or already deleted.
	ErrNotFound = errors.New("not found")
)

// StoreError wraps an error with the operation that produced it.
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gigavector: %v", e.Err)
	}
	return fmt.Sprintf("gigavector: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps an error with operation context. Returns nil if err is nil.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
