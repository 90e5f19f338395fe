package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBaseline means a metric has no mature baseline yet.
	// It suppresses alerting and is never surfaced to the user.
	ErrInsufficientBaseline = errors.New("insufficient baseline data")

	// ErrNotFound is returned when a profile or alert does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a disallowed alert status change.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrStorageUnavailable wraps transient failures of the storage collaborator.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DataError describes a malformed or out-of-range record. The record is dropped
// and counted; it is never fatal.
type DataError struct {
	Field  string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewDataError builds a DataError with a formatted reason.
func NewDataError(field, format string, args ...any) *DataError {
	return &DataError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// OverflowError reports records dropped because the ingestion buffer was full.
type OverflowError struct {
	Dropped  uint64
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("ingestion buffer overflow: dropped %d records (capacity %d)", e.Dropped, e.Capacity)
}
