// Package core provides the relational memory client: governed writes,
// hybrid retrieval, versioned edits, promotion and conflict resolution
// over a pluggable storage backend.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested memory was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that a write request failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClaimValueWithoutKey indicates a claim value with no claim key.
	ErrClaimValueWithoutKey = errors.New("claim value requires a claim key")

	// ErrDimensionMismatch indicates an embedding whose width differs
	// from the configured dimensions.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingUnavailable indicates that no embedding provider is
	// configured for an operation that requires one.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrPoolAccess indicates a write into a pool the caller may not
	// write to.
	ErrPoolAccess = errors.New("pool access denied")

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = errors.New("storage operation failed")
)

// Error wraps errors with operation context.
//
// Example:
//
//	err := &Error{Op: "StoreMemory", Err: ErrDimensionMismatch}
//	// Error() returns: "relmem: StoreMemory: embedding dimension mismatch"
type Error struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *Error) Error() string {
	return fmt.Sprintf("relmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr wraps err with operation context, passing nil through.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
