// Package store provides the version-guarded record store the
// coordination core persists into. Every mutation goes through
// compare-and-swap so concurrent writers never lose updates.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrVersionMismatch is returned when a compare-and-swap loses the
	// race; callers re-read and retry.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Record is a versioned value. Version starts at 1 on creation and
// increments by one per successful swap.
type Record struct {
	Key     string
	Version uint64
	Data    []byte
}

// KV is the persistence capability injected into each component.
// Implementations must make CompareAndSwap atomic per key.
type KV interface {
	// Load returns the current record, or ErrNotFound.
	Load(ctx context.Context, key string) (Record, error)
	// CompareAndSwap writes data only if the stored version equals
	// expectedVersion. expectedVersion 0 creates the record and fails
	// with ErrVersionMismatch if it already exists. On success the new
	// record (with incremented version) is returned.
	CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, data []byte) (Record, error)
	// List returns all records whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Record, error)
}
