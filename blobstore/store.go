// Package blobstore abstracts the document/blob backends the stores write
// to. The engine treats every backend as a flat namespace of named byte
// blobs; record layout and integrity live above this interface.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("blob not found")

// Store is an abstraction for named byte blobs.
//
// Names use forward slashes as separators (e.g. "templates/<id>.json").
// Put must be atomic: readers never observe a partially written blob.
type Store interface {
	// Put writes a blob atomically, replacing any existing blob.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Sizer is an optional interface for stores that can report total storage
// consumed under a prefix. Used for stats only; stores without it report 0.
type Sizer interface {
	// SizeOf returns the total bytes stored under prefix.
	SizeOf(ctx context.Context, prefix string) (int64, error)
}
