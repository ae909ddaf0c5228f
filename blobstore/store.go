// Package blobstore abstracts the object stores checkpoint snapshots can
// be archived to. Implementations are provided for memory (tests), a
// local directory, S3, and MinIO.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error satisfying
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Store is a byte-oriented object store keyed by name.
type Store interface {
	// Put writes a blob atomically, replacing any existing blob of the
	// same name.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, in no
	// particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}
