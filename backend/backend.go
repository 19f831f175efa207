// Package backend stores the bytes behind local object handles.
//
// Local objects only live for one session, so backends are simple key/value
// byte stores with no metadata of their own; object metadata travels in the
// frame header written by the blob package.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend is a byte store keyed by slash-separated paths.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing anything already there.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the data at key. Returns ErrNotFound if absent.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Purger is implemented by backends that can drop everything at once, used
// when a session ends or a previous session left objects behind.
type Purger interface {
	Purge(ctx context.Context) error
}
