// Package objectstore wraps a remote volume transport (disk, GCS, or an
// in-memory fake for tests) behind an ordered, asynchronous put/get/
// delete/list queue with retry and optional bandwidth limiting.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Get when the named object is not present
// in the backend.
var ErrNotExist = errors.New("objectstore: object does not exist")

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	Name    string
	Size    int64
	Created time.Time
}

// Backend is the contract a remote volume transport implements. Unlike
// the content-addressed chunk store this package's design is grounded
// on, objects here are named by the caller (a remote volume's own
// filename), not derived from their content.
type Backend interface {
	String() string

	// Put uploads the full contents read from r under name. Put must
	// not partially create the object on error: a failed Put leaves no
	// object visible to Get/List under name.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get returns a reader for the named object, or ErrNotExist.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the named object. Deleting a name that doesn't
	// exist is not an error.
	Delete(ctx context.Context, name string) error

	// List enumerates objects whose name has the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
