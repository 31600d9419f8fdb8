// Package objstore provides a minimal key/value blob interface over
// S3-compatible object storage, the service's SQLite database, or memory.
//
// Every backend replaces whole objects atomically: a concurrent Get returns
// either the previous bytes or the new bytes, never a mix.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Bucket is a flat namespace of objects addressed by key.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns keys beginning with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
