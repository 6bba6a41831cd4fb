// Package store provides the opaque key-value persistence used for the
// offline queue, the state snapshot and the node identity. Two
// backends exist: a file store for single installations and a Redis
// store for shared deployments.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the opaque get/set/remove surface the node persists through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Well-known keys.
const (
	KeyQueue    = "queue"
	KeyState    = "state"
	KeyIdentity = "identity"
)
