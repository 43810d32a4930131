// Package storage provides the key-value store the coordinator keeps its
// credential, cached contexts, and alarm registrations in.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("not found")

// Error wraps a failure of the underlying store.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is the key-value collaborator. Values are opaque bytes; callers
// layer their own encoding on top.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the value for key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes the given keys in one batched call. Missing keys are
	// not an error.
	Remove(ctx context.Context, keys ...string) error
	// Keys lists all stored keys.
	Keys(ctx context.Context) ([]string, error)
	// BytesInUse reports the total size of stored keys and values.
	BytesInUse(ctx context.Context) (int64, error)
}
