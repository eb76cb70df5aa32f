// Package statestore persists snapshots of application state so a service
// can resume where it left off. Values are keyed by string and may expire.
package statestore

import (
	"context"
	"time"
)

// InitFunc produces the initial value for a key that has no snapshot yet.
type InitFunc[T any] func(ctx context.Context) (T, error)

// Store keeps snapshots of type T. Implementations are safe for concurrent
// use.
type Store[T any] interface {
	// Load returns the snapshot stored under key.
	//
	// Returns:
	//   - The value and true if present, or the zero value and false
	//   - An error if the backend failed
	Load(ctx context.Context, key string) (T, bool, error)

	// Save stores value under key. ttl <= 0 keeps it until deleted.
	Save(ctx context.Context, key string, value T, ttl time.Duration) error

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// LoadOrInit returns the snapshot under key, or runs initFn, stores its
	// result with ttl and returns it. Concurrent callers for the same key
	// share one initFn call.
	LoadOrInit(ctx context.Context, key string, ttl time.Duration, initFn InitFunc[T]) (T, error)
}
