// Package coordination lets independent engine instances that share a medium
// elect a single actor for an operation and broadcast events to each other.
package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Medium.Get for absent or expired keys
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable marks a medium that cannot currently be reached
	ErrUnavailable = errors.New("coordination medium unavailable")
)

// Medium is the shared state visible to every instance. Values written with
// a positive TTL disappear once it elapses.
type Medium interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch calls fn with the key of every write under prefix, including
	// writes made by the watcher itself, until the returned cancel is called.
	Watch(ctx context.Context, prefix string, fn func(key string)) (cancel func(), err error)
}
