// Package storage persists authorization request and session records behind
// a small key/value contract with several interchangeable backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no record
var ErrNotFound = errors.New("record not found")

// DefaultRequestMaxAge bounds how long an unfinished authorization request is kept.
const DefaultRequestMaxAge = 24 * time.Hour

// Store is the key/value contract every backend implements. Each store is
// confined to its own namespace (a key prefix), so several logical stores can
// share one physical medium.
//
// Clear with maxAge <= 0 removes every record in the namespace. With a positive
// maxAge it removes only records whose created_at is older than now-maxAge;
// records without a readable created_at are left alone and never fail the call.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, maxAge time.Duration) error
}

// Initializer is implemented by stores that need setup before first use,
// such as creating tables.
type Initializer interface {
	Init(ctx context.Context) error
}

// Init runs Init on s when it implements Initializer.
func Init(ctx context.Context, s Store) error {
	if i, ok := s.(Initializer); ok {
		return i.Init(ctx)
	}
	return nil
}

type createdAtProbe struct {
	CreatedAt *json.Number `json:"created_at"`
}

// recordCreatedAt extracts created_at (Unix seconds) from a JSON record.
func recordCreatedAt(value []byte) (time.Time, bool) {
	var probe createdAtProbe
	if err := json.Unmarshal(value, &probe); err != nil || probe.CreatedAt == nil {
		return time.Time{}, false
	}
	secs, err := probe.CreatedAt.Float64()
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0), true
}

// expired reports whether a record should be removed by Clear(maxAge).
func expired(value []byte, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	created, ok := recordCreatedAt(value)
	if !ok {
		return false
	}
	return created.Before(now.Add(-maxAge))
}
