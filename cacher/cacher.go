package cacher

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cacher: key not found")

// FetchFunc loads a value from its source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a typed key/value cache with TTLs. Implementations are safe for
// concurrent use and collapse concurrent misses for the same key into a
// single fetch.
type Cacher[T any] interface {
	// Get returns the cached value for key.
	//
	// Returns:
	//   - The cached value
	//   - ErrNotFound on a miss, or a backend error
	Get(ctx context.Context, key string) (T, error)

	// Set stores value under key for ttl. A zero ttl uses the backend default.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// GetOrFetch returns the cached value for key, or calls fetchFn on a miss
	// and caches its result for ttl. Failed fetches are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live for a fetched value
	//   - fetchFn: Loader called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the backend or fetchFn fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key owned by this cacher.
	Clear(ctx context.Context) error

	// ItemCount returns the number of keys owned by this cacher.
	ItemCount(ctx context.Context) (int, error)

	// DeleteByPrefix deletes all keys starting with prefix.
	//
	// Returns:
	//   - The number of keys deleted
	//   - An error if the operation fails part way
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
