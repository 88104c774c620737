package contract

import (
	"context"
	"errors"
	"time"
)

// ErrCacheKeyNotFound is returned when a key does not exist (or has
// expired) in the cache.
var ErrCacheKeyNotFound = errors.New("cache key not found")

// Cache is the storage contract the async transformer correlation
// table is built on. Only the operations the correlation table
// actually needs (Get/Put/Delete/Has) are declared.
type Cache interface {
	// Get retrieves the value for the given key, or
	// ErrCacheKeyNotFound if it is missing or expired.
	Get(ctx context.Context, key string) (any, error)

	// Put stores a value for the given key with a TTL.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes the cached value for the given key, if present.
	Delete(ctx context.Context, key string) error

	// Has reports whether the key exists and has not expired.
	Has(ctx context.Context, key string) (bool, error)
}
