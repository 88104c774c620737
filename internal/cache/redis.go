package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durapensa/ksid/internal/contract"
)

// RedisOptions re-exports redis.Options so callers configuring the
// daemon never need to import go-redis directly.
type RedisOptions = redis.Options

// Redis is a contract.Cache backed by a shared Redis instance, letting
// the correlation table survive across multiple daemon replicas behind
// the same store. Values are JSON-encoded on the wire since Redis only
// stores strings/bytes.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis cache from connection options.
func NewRedis(options *RedisOptions) *Redis {
	return &Redis{client: redis.NewClient(options)}
}

// Get retrieves and JSON-decodes the value stored for key.
func (r *Redis) Get(ctx context.Context, key string) (any, error) {
	encoded, err := r.client.Get(ctx, key).Result()

	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", contract.ErrCacheKeyNotFound, key)
	}

	if err != nil {
		return nil, err
	}

	var v any

	if err := json.Unmarshal([]byte(encoded), &v); err != nil {
		return nil, err
	}

	return v, nil
}

// Put JSON-encodes value and stores it under key with the given TTL.
func (r *Redis) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)

	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, encoded, ttl).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Has reports whether key exists.
func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()

	if err != nil {
		return false, err
	}

	return n > 0, nil
}
