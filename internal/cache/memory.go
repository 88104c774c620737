// Package cache provides the contract.Cache backends used by the
// transformer engine's async correlation table: an in-process TTL store
// for single-daemon deployments, and a Redis-backed store for keeping
// correlation state across restarts of the same daemon.
package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/durapensa/ksid/internal/contract"
)

// Memory is a single-process, in-memory contract.Cache backed by
// patrickmn/go-cache. It is the default correlation table backend
// (Options.Cache is nil).
type Memory struct {
	store *gocache.Cache
}

// NewMemory creates a Memory cache. cleanup controls how often expired
// entries are swept; it does not need to track individual TTLs, which
// are set per Put call.
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{store: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get retrieves the value for key, or contract.ErrCacheKeyNotFound if
// missing or expired.
func (m *Memory) Get(_ context.Context, key string) (any, error) {
	val, found := m.store.Get(key)

	if !found {
		return nil, fmt.Errorf("%w: %s", contract.ErrCacheKeyNotFound, key)
	}

	return val, nil
}

// Put stores value under key with the given TTL.
func (m *Memory) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	m.store.Set(key, value, ttl)

	return nil
}

// Delete removes key, if present.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.store.Delete(key)

	return nil
}

// Has reports whether key exists and has not expired.
func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	_, found := m.store.Get(key)

	return found, nil
}
