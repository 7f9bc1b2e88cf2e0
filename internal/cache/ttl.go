// Package cache holds the short-lived, caller-keyed caches shared by
// concurrent batch units.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached value with its freshness metadata. A zero TTL never
// expires.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry[V]) Fresh(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) < e.TTL
}

// TTL is a concurrency-safe map of entries keyed by caller id. Concurrent
// misses for one key are collapsed into a single load.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		entries: make(map[string]Entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

// Get returns the entry for key when it is present and fresh.
func (c *TTL[V]) Get(key string) (Entry[V], bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !entry.Fresh(c.now()) {
		return Entry[V]{}, false
	}
	return entry, true
}

// Set stores value under key, stamped now.
func (c *TTL[V]) Set(key string, value V) Entry[V] {
	entry := Entry[V]{Value: value, StoredAt: c.now(), TTL: c.ttl}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry
}

// Delete drops key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetOrLoad returns the fresh value for key or runs load once for all
// concurrent callers and stores its result. force skips the fresh check.
// Load errors are not cached. load keeps the values of ctx but not its
// cancellation.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, force bool, load func(context.Context) (V, error)) (V, error) {
	if !force {
		if entry, ok := c.Get(key); ok {
			return entry.Value, nil
		}
	}
	// the load is shared, so it must not die with the caller that started it
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := load(loadCtx)
		if err != nil {
			return value, err
		}
		c.Set(key, value)
		return value, nil
	})
	value, _ := v.(V)
	return value, err
}

// Purge removes expired entries and returns how many were dropped.
func (c *TTL[V]) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, entry := range c.entries {
		if !entry.Fresh(now) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}
