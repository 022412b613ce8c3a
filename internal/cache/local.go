package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type localEntry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// LocalCache is a bounded in-process TTL map. Writes never evict: Purge, run
// periodically by Run, drops expired entries and then trims the oldest ones
// down to the size bound. Between purges the map may grow to twice the bound;
// past that new keys are not cached.
type LocalCache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]localEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewLocalCache creates a cache. maxSize <= 0 means unbounded.
func NewLocalCache[K comparable, V any](ttl time.Duration, maxSize int) *LocalCache[K, V] {
	return &LocalCache[K, V]{
		items:   make(map[K]localEntry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *LocalCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *LocalCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *LocalCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= 2*c.maxSize {
		return
	}
	now := c.now()
	c.items[key] = localEntry[V]{value: value, storedAt: now, expiresAt: now.Add(ttl)}
}

func (c *LocalCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *LocalCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge drops expired entries, then the oldest ones while over the size
// bound. It returns how many were removed.
func (c *LocalCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}

	over := len(c.items) - c.maxSize
	if c.maxSize <= 0 || over <= 0 {
		return n
	}
	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.items[keys[i]].storedAt.Before(c.items[keys[j]].storedAt)
	})
	for _, k := range keys[:over] {
		delete(c.items, k)
	}
	return n + over
}

// Run purges expired entries every interval until ctx is done.
func (c *LocalCache[K, V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}
