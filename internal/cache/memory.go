package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

// window is one fixed rate-limit window.
type window struct {
	count     int64
	expiresAt time.Time
}

// MemoryCache is a bounded in-process LRU with per-entry TTL. One mutex guards the
// LRU list and the tag index together, so every operation sees a consistent view.
// Counters live outside the LRU so cached reads can never evict them.
type MemoryCache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, entry]
	tags      map[string]map[string]struct{}
	now       func() time.Time
	explicit  bool
	evictions uint64

	counterMu sync.Mutex
	counters  map[string]window
	nextSweep time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries entries.
func NewMemoryCache(maxEntries int, opts ...MemoryOption) (*MemoryCache, error) {
	c := &MemoryCache{
		tags:     make(map[string]map[string]struct{}),
		now:      time.Now,
		counters: make(map[string]window),
	}
	for _, opt := range opts {
		opt(c)
	}

	lru, err := simplelru.NewLRU[string, entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu for both capacity evictions and explicit removals.
func (c *MemoryCache) onEvict(key string, e entry) {
	for _, tag := range e.tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
	if !c.explicit {
		c.evictions++
	}
}

func (c *MemoryCache) remove(key string) bool {
	c.explicit = true
	defer func() { c.explicit = false }()
	return c.lru.Remove(key)
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.remove(key)
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-setting a key must drop its old tag memberships first.
	if c.lru.Contains(key) {
		c.remove(key)
	}

	c.lru.Add(key, entry{
		value:     bytes.Clone(value),
		expiresAt: c.now().Add(ttl),
		tags:      append([]string(nil), tags...),
	})
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
	return nil
}

func (c *MemoryCache) InvalidateTag(_ context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.tags[tag]
	removed := 0
	for key := range keys {
		if c.remove(key) {
			removed++
		}
	}
	delete(c.tags, tag)
	return removed, nil
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

// IncrWithExpiry counts within a window that starts at the first increment and
// lasts expiry. Later increments do not extend the window.
// Expired windows are swept at most once per expiry.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()

	now := c.now()
	if !now.Before(c.nextSweep) {
		for k, w := range c.counters {
			if !now.Before(w.expiresAt) {
				delete(c.counters, k)
			}
		}
		c.nextSweep = now.Add(expiry)
	}

	w, ok := c.counters[key]
	if !ok || !now.Before(w.expiresAt) {
		w = window{expiresAt: now.Add(expiry)}
	}
	w.count++
	c.counters[key] = w
	return w.count, nil
}

// Len reports the number of stored entries, including expired ones not yet reaped.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Evictions reports how many entries were dropped to stay within capacity.
func (c *MemoryCache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

var (
	_ Cache   = (*MemoryCache)(nil)
	_ Counter = (*MemoryCache)(nil)
)
