// Package cache provides a small byte cache backed by Redis or process memory.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache stores opaque values with a time to live. Misses and backend failures
// both report ok=false; callers fall back to the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Close() error
}

// MemoryCache is an in-process Cache used when no Redis URL is configured.
type MemoryCache struct {
	now     func() time.Time
	entries map[string]memoryEntry
	mu      sync.Mutex
}

type memoryEntry struct {
	expires time.Time
	val     []byte
}

// NewMemoryCache creates an empty memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now, entries: make(map[string]memoryEntry)}
}

// Get returns a copy of the value if it has not expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return append([]byte(nil), e.val...), true
}

// Set stores val. A non-positive ttl deletes the key.
func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = memoryEntry{val: append([]byte(nil), val...), expires: c.now().Add(ttl)}
}

// Close drops all entries.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Loader reads through a Cache, coalescing concurrent misses for the same key.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader wraps c.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// Fetch returns the cached value for key or calls load once, even under
// concurrent callers, and caches its result for ttl. Load errors are not cached.
func (l *Loader) Fetch(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok := l.cache.Get(ctx, key); ok {
		return val, nil
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		l.cache.Set(ctx, key, val, ttl)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
