package registry

import (
	"sync"
	"time"
)

const defaultCacheTTL = 60 * time.Second

// cacheEntry mirrors one resolved mapping plus a tombstone flag set when the
// underlying board was detected as gone.
type cacheEntry struct {
	mapping  Mapping
	deleted  bool
	storedAt time.Time
}

// resolutionCache is a best-effort TTL cache owned by one Registry instance.
// Its loss never changes correctness, only latency.
type resolutionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]cacheEntry
}

func newResolutionCache(ttl time.Duration, clock func() time.Time) *resolutionCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &resolutionCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

func (c *resolutionCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.clock().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *resolutionCache) set(key string, mapping Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{mapping: mapping, storedAt: c.clock()}
}

func (c *resolutionCache) tombstone(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{deleted: true, storedAt: c.clock()}
}

func (c *resolutionCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
