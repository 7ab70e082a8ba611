package dispatch

import (
	"maps"
	"slices"
	"sync"
	"time"
)

const (
	DefaultCacheTTL        = 120 * time.Second
	DefaultCacheMaxSize    = 5000
	DefaultCacheEvictBatch = 500
)

type cacheEntry struct {
	value  map[string]any
	expiry time.Time
}

// ContextCache stores the last computed context per (user, channel).
//
// When full it evicts the entries closest to expiry, not the least recently
// used ones. Expired entries are also removed by Sweep, independently.
type ContextCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxSize    int
	evictBatch int
	defaultTTL time.Duration
	now        func() time.Time
}

func NewContextCache(maxSize, evictBatch int, defaultTTL time.Duration) *ContextCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	if evictBatch <= 0 {
		evictBatch = DefaultCacheEvictBatch
	}
	if evictBatch > maxSize {
		evictBatch = maxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &ContextCache{
		entries:    make(map[string]cacheEntry),
		maxSize:    maxSize,
		evictBatch: evictBatch,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// CacheKey builds the cache key for a (user, channel) pair.
func CacheKey(userID, channelID string) string {
	return userID + "_" + channelID
}

// Get returns a copy of the value for key. An expired entry is evicted and
// reported as a miss.
func (c *ContextCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	return maps.Clone(e.value), true
}

// Put inserts or overwrites key. A ttl <= 0 uses the cache default.
func (c *ContextCache) Put(key string, value map[string]any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictNearestExpiryLocked()
	}
	c.entries[key] = cacheEntry{value: maps.Clone(value), expiry: c.now().Add(ttl)}
}

func (c *ContextCache) evictNearestExpiryLocked() {
	keys := slices.Collect(maps.Keys(c.entries))
	slices.SortFunc(keys, func(a, b string) int {
		return c.entries[a].expiry.Compare(c.entries[b].expiry)
	})
	for _, k := range keys[:min(c.evictBatch, len(keys))] {
		delete(c.entries, k)
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ContextCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ContextCache) Stats() CacheStats {
	n := c.Len()
	return CacheStats{
		Size:        n,
		MaxSize:     c.maxSize,
		Utilization: float64(n) / float64(c.maxSize),
	}
}
