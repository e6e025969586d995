package workflow

import (
	"container/list"
	"sync"
	"time"

	"github.com/swarmguard/workflow/internal/config"
)

// Cache is the result-cache contract of spec §4.3: lookup and store by
// cache_key, with TTL-based expiry enforced by the implementation.
type Cache interface {
	Get(key string) (value any, ok bool)
	Set(key string, value any, ttl time.Duration)
}

type memoryCacheEntry struct {
	key       string
	value     any
	expiresAt time.Time
	hasTTL    bool
	elem      *list.Element
}

// MemoryCache is an in-process TTL+LRU bounded cache, the default
// backend of spec §4.3. maxEntries <= 0 means unbounded.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*memoryCacheEntry
	order      *list.List // front = most recently used
	now        func() time.Time
}

// NewMemoryCache constructs a MemoryCache bounded to maxEntries (0 or
// negative means unbounded).
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    map[string]*memoryCacheEntry{},
		order:      list.New(),
		now:        time.Now,
	}
}

// NewMemoryCacheFromEnv constructs a MemoryCache bounded by
// RESULT_CACHE_MAX_ENTRIES (spec §6 Environment), or unbounded if unset.
func NewMemoryCacheFromEnv() *MemoryCache {
	return NewMemoryCache(config.Load().ResultCacheMaxEntries)
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.hasTTL && c.now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	e := &memoryCacheEntry{key: key, value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = c.now().Add(ttl)
	}
	e.elem = c.order.PushFront(key)
	c.entries[key] = e

	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			back := c.order.Back()
			if back == nil {
				break
			}
			if victim, ok := c.entries[back.Value.(string)]; ok {
				c.removeLocked(victim)
			}
		}
	}
}

func (c *MemoryCache) removeLocked(e *memoryCacheEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
