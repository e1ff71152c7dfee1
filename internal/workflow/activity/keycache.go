package activity

import (
	"sync"
	"time"
)

// KeyCache is a bounded, expiring cache for provider verification keys. It is
// an explicit object passed by reference, owned by whoever constructs it and
// never process-global, so retention stays enforceable and testable.
type KeyCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]keyEntry
	order   []string
	now     func() time.Time
}

type keyEntry struct {
	value     any
	expiresAt time.Time
}

// NewKeyCache builds a cache holding at most max entries, each expiring after
// ttl. When full, the oldest entry is evicted.
func NewKeyCache(max int, ttl time.Duration) *KeyCache {
	if max <= 0 {
		max = 16
	}
	return &KeyCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]keyEntry),
		now:     time.Now,
	}
}

// Get returns the cached value if present and unexpired.
func (c *KeyCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.deleteLocked(key)
		return nil, false
	}
	return e.value, true
}

// Put stores a value, evicting the oldest entry when the cache is full.
func (c *KeyCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.max && len(c.order) > 0 {
			c.deleteLocked(c.order[0])
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = keyEntry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Len reports the current number of entries, expired or not.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *KeyCache) deleteLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
