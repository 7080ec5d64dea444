package utils

import (
	"sync"
	"time"
)

// ValueCache is a small in-memory TTL cache of string values keyed by string.
// It is thread-safe and used to suppress republishing unchanged state.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]entry
}

type entry struct {
	v  string
	at time.Time
}

// NewValueCache creates a new cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, now: time.Now, data: make(map[string]entry, 64)}
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return "", false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v string) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Changed stores v and reports whether it differs from the live cached value.
func (c *ValueCache) Changed(key, v string) bool {
	old, ok := c.GetValue(key)
	if ok && old == v {
		return false
	}
	c.SetValue(key, v)
	return true
}

// Forget drops key.
func (c *ValueCache) Forget(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}
