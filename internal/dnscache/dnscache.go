// Package dnscache provides a small TTL-bounded lookup cache the web
// gateway uses to keep resolved backend addresses between requests
// (5-minute entry lifetime by default). The database gateway does not use
// it: it dials the backend service name directly on every connection.
package dnscache

import (
	"sync"
	"time"
)

// DefaultTTL is the entry lifetime spec.md specifies for routing lookups.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value   any
	expires time.Time
}

// Cache is a generic, process-local, read-write-locked TTL cache keyed by string.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry

	stop chan struct{}
}

// New creates a cache with the given TTL and starts its background sweeper.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	close(c.stop)
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's configured TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expires: time.Now().Add(c.ttl)}
}

// Invalidate removes key immediately, used when the orchestrator watcher
// observes a change before the TTL would otherwise expire the entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
