// Package cache provides an in-process TTL cache that memoizes
// expensive, idempotent collaborator results keyed by content
// fingerprint and stage. Losing entries only causes redundant external
// calls, never incorrect pipeline state.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is deliberately shorter than a typical trend lifetime so
// stale cached blueprints do not outlive their relevance.
const DefaultTTL = 30 * time.Minute

// Stats counts cache effectiveness for the health dashboard.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a concurrency-safe key/value store with per-entry TTL and a
// background sweep janitor.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stats   Stats

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// New creates a cache and starts a sweep loop on the given interval.
// A non-positive interval disables sweeping; expired entries are then
// only dropped lazily on Get.
func New(sweepInterval time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Key builds the canonical cache key for a stage output.
func Key(fingerprint string, stage string) string {
	return fingerprint + ":" + stage
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		c.mu.Lock()
		c.stats.Hits++
		c.mu.Unlock()
		return e.value, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		// Expired between reads; drop it now.
		if cur, still := c.entries[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
	c.stats.Misses++
	return nil, false
}

// Put stores value under key for the given TTL. A non-positive TTL
// falls back to DefaultTTL.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.stats.Sets++
}

// Invalidate removes key, e.g. when an item's fingerprint changes after
// an operator edit.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.stats.Evictions++
	}
}

// InvalidateFingerprint removes every stage entry for a fingerprint.
func (c *Cache) InvalidateFingerprint(fingerprint string) {
	prefix := fingerprint + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close stops the sweep loop.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
}
