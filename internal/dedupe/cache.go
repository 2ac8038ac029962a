// ABOUTME: Bounded TTL cache of seen message ids backing idempotent receipt.
// ABOUTME: Absorbs duplicate channel deliveries and history replays after reconnects.

package dedupe

import (
	"sync"
	"time"
)

// Cache tracks message ids that have already been applied to a transcript.
// Entries expire after a TTL and the cache holds at most maxSize ids;
// expired and excess entries are pruned lazily on writes, so the cache
// needs no background goroutine and no explicit shutdown.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// New creates a cache. A zero ttl means entries never expire; maxSize must
// be at least 1.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether the id is present and unexpired.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[id]
	if !ok {
		return false
	}
	if c.expired(at, time.Now()) {
		delete(c.seen, id)
		return false
	}
	return true
}

// SeenOrMark atomically checks the id and marks it when new. Returns true
// for a duplicate, false when the id is new and now recorded. The single
// lock section avoids a check-then-mark race between concurrent deliveries
// of the same message.
func (c *Cache) SeenOrMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[id]; ok && !c.expired(at, now) {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Mark records an id unconditionally, refreshing its timestamp if present.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id, time.Now())
}

// Len returns the number of tracked ids, including any not yet pruned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(id string, now time.Time) {
	if _, ok := c.seen[id]; !ok && len(c.seen) >= c.maxSize {
		c.pruneLocked(now)
	}
	c.seen[id] = now
}

// pruneLocked drops expired entries first, then the oldest entries until
// the cache is under capacity.
func (c *Cache) pruneLocked(now time.Time) {
	for id, at := range c.seen {
		if c.expired(at, now) {
			delete(c.seen, id)
		}
	}

	for len(c.seen) >= c.maxSize {
		var oldestID string
		var oldestAt time.Time
		for id, at := range c.seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID = id
				oldestAt = at
			}
		}
		delete(c.seen, oldestID)
	}
}

func (c *Cache) expired(at, now time.Time) bool {
	return c.ttl > 0 && now.Sub(at) > c.ttl
}
