package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL + size bounded set of seen keys. Adapters use it to
// drop redelivered chat messages (poll overlap, reconnect replays).
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration // <= 0 disables expiry; the cache is size-bounded only
	max   int
	seen  map[string]time.Time
	order []dedupeEntry // insertion order for size eviction
}

type dedupeEntry struct {
	key string
	at  time.Time
}

// NewDedupeCache creates a cache holding at most max keys, each for at most
// ttl. max <= 0 defaults to 1000.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{
		ttl:  ttl,
		max:  max,
		seen: make(map[string]time.Time, max),
	}
}

// IsDuplicate records key and reports whether it was already present. The
// first call for a key returns false, later calls within the window return
// true.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok {
		if c.ttl <= 0 || now.Sub(at) < c.ttl {
			return true
		}
		// expired; fall through and re-record
	}

	c.seen[key] = now
	c.order = append(c.order, dedupeEntry{key: key, at: now})

	// Evict oldest entries past the size bound. A re-recorded key leaves a
	// stale order entry behind, so only delete when the recorded time still
	// matches.
	for len(c.seen) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if at, ok := c.seen[oldest.key]; ok && at.Equal(oldest.at) {
			delete(c.seen, oldest.key)
		}
	}
	return false
}

// Len reports the number of live keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
