// ABOUTME: In-memory dedupe cache for recently written identities
// ABOUTME: Fast-path loop guard with TTL entries; the ledger remains the source of truth
package sync

import (
	gosync "sync"
	"time"
)

// DefaultDedupeWindow is how long an echo of our own write is suppressed.
const DefaultDedupeWindow = 30 * time.Second

// DedupeCache records identities the engine just wrote so the returning
// webhook can be skipped without a ledger read. Entries are per identity and
// last-write-wins; the cache is reconstructible from the ledger if lost.
type DedupeCache struct {
	mu      gosync.Mutex
	entries map[string]time.Time // identity -> expiry
	now     func() time.Time
}

// NewDedupeCache creates an empty cache using the wall clock.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkWritten records that identity was just written by us.
func (c *DedupeCache) MarkWritten(identity string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identity] = c.now().Add(ttl)
}

// WasRecentlyWritten reports whether identity has an unexpired entry.
func (c *DedupeCache) WasRecentlyWritten(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[identity]
	if !ok {
		return false
	}
	if c.now().After(expiry) {
		delete(c.entries, identity)
		return false
	}
	return true
}

// Len returns the number of unexpired entries, evicting expired ones.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}
