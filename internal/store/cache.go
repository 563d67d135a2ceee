package store

import (
	"fmt"
	"sync"
	"time"
)

// Cache is a short-TTL read-through cache in front of the grant store,
// keyed by (user, channel). Every grant mutation must invalidate its
// entries before returning so readers never see stale active state
// across a mutation boundary.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	// now is injected for expiry tests.
	now func() time.Time
}

type cacheEntry struct {
	grant     *Grant
	expiresAt time.Time
}

// NewCache creates a Cache with the given TTL. A zero or negative TTL
// disables caching entirely (every Get misses).
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key builds the cache key for a (user, channel) filter.
func Key(userID int64, channelID string) string {
	return fmt.Sprintf("%d:%s", userID, channelID)
}

// Get returns the cached grant for the filter, or nil on miss/expiry.
func (c *Cache) Get(userID int64, channelID string) *Grant {
	if c.ttl <= 0 {
		return nil
	}

	c.mu.RLock()
	entry, ok := c.entries[Key(userID, channelID)]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		return nil
	}

	return entry.grant
}

// Put stores a grant under the (user, channel) filter key.
func (c *Cache) Put(userID int64, channelID string, g *Grant) {
	if c.ttl <= 0 || g == nil {
		return
	}

	c.mu.Lock()
	c.entries[Key(userID, channelID)] = cacheEntry{grant: g, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entries a grant mutation can have touched: the
// exact (user, channel) key and the user's any-channel key.
func (c *Cache) Invalidate(userID int64, channelID string) {
	c.mu.Lock()
	delete(c.entries, Key(userID, channelID))
	delete(c.entries, Key(userID, ""))

	// Grants without a user binding are visible through the 0 filter too.
	if userID != 0 {
		delete(c.entries, Key(0, channelID))
		delete(c.entries, Key(0, ""))
	}
	c.mu.Unlock()
}
