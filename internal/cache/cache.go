// Package cache provides time-bounded memoization for collection reads.
package cache

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// entry wraps a cached document with its expiry.
type entry struct {
	doc    json.RawMessage
	expiry time.Time
}

// Cache memoizes storage reads keyed by (collection, query) for a fixed TTL.
// Any write to a collection invalidates every entry for that collection —
// coarse invalidation, correctness over granularity. Expired entries are
// dropped lazily on Get and periodically by Sweep. Thread-safe.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	ttl   time.Duration
}

// New creates a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]entry),
		ttl:   ttl,
	}
}

// MakeKey builds a cache key from a collection name and a serialized query.
// The separator cannot appear in collection names, so prefix invalidation is
// exact.
func MakeKey(collection, query string) string {
	return collection + "|" + query
}

// Get returns a cached document if present and not expired. An entry older
// than the TTL is treated as absent, never returned.
func (c *Cache) Get(collection, query string) (json.RawMessage, bool) {
	key := MakeKey(collection, query)

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(e.expiry) {
		// Expired: remove lazily
		c.mu.Lock()
		if e2, ok2 := c.items[key]; ok2 && time.Now().After(e2.expiry) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return e.doc, true
}

// Set stores a document under (collection, query).
func (c *Cache) Set(collection, query string, doc json.RawMessage) {
	key := MakeKey(collection, query)

	c.mu.Lock()
	c.items[key] = entry{
		doc:    doc,
		expiry: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// InvalidateCollection removes every entry for the collection.
func (c *Cache) InvalidateCollection(collection string) {
	prefix := collection + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// Sweep drops every expired entry. Called on an interval by the owner so the
// map does not accumulate dead entries for cold keys.
func (c *Cache) Sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if now.After(e.expiry) {
			delete(c.items, key)
		}
	}
}

// Len returns the number of entries currently held, expired or not.
// Used by the diagnostic surface.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
