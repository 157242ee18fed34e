package cache

import (
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultTTL is the default time-to-live for cached entries (30 minutes)
	DefaultTTL = 30 * time.Minute

	// DefaultMaxSize bounds the number of cached entries
	DefaultMaxSize = 1024
)

// entry pairs a value with its own expiry, which may be earlier than the cache-wide TTL
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe bounded least-recently-used cache with TTL expiry.
// Entries leave the cache on LRU eviction, TTL expiry or explicit Invalidate.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, entry[V]]
	ttl time.Duration
	now func() time.Time
}

// New creates a cache holding at most maxSize entries, each living at most ttl
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		lru: expirable.NewLRU[K, entry[V]](maxSize, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

// Get retrieves a value if it exists and hasn't expired
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set stores a value using the cache-wide TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, entry[V]{value: value})
}

// SetUntil stores a value that expires at expiresAt or at the cache-wide TTL, whichever is first.
// A zero expiresAt means only the cache-wide TTL applies.
func (c *Cache[K, V]) SetUntil(key K, value V, expiresAt time.Time) {
	c.lru.Add(key, entry[V]{value: value, expiresAt: expiresAt})
}

// Invalidate removes key, reporting whether it was present
func (c *Cache[K, V]) Invalidate(key K) bool {
	return c.lru.Remove(key)
}

// Size returns the current number of cached entries
func (c *Cache[K, V]) Size() int {
	return c.lru.Len()
}

// Clear removes all entries from the cache
func (c *Cache[K, V]) Clear() {
	c.lru.Purge()
	log.Println("[Cache] Cache cleared")
}

// TTL returns the cache-wide time-to-live
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}
