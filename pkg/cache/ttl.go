// Package cache provides a small expiring cache for values that are costly to
// read from the system.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Loader computes the value for a key on a cache miss.
type Loader[K comparable, V any] func(key K) (V, error)

// TTL is a nil-safe expiring LRU. A nil *TTL caches nothing and Load always
// calls through.
type TTL[K comparable, V any] struct {
	store *expirable.LRU[K, V]
}

// NewTTL builds a cache whose entries live for ttl and which holds at most
// capacity entries (0 for unbounded). ttl <= 0 disables caching and returns
// nil.
func NewTTL[K comparable, V any](ttl time.Duration, capacity int) *TTL[K, V] {
	if ttl <= 0 {
		return nil
	}

	if capacity < 0 {
		capacity = 0
	}

	return &TTL[K, V]{store: expirable.NewLRU[K, V](capacity, nil, ttl)}
}

// Add stores value under key.
func (c *TTL[K, V]) Add(key K, value V) {
	if c == nil {
		return
	}

	c.store.Add(key, value)
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}

	return c.store.Get(key)
}

// Load returns the cached value for key, calling load and caching its result
// on a miss. Errors are not cached.
func (c *TTL[K, V]) Load(key K, load Loader[K, V]) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err := load(key)
	if err != nil {
		return value, err
	}

	c.Add(key, value)

	return value, nil
}

// Remove deletes key and reports whether it was present.
func (c *TTL[K, V]) Remove(key K) bool {
	if c == nil {
		return false
	}

	return c.store.Remove(key)
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	if c == nil {
		return
	}

	c.store.Purge()
}

// Len reports the live entry count.
func (c *TTL[K, V]) Len() int {
	if c == nil {
		return 0
	}

	return c.store.Len()
}
