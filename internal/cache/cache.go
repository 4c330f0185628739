// Package cache provides a bounded query-result cache for the index
// strategies. Entries are keyed by the exact query bytes and cleared on any
// index mutation, so no per-entry invalidation or LRU bookkeeping is needed.
package cache

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

// Key builds a cache key from the exact search arguments.
func Key(query []float32, k int, excludeUser string) string {
	buf := make([]byte, 0, len(query)*4+len(excludeUser)+9)
	for _, v := range query {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(k))
	buf = append(buf, '|')
	buf = append(buf, excludeUser...)
	return string(buf)
}

// Query is a capped result cache.
type Query[V any] struct {
	mu    sync.Mutex
	cap   int
	items map[string]V

	hits   atomic.Int64
	misses atomic.Int64
}

// NewQuery creates a cache holding at most capacity entries.
// A capacity <= 0 disables caching.
func NewQuery[V any](capacity int) *Query[V] {
	return &Query[V]{
		cap:   capacity,
		items: make(map[string]V),
	}
}

// Get returns the cached value for key.
func (c *Query[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items[key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value. Once the cap is reached new entries are dropped;
// the next mutation clears the cache anyway.
func (c *Query[V]) Set(key string, v V) {
	if c.cap <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok && len(c.items) >= c.cap {
		return
	}
	c.items[key] = v
}

// Clear drops all entries. Called on every index mutation.
func (c *Query[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]V)
}

// Len returns the current number of entries.
func (c *Query[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss counters.
func (c *Query[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
