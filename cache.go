package avrio

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry[V any] struct {
	value      V
	insertedAt time.Time
}

// TimeBoundLRUCache is a thread-safe cache bounded by capacity and by entry
// age. A Get counts as a use for eviction but does not extend the entry's
// lifetime: an entry expires ttl after it was put. Expired entries are
// dropped when they are looked up.
type TimeBoundLRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, cacheEntry[V]]
	capacity int
	ttl      time.Duration
	clock    quartz.Clock
}

// NewTimeBoundLRUCache creates a cache holding at most capacity entries for
// at most ttl each.
func NewTimeBoundLRUCache[K comparable, V any](capacity int, ttl time.Duration) (*TimeBoundLRUCache[K, V], error) {
	return newTimeBoundLRUCache[K, V](capacity, ttl, quartz.NewReal())
}

func newTimeBoundLRUCache[K comparable, V any](capacity int, ttl time.Duration, clock quartz.Clock) (*TimeBoundLRUCache[K, V], error) {
	if ttl <= 0 {
		return nil, &InputError{Message: "cache ttl must be positive"}
	}
	lru, err := simplelru.NewLRU[K, cacheEntry[V]](capacity, nil)
	if err != nil {
		return nil, &InputError{Message: "cache capacity must be positive"}
	}
	return &TimeBoundLRUCache[K, V]{lru: lru, capacity: capacity, ttl: ttl, clock: clock}, nil
}

// Put inserts or replaces key. Replacing resets the entry's age. When the
// cache is full, expired entries are dropped first; if none expired the
// least recently used entry is evicted.
func (c *TimeBoundLRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		for _, k := range c.lru.Keys() {
			if entry, ok := c.lru.Peek(k); ok && now.Sub(entry.insertedAt) >= c.ttl {
				c.lru.Remove(k)
			}
		}
	}
	c.lru.Add(key, cacheEntry[V]{value: value, insertedAt: now})
}

// Get returns the value for key. ok is false when the key is absent or its
// entry is at least ttl old.
func (c *TimeBoundLRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.lru.Get(key)
	if !found {
		return value, false
	}
	if c.clock.Since(entry.insertedAt) >= c.ttl {
		c.lru.Remove(key)
		return value, false
	}
	return entry.value, true
}

// Len returns the number of entries, expired ones not yet dropped included.
func (c *TimeBoundLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes all entries.
func (c *TimeBoundLRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
