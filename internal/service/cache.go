package service

import (
	"sync"
	"time"
)

// cacheEntry is a doubly-linked list node ordered by insertion time.
type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	prev      *cacheEntry[K, V]
	next      *cacheEntry[K, V]
}

// BoundedCache is a fixed-capacity map with oldest-first eviction and an optional TTL.
// Reads do not refresh an entry; re-inserting a key moves it to the newest position.
// Thread-safe with Mutex.
type BoundedCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*cacheEntry[K, V]
	oldest  *cacheEntry[K, V]
	newest  *cacheEntry[K, V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	evicted uint64
}

// NewBoundedCache creates a cache holding at most maxSize entries.
// A zero ttl disables expiry.
func NewBoundedCache[K comparable, V any](maxSize int, ttl time.Duration) *BoundedCache[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &BoundedCache[K, V]{
		entries: make(map[K]*cacheEntry[K, V], maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expiredLocked(e) {
		c.removeLocked(e)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present and not expired.
func (c *BoundedCache[K, V]) Contains(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Put stores value under key, evicting the oldest entry when full.
func (c *BoundedCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

func (c *BoundedCache[K, V]) putLocked(key K, value V) {
	if e, ok := c.entries[key]; ok {
		c.unlinkLocked(e)
		e.value = value
		e.expiresAt = c.expiryLocked()
		c.pushNewestLocked(e)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.oldest)
		c.evicted++
	}

	e := &cacheEntry[K, V]{key: key, value: value, expiresAt: c.expiryLocked()}
	c.entries[key] = e
	c.pushNewestLocked(e)
}

// PutIfAbsent stores value unless a live entry exists, returning the stored value
// and whether it was inserted.
func (c *BoundedCache[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !c.expiredLocked(e) {
		return e.value, false
	}
	c.putLocked(key, value)
	return value, true
}

// Delete removes key.
func (c *BoundedCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Clear empties the cache.
func (c *BoundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*cacheEntry[K, V], c.maxSize)
	c.oldest = nil
	c.newest = nil
}

// Size returns current cache size, expired entries included until they are touched.
func (c *BoundedCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evictions returns how many entries were dropped for capacity.
func (c *BoundedCache[K, V]) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

func (c *BoundedCache[K, V]) expiryLocked() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *BoundedCache[K, V]) expiredLocked(e *cacheEntry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// pushNewestLocked appends an entry at the newest end. Must be called with lock held.
func (c *BoundedCache[K, V]) pushNewestLocked(e *cacheEntry[K, V]) {
	e.next = nil
	e.prev = c.newest
	if c.newest != nil {
		c.newest.next = e
	}
	c.newest = e
	if c.oldest == nil {
		c.oldest = e
	}
}

// unlinkLocked removes an entry from the list. Must be called with lock held.
func (c *BoundedCache[K, V]) unlinkLocked(e *cacheEntry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.newest = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *BoundedCache[K, V]) removeLocked(e *cacheEntry[K, V]) {
	if e == nil {
		return
	}
	delete(c.entries, e.key)
	c.unlinkLocked(e)
}
