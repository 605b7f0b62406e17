// Package cache is a sharded in-process TTL cache.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

// TTL is the cache surface components depend on.
type TTL[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
}

// Sharded spreads keys over independently locked shards so writers for
// unrelated keys do not contend.
type Sharded[V any] struct {
	shards []*shard[V]
	now    func() time.Time
}

// New returns a cache with n shards. n <= 0 means 16.
func New[V any](n int) *Sharded[V] {
	if n <= 0 {
		n = 16
	}
	c := &Sharded[V]{shards: make([]*shard[V], n), now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[string]entry[V])}
	}
	return c
}

// SetClock overrides the time source. Tests only.
func (c *Sharded[V]) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.now = now
}

func (c *Sharded[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the live value for key. Expired entries read as missing and
// are left for Purge.
func (c *Sharded[V]) Get(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for ttl. A non-positive ttl deletes the key.
func (c *Sharded[V]) Set(key string, value V, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.entries, key)
		return
	}
	s.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete removes key.
func (c *Sharded[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *Sharded[V]) Purge() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts stored entries, expired or not.
func (c *Sharded[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
