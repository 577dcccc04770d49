// SPDX-License-Identifier: GPL-2.0-or-later

// Package tractcache implements the bounded tract cache (spec §4.2 /
// §3): a size-bounded, LRU-evicted, pin-aware cache over loaded tracts,
// keyed by tract ID. Adapted from the teacher's pinned-LRU
// implementation (lib/caching.lruCache / lib/caching.LinkedList), but
// generalized from an item-count capacity to a byte budget, since the
// spec's capacity is "derived from user memory parameter and measured
// per-tract size" rather than a fixed entry count.
package tractcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Loader is supplied by the caller on a cache miss; it must return the
// value for k and its resident size in bytes.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, int64, error)

type entry[K comparable, V any] struct {
	key   K
	val   V
	bytes int64

	refs int           // pin count; a pinned entry cannot be evicted
	del  chan struct{} // non-nil if a Delete is waiting on refs to drop to zero
}

// Cache is a byte-budget-bounded, LRU-evicted cache mapping K to V.
// Readers acquire a reference with Get and must call Release when done;
// a pinned (currently-acquired) entry is never evicted, matching the
// "reader holding a reference is not evicted" guarantee from spec §4.2.
type Cache[K comparable, V any] struct {
	budgetBytes int64

	mu           sync.Mutex
	residentByte int64
	evictable    linkedList[entry[K, V]] // entries with refs==0, oldest first
	byName       map[K]*linkedListEntry[entry[K, V]]

	// loading tracks in-flight loads so concurrent Get calls for the
	// same key block on, rather than duplicate, the load (spec §4.2:
	// "at-most-one concurrent load per ID").
	loading map[K]chan struct{}

	hits   int64
	misses int64
}

// New builds a Cache with the given byte budget. A non-positive budget
// is a programming error (mirrors the teacher's panic-on-invalid-capacity
// convention in lib/caching.NewLRUCache).
func New[K comparable, V any](budgetBytes int64) *Cache[K, V] {
	if budgetBytes <= 0 {
		panic(fmt.Errorf("tractcache.New: invalid byte budget: %v", budgetBytes))
	}
	return &Cache[K, V]{
		budgetBytes: budgetBytes,
		byName:      make(map[K]*linkedListEntry[entry[K, V]]),
		loading:     make(map[K]chan struct{}),
	}
}

// Get returns the value for k, loading it via load on a miss. The
// returned hit flag reports whether the value was already resident.
// Callers must call Release(k) exactly once when done with the returned
// value.
func (c *Cache[K, V]) Get(ctx context.Context, k K, load Loader[K, V]) (*V, bool, error) {
	c.mu.Lock()
	for {
		if e := c.byName[k]; e != nil {
			if e.Value.refs == 0 {
				c.evictable.Delete(e)
			}
			e.Value.refs++
			c.evictable.MoveToNewestIfPresent(e)
			atomic.AddInt64(&c.hits, 1)
			c.mu.Unlock()
			return &e.Value.val, true, nil
		}
		if ch, inflight := c.loading[k]; inflight {
			// Another goroutine is already loading this key;
			// wait for it rather than issuing a second load.
			c.mu.Unlock()
			<-ch
			c.mu.Lock()
			continue
		}
		break
	}
	ch := make(chan struct{})
	c.loading[k] = ch
	c.mu.Unlock()

	val, size, err := load(ctx, k)

	c.mu.Lock()
	delete(c.loading, k)
	close(ch)
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		c.mu.Unlock()
		var zero V
		return &zero, false, err
	}
	c.evictFor(size)
	e := &linkedListEntry[entry[K, V]]{Value: entry[K, V]{key: k, val: val, bytes: size, refs: 1}}
	c.byName[k] = e
	c.residentByte += size
	atomic.AddInt64(&c.misses, 1)
	c.mu.Unlock()
	return &e.Value.val, false, nil
}

// evictFor evicts entries with refs==0, oldest first, until there is
// room for an additional `need` bytes, or there is nothing left to evict.
// Caller must hold c.mu.
func (c *Cache[K, V]) evictFor(need int64) {
	for c.residentByte+need > c.budgetBytes {
		victim := c.evictable.Oldest()
		if victim == nil {
			return // everything resident is pinned; exceed budget rather than block
		}
		c.evictable.Delete(victim)
		delete(c.byName, victim.Value.key)
		c.residentByte -= victim.Value.bytes
	}
}

// Release decrements the pin count for k. Once it drops to zero the
// entry becomes evictable (or is removed immediately if a Delete was
// waiting on it).
func (c *Cache[K, V]) Release(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.byName[k]
	if e == nil || e.Value.refs <= 0 {
		panic(fmt.Errorf("tractcache.Cache.Release called on key that is not held: %v", k))
	}
	e.Value.refs--
	if e.Value.refs == 0 {
		if e.Value.del != nil {
			delete(c.byName, k)
			c.residentByte -= e.Value.bytes
			close(e.Value.del)
			e.Value.del = nil
		} else {
			c.evictable.Store(e)
		}
	}
}

// Delete invalidates k, blocking until any holder releases it.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	e := c.byName[k]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if e.Value.refs > 0 {
		if e.Value.del == nil {
			e.Value.del = make(chan struct{})
		}
		ch := e.Value.del
		c.mu.Unlock()
		<-ch
		return
	}
	c.evictable.Delete(e)
	delete(c.byName, k)
	c.residentByte -= e.Value.bytes
	c.mu.Unlock()
}

// Len returns the number of resident entries (pinned or not).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}

// ResidentBytes returns the current resident byte total.
func (c *Cache[K, V]) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentByte
}

// Stats returns (hits, misses); hits+misses equals the total number of
// Get calls (spec §8 testable property 9).
func (c *Cache[K, V]) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// MoveToNewestIfPresent is a thin wrapper so Get can refresh recency for
// an entry that may or may not still be in the evictable list (it won't
// be, if refs was already > 0 before this Get call).
func (l *linkedList[T]) MoveToNewestIfPresent(e *linkedListEntry[T]) {
	if e.list == l {
		l.MoveToNewest(e)
	}
}
