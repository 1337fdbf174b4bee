// Package blockcache implements the process-wide, size-bounded,
// reference-counted LRU cache of decompressed small blocks and big-block
// fields shared across every open store and session (§4.5). Entries are
// keyed by (store UID, file offset) so that closing a store can evict all
// of its entries in time proportional to the cache, not the store.
package blockcache

import (
	"sync"
	"sync/atomic"

	"github.com/manticoresoftware/docstore/internal/base"
)

// Key identifies one cached payload: the offset of a small block, or the
// offset of one field within a big block, scoped by the owning store's
// UID.
type Key struct {
	StoreUID uint32
	Offset   uint64
}

// perEntryOverhead approximates the bookkeeping cost of one cache entry
// (list pointers, key, refcount) so that mem accounting reflects more
// than just payload bytes, mirroring the original's
// `uSpaceNeeded = tData.m_uSize + sizeof(LinkedBlock_t)`.
const perEntryOverhead = 64

// entry is one node of the intrusive MRU-head/LRU-tail doubly-linked
// list. The list uses a sentinel root node, the same trick
// container/list (and pebble's own block cache) uses to avoid special
// casing empty-list operations.
type entry struct {
	key        Key
	data       []byte
	refcount   int32
	prev, next *entry
}

// Stats reports point-in-time cache occupancy and traffic counters, used
// by tests to verify the "Store close" and "Session isolation" testable
// properties without relying on panics the way the original's debug
// asserts do.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// Cache is the process-wide block cache. A nil *Cache is valid and
// behaves as if caching is disabled (capacity 0): Find always misses,
// Add always refuses.
type Cache struct {
	log      base.Logger
	capacity int64

	mu   sync.Mutex
	m    map[Key]*entry
	root entry
	used int64

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a block cache with the given byte capacity. A capacity of
// 0 disables caching (New still returns a usable, always-missing cache;
// callers that want to skip the cache entirely may instead pass a nil
// *Cache, which every method also tolerates).
func New(capacity int64, log base.Logger) *Cache {
	if log == nil {
		log = base.NoopLogger{}
	}
	c := &Cache{
		capacity: capacity,
		m:        make(map[Key]*entry),
		log:      log,
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

// Handle is a reference-counted hold on a cached payload. The caller must
// call Release exactly once. While held, the payload will not be evicted
// (§4.5's pinning guarantee).
type Handle struct {
	cache *Cache
	e     *entry
}

// Data returns the cached payload. It is only valid until Release.
func (h Handle) Data() []byte {
	if h.e == nil {
		return nil
	}
	return h.e.data
}

// Release decrements the entry's reference count. It is safe to call on
// the zero Handle (a no-op).
func (h Handle) Release() {
	if h.e == nil {
		return
	}
	atomic.AddInt32(&h.e.refcount, -1)
}

func (c *Cache) maxEntrySize() int64 {
	return c.capacity / 64
}

// moveToHead relocates e to the MRU position. Caller holds c.mu.
func (c *Cache) moveToHead(e *entry) {
	if c.root.next == e {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev

	e.next = c.root.next
	e.prev = &c.root
	c.root.next.prev = e
	c.root.next = e
}

// unlink removes e from the list. Caller holds c.mu.
func (c *Cache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next, e.prev = nil, nil
}

// Find looks up (uid, offset). On a hit it moves the entry to MRU
// position and returns a held Handle whose Release must be called by the
// caller.
func (c *Cache) Find(uid uint32, offset uint64) (Handle, bool) {
	if c == nil {
		return Handle{}, false
	}
	k := Key{StoreUID: uid, Offset: offset}

	c.mu.Lock()
	e, ok := c.m[k]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return Handle{}, false
	}
	c.moveToHead(e)
	atomic.AddInt32(&e.refcount, 1)
	c.mu.Unlock()

	c.hits.Add(1)
	return Handle{cache: c, e: e}, true
}

// Add inserts data under (uid, offset) and returns a held Handle. It
// returns ok=false — not an error, per §7's "capacity refusal" — when
// the entry alone exceeds capacity/64 or when no room could be freed by
// sweeping unreferenced entries; the caller then keeps its own copy of
// data instead of a cache handle.
func (c *Cache) Add(uid uint32, offset uint64, data []byte) (Handle, bool) {
	if c == nil || c.capacity <= 0 {
		return Handle{}, false
	}
	needed := int64(len(data)) + perEntryOverhead
	if needed > c.maxEntrySize() {
		return Handle{}, false
	}

	k := Key{StoreUID: uid, Offset: offset}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.m[k]; exists {
		// Concurrent miss handling raced us; the existing entry wins.
		return Handle{}, false
	}

	if c.used+needed > c.capacity {
		c.sweep(needed)
		if c.used+needed > c.capacity {
			return Handle{}, false
		}
	}

	e := &entry{key: k, data: data, refcount: 1}
	e.next = c.root.next
	e.prev = &c.root
	c.root.next.prev = e
	c.root.next = e

	c.m[k] = e
	c.used += needed

	return Handle{cache: c, e: e}, true
}

// sweep frees unreferenced entries starting from the LRU tail until
// there is room for needed bytes or the tail is exhausted. Referenced
// entries are skipped, not evicted. Caller holds c.mu.
func (c *Cache) sweep(needed int64) {
	for e := c.root.prev; e != &c.root && c.used+needed > c.capacity; {
		prev := e.prev
		if atomic.LoadInt32(&e.refcount) == 0 {
			c.unlink(e)
			delete(c.m, e.key)
			c.used -= int64(len(e.data)) + perEntryOverhead
		}
		e = prev
	}
}

// EvictAll removes every entry belonging to uid. The caller guarantees
// none of them are currently referenced (a held Handle must be released
// before the owning store is closed).
func (c *Cache) EvictAll(uid uint32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.root.next; e != &c.root; {
		next := e.next
		if e.key.StoreUID == uid {
			if atomic.LoadInt32(&e.refcount) != 0 {
				c.log.Fatalf("blockcache: evicting store %d with a referenced entry at offset %d", uid, e.key.Offset)
			}
			c.unlink(e)
			delete(c.m, e.key)
			c.used -= int64(len(e.data)) + perEntryOverhead
		}
		e = next
	}
}

// Stats returns a snapshot of cache occupancy and traffic counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	entries := len(c.m)
	bytes := c.used
	c.mu.Unlock()
	return Stats{
		Entries: entries,
		Bytes:   bytes,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// HasStore reports whether any entry belonging to uid remains. It is
// intended for tests exercising the "Store close" property.
func (c *Cache) HasStore(uid uint32) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.root.next; e != &c.root; e = e.next {
		if e.key.StoreUID == uid {
			return true
		}
	}
	return false
}
