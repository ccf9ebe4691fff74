// Package volume implements the persistent chaptered store: the
// read-through page cache over index and record pages, the sparse-chapter
// cache, the reader-thread pool, and the pluggable block I/O factory
// contract (§4.2).
package volume

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// PageKey identifies one page within the volume's physical chapter space.
type PageKey struct {
	PhysicalChapter uint32
	PageIndex       uint32
}

// bucketHash hashes a PageKey with the pack's xxhash dependency. PageCache
// itself indexes its frames with a Go map keyed by PageKey and does not
// call it.
func bucketHash(k PageKey) uint64 {
	var buf [8]byte
	buf[0] = byte(k.PhysicalChapter)
	buf[1] = byte(k.PhysicalChapter >> 8)
	buf[2] = byte(k.PhysicalChapter >> 16)
	buf[3] = byte(k.PhysicalChapter >> 24)
	buf[4] = byte(k.PageIndex)
	buf[5] = byte(k.PageIndex >> 8)
	buf[6] = byte(k.PageIndex >> 16)
	buf[7] = byte(k.PageIndex >> 24)
	return xxhash.Sum64(buf[:])
}

// ProbeHint distinguishes index-page-first from record-page-first access
// patterns for the cache's eviction tie-breaker (§4.2).
type ProbeHint int

const (
	ProbeIndexFirst ProbeHint = iota
	ProbeRecordFirst
)

// CacheState is the outcome of a page cache lookup.
type CacheState int

const (
	Found CacheState = iota
	NotFound
	Queued
)

type pageFrame struct {
	key        PageKey
	data       []byte
	isIndex    bool
	lruElement *list.Element
}

// PageCache is a fixed-capacity LRU keyed by (physical_chapter, page_index).
// It is read-only: all dirty data lives in the open/writing chapters, never
// here (§3 Invariant 5).
type PageCache struct {
	mu       sync.Mutex
	capacity int
	frames   map[PageKey]*pageFrame
	lru      *list.List // front = most recently used

	parked    map[PageKey]map[uint64]bool
	callbacks map[PageKey][]func(data []byte, err error)
}

// NewPageCache builds a cache that holds up to capacity pages.
func NewPageCache(capacity int) *PageCache {
	return &PageCache{
		capacity:  capacity,
		frames:    make(map[PageKey]*pageFrame, capacity),
		lru:       list.New(),
		parked:    make(map[PageKey]map[uint64]bool),
		callbacks: make(map[PageKey][]func(data []byte, err error)),
	}
}

// Get performs a read-only lookup, bumping the page to most-recently-used on
// a hit. It never blocks and never triggers I/O.
func (c *PageCache) Get(key PageKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(f.lruElement)
	return f.data, true
}

// Insert installs a freshly read page, evicting per the probe hint if the
// cache is full (§4.2: "the probe hint acting as a tie-breaker").
func (c *PageCache) Insert(key PageKey, data []byte, isIndex bool, hint ProbeHint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.frames[key]; ok {
		existing.data = data
		c.lru.MoveToFront(existing.lruElement)
		return
	}
	if len(c.frames) >= c.capacity {
		c.evictLocked(hint)
	}
	f := &pageFrame{key: key, data: data, isIndex: isIndex}
	f.lruElement = c.lru.PushFront(f)
	c.frames[key] = f
}

// evictLocked removes one page to make room, preferring to evict the kind
// the probe hint disfavours: under ProbeIndexFirst (index pages are hot),
// record pages are evicted first, and vice versa. If no page of the
// preferred kind exists, the true LRU victim is evicted regardless of kind.
func (c *PageCache) evictLocked(hint ProbeHint) {
	wantEvictIndex := hint == ProbeRecordFirst // evict the "cold" kind first
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*pageFrame)
		if f.isIndex == wantEvictIndex {
			c.removeLocked(f)
			return
		}
	}
	if back := c.lru.Back(); back != nil {
		c.removeLocked(back.Value.(*pageFrame))
	}
}

func (c *PageCache) removeLocked(f *pageFrame) {
	c.lru.Remove(f.lruElement)
	delete(c.frames, f.key)
}

// Park registers requestID as waiting on key. A request may be parked at
// most once per page miss; a second park for the same (key, requestID) pair
// is a hard error — per §4.2, the chapter window has advanced out from
// under a stale wait and the caller has a bug.
func (c *PageCache) Park(key PageKey, requestID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parkLocked(key, requestID)
}

func (c *PageCache) parkLocked(key PageKey, requestID uint64) error {
	waiters, ok := c.parked[key]
	if !ok {
		waiters = make(map[uint64]bool)
		c.parked[key] = waiters
	}
	if waiters[requestID] {
		return xerrors.Wrap(xerrors.ErrBadState, "request %d already parked on page %+v", requestID, key)
	}
	waiters[requestID] = true
	return nil
}

// TakeParked removes and returns every request ID parked on key, called once
// the page has been installed by a reader thread.
func (c *PageCache) TakeParked(key PageKey) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeParkedLocked(key)
}

func (c *PageCache) takeParkedLocked(key PageKey) []uint64 {
	waiters, ok := c.parked[key]
	if !ok {
		return nil
	}
	delete(c.parked, key)
	out := make([]uint64, 0, len(waiters))
	for id := range waiters {
		out = append(out, id)
	}
	return out
}

// ParkAndRegister parks requestID on key (as Park does) and additionally
// queues onReady to be woken once the page arrives. It reports whether this
// is the first registration for key, telling the caller whether it must
// actually dispatch a read or can simply ride the one already in flight —
// every registrant's onReady fires exactly once, from TakeWaiters, so a
// second caller racing the same miss never triggers a duplicate read.
func (c *PageCache) ParkAndRegister(key PageKey, requestID uint64, onReady func(data []byte, err error)) (first bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.parkLocked(key, requestID); err != nil {
		return false, err
	}
	first = len(c.callbacks[key]) == 0
	c.callbacks[key] = append(c.callbacks[key], onReady)
	return first, nil
}

// TakeWaiters removes and returns every request ID and callback parked on
// key, called once the reader thread that owns key's in-flight read
// completes. Every returned callback must be invoked by the caller so that
// no parked request is left undelivered.
func (c *PageCache) TakeWaiters(key PageKey) ([]uint64, []func(data []byte, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.takeParkedLocked(key)
	cbs := c.callbacks[key]
	delete(c.callbacks, key)
	return ids, cbs
}

// Forget drops every cached page belonging to physicalChapter, used when
// that chapter leaves the window or is overwritten (§4.2 forget_chapter).
func (c *PageCache) Forget(physicalChapter uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, f := range c.frames {
		if key.PhysicalChapter == physicalChapter {
			c.removeLocked(f)
		}
	}
}

// Len reports the number of resident pages (test/statistics helper).
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
