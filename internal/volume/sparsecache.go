package volume

import "sync"

// SparseChapterCache is a small cache of decoded index pages for sparse
// chapters only (§3, §4.2). When full it evicts the chapter that was loaded
// earliest; lookups do not change that order. Unlike the main page cache,
// it is mutated only
// under the cross-zone barrier protocol (§4.5): between barriers, every zone
// observes the same set of cached sparse chapters.
type SparseChapterCache struct {
	mu       sync.RWMutex
	capacity int
	order    []uint64 // VCNs, most-recently-barriered last
	pages    map[uint64][][]byte
}

// NewSparseChapterCache builds a cache holding up to capacity sparse
// chapters' decoded index pages.
func NewSparseChapterCache(capacity int) *SparseChapterCache {
	return &SparseChapterCache{capacity: capacity, pages: make(map[uint64][][]byte)}
}

// Contains reports whether vcn's index pages are currently cached. Safe to
// call from any zone between barriers.
func (c *SparseChapterCache) Contains(vcn uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pages[vcn]
	return ok
}

// Pages returns the cached index pages for vcn, if present.
func (c *SparseChapterCache) Pages(vcn uint64) ([][]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pages[vcn]
	return p, ok
}

// LoadUnderBarrier installs vcn's index pages, evicting the oldest cached
// sparse chapter if the cache is full. Only the barrier-handling code path
// (a zone's SparseCacheBarrier handling, §4.5) should call this.
func (c *SparseChapterCache) LoadUnderBarrier(vcn uint64, pages [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pages[vcn]; exists {
		return
	}
	if len(c.pages) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.pages, oldest)
	}
	c.pages[vcn] = pages
	c.order = append(c.order, vcn)
}

// Forget drops vcn from the sparse cache, used when it leaves the window.
func (c *SparseChapterCache) Forget(vcn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pages[vcn]; !ok {
		return
	}
	delete(c.pages, vcn)
	for i, v := range c.order {
		if v == vcn {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
