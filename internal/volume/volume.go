package volume

import (
	"fmt"
	"sync"

	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// ForgetReason documents why a chapter's cached pages were dropped, for
// logging at the call site (§4.2 forget_chapter).
type ForgetReason int

const (
	ForgetOverwritten ForgetReason = iota
	ForgetExpired
	ForgetShutdown
)

func (r ForgetReason) String() string {
	switch r {
	case ForgetOverwritten:
		return "overwritten"
	case ForgetExpired:
		return "expired"
	case ForgetShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Volume is the persistent half of the two-tier lookup (§3, §4.2): a
// read-through page cache and sparse-chapter cache sitting over pluggable
// block storage, served by a pool of reader threads.
type Volume struct {
	geo     *geometry.Geometry
	backend BlockReaderWriterFactory
	pages   *PageCache
	sparse  *SparseChapterCache
	readers *ReaderPool

	mu          sync.RWMutex
	boundsKnown bool
	oldest      uint64
	newest      uint64
}

// Config bundles the knobs needed to open a Volume.
type Config struct {
	Geometry        *geometry.Geometry
	Backend         BlockReaderWriterFactory
	PageCacheSize   int
	SparseCacheSize int
	ReaderThreads   int
}

// Open builds a Volume ready to serve page-cache lookups and misses.
func Open(cfg Config) *Volume {
	return &Volume{
		geo:     cfg.Geometry,
		backend: cfg.Backend,
		pages:   NewPageCache(cfg.PageCacheSize),
		sparse:  NewSparseChapterCache(cfg.SparseCacheSize),
		readers: NewReaderPool(cfg.ReaderThreads),
	}
}

// Close stops the reader pool and releases the backend.
func (v *Volume) Close() error {
	v.readers.Close()
	return v.backend.Close()
}

// SearchPageCache looks for a cached index page covering physicalChapter and
// reports whether it is resident, without ever reading from disk. zoneID is
// accepted for parity with the per-zone dispatch contract in §4.2 even
// though the cache itself is shared across zones.
func (v *Volume) SearchPageCache(physicalChapter uint32, pageIndex uint32, zoneID int) ([]byte, bool) {
	return v.pages.Get(PageKey{PhysicalChapter: physicalChapter, PageIndex: pageIndex})
}

// SearchCachedRecordPage looks for a specific cached record page, used once
// the delta-index lookup has already named a (physical_chapter, page_index)
// pair to confirm a fingerprint match (§4.2).
func (v *Volume) SearchCachedRecordPage(physicalChapter, pageIndex uint32) ([]byte, bool) {
	return v.pages.Get(PageKey{PhysicalChapter: physicalChapter, PageIndex: pageIndex})
}

// GetVolumePage returns the requested page, either from cache (CacheState
// Found, with onReady invoked inline) or by parking requestID and
// registering onReady against whatever read eventually satisfies key
// (CacheState Queued). A second, third, ... caller that misses on the same
// key while a read is already in flight does not dispatch another read: it
// rides the first caller's read and is woken the same way, so every parked
// caller's onReady fires exactly once (§4.2/§4.5 "a parked request is
// redelivered once its page load completes"). onReady may run on a
// different goroutine than the one that called GetVolumePage.
func (v *Volume) GetVolumePage(physicalChapter, pageIndex uint32, isIndex bool, hint ProbeHint, requestID uint64, onReady func(data []byte, err error)) CacheState {
	key := PageKey{PhysicalChapter: physicalChapter, PageIndex: pageIndex}
	if data, ok := v.pages.Get(key); ok {
		onReady(data, nil)
		return Found
	}
	first, err := v.pages.ParkAndRegister(key, requestID, onReady)
	if err != nil {
		onReady(nil, err)
		return NotFound
	}
	if !first {
		return Queued
	}
	v.readers.Submit(key, func() ([]byte, error) {
		return v.readPageFromBackend(physicalChapter, pageIndex)
	}, func(data []byte, err error) {
		if err == nil {
			v.pages.Insert(key, data, isIndex, hint)
		}
		_, waiters := v.pages.TakeWaiters(key)
		for _, wake := range waiters {
			wake(data, err)
		}
	})
	return Queued
}

// ReadPageDirect reads a page straight from the backend, bypassing the page
// cache entirely. Used by rebuild's FOR_REBUILD lookup mode, which must not
// promote scanned pages into the cache (§4.6).
func (v *Volume) ReadPageDirect(physicalChapter, pageIndex uint32) ([]byte, error) {
	return v.readPageFromBackend(physicalChapter, pageIndex)
}

func (v *Volume) readPageFromBackend(physicalChapter, pageIndex uint32) ([]byte, error) {
	reader, err := v.backend.OpenReader()
	if err != nil {
		return nil, xerrors.Wrap(err, "open volume reader")
	}
	absolutePage := v.geo.MapToPhysicalPage(physicalChapter, pageIndex)
	buf := make([]byte, v.geo.BytesPerPage)
	offset := int64(absolutePage) * int64(v.geo.BytesPerPage)
	if _, err := reader.ReadAt(buf, offset); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrShortRead, "read page %d/%d: %v", physicalChapter, pageIndex, err)
	}
	return buf, nil
}

// PrefetchPages issues reads for count consecutive pages starting at
// startPage without blocking the caller, installing each page in the cache
// to warm it ahead of a sequential chapter scan (§4.2, §6). Rebuild does not
// call it; it reads through ReadPageDirect.
func (v *Volume) PrefetchPages(physicalChapter uint32, startPage, count uint32) {
	for i := uint32(0); i < count; i++ {
		pageIndex := startPage + i
		key := PageKey{PhysicalChapter: physicalChapter, PageIndex: pageIndex}
		if _, ok := v.pages.Get(key); ok {
			continue
		}
		isIndex := pageIndex < v.geo.IndexPagesPerChapter
		v.readers.Submit(key, func() ([]byte, error) {
			return v.readPageFromBackend(physicalChapter, pageIndex)
		}, func(data []byte, err error) {
			if err == nil {
				v.pages.Insert(key, data, isIndex, ProbeIndexFirst)
			}
		})
	}
}

// FindVolumeChapterBoundaries reports the current [oldest, newest] virtual
// chapter window, as last recorded by SetWindow. Returns false if no window
// has been established yet (a fresh, empty volume).
func (v *Volume) FindVolumeChapterBoundaries() (oldest, newest uint64, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.oldest, v.newest, v.boundsKnown
}

// SetWindow records the rolling window that FindVolumeChapterBoundaries
// reports. The zone rotation path does not call it; the pipeline tracks the
// window through the volume index instead.
func (v *Volume) SetWindow(oldest, newest uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.oldest, v.newest, v.boundsKnown = oldest, newest, true
}

// ForgetChapter drops every cached page and, if sparse, cached index page
// set belonging to a physical chapter, used when a chapter is about to be
// overwritten by rotation or has aged out of the window (§4.2).
func (v *Volume) ForgetChapter(physicalChapter uint32, vcn uint64, reason ForgetReason) {
	v.pages.Forget(physicalChapter)
	v.sparse.Forget(vcn)
}

// SparseCache exposes the sparse-chapter cache for the barrier protocol
// (§4.5), which must load it under a cross-zone barrier rather than through
// the normal per-zone miss path.
func (v *Volume) SparseCache() *SparseChapterCache { return v.sparse }

// Backend exposes the block I/O factory for the layout package's save/load
// and replay paths.
func (v *Volume) Backend() BlockReaderWriterFactory { return v.backend }

// Geometry returns the volume's fixed shape.
func (v *Volume) Geometry() *geometry.Geometry { return v.geo }

// WriteChapterPages implements chapter.Sink: it writes a freshly packed
// chapter's pages to the backend at their mapped physical offsets, then
// forgets any stale cached pages for that physical slot so that subsequent
// reads observe the new chapter rather than a leftover cached page from
// whatever chapter previously occupied that slot.
func (v *Volume) WriteChapterPages(physicalChapter uint32, vcn uint64, pages [][]byte) error {
	writer, err := v.backend.OpenWriter()
	if err != nil {
		return xerrors.Wrap(err, "open volume writer")
	}
	v.pages.Forget(physicalChapter)
	for pageIndex, data := range pages {
		if uint32(len(data)) != v.geo.BytesPerPage {
			return fmt.Errorf("volume: chapter %d page %d has %d bytes, want %d", physicalChapter, pageIndex, len(data), v.geo.BytesPerPage)
		}
		absolutePage := v.geo.MapToPhysicalPage(physicalChapter, uint32(pageIndex))
		offset := int64(absolutePage) * int64(v.geo.BytesPerPage)
		if _, err := writer.WriteAt(data, offset); err != nil {
			return xerrors.Wrap(err, "write chapter %d page %d", physicalChapter, pageIndex)
		}
	}
	return v.backend.Sync()
}
