package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// rotationState is the shared bookkeeping every zone must touch to advance
// the global chapter window (§4.4 seal protocol steps 3, 6, 7). The delta
// lists themselves stay zone-sharded and lock-free (§4.3 "no locks are
// required inside the index"); only the narrow act of picking the next VCN
// and reaping the index's window is serialized, since SetOpenChapter walks
// every zone's lists.
type rotationState struct {
	mu      sync.Mutex
	newest  uint64
	started bool
}

// Zone is the single-threaded worker owning one shard of the volume index
// and one open chapter (§4.4, §5). It drains its funnel queue, dispatching
// requests by operation and executing control messages in place.
type Zone struct {
	id       int
	geo      *geometry.Geometry
	index    *deltaindex.VolumeIndex
	writer   *chapter.ChapterWriter
	vol      *volume.Volume
	rotation *rotationState

	open *chapter.OpenChapter

	// writing is the most recently sealed chapter still awaiting durable
	// write confirmation from the chapter writer: the "writing chapter"
	// tier of the open -> writing -> on-disk -> sparse search order (§4.4).
	// Cleared once a ChapterWrittenAnnouncement confirms every zone's
	// contribution for its VCN has been packed and persisted.
	writing *chapter.WritingChapter

	queue    *FunnelQueue[ZoneItem]
	siblings []*FunnelQueue[ZoneItem] // every zone's queue, including this one's

	// callbackQueue, when set, decouples callback execution from the zone
	// worker loop (§5 "one callback thread"). When nil (e.g. in unit tests
	// exercising a zone directly), results are delivered synchronously.
	callbackQueue *FunnelQueue[*Request]

	requestSeq atomic.Uint64
	stop       chan struct{}
	stopped    chan struct{}
}

// SetCallbackQueue wires this zone's finished requests through a shared
// callback queue instead of invoking callbacks inline on the zone thread.
func (z *Zone) SetCallbackQueue(q *FunnelQueue[*Request]) { z.callbackQueue = q }

// deliver finalizes r's terminal state and hands it to the callback thread
// (or, if none is wired, invokes the callback inline).
func (z *Zone) deliver(r *Request, location recordtypes.Location, err error) {
	r.Stage = StageCallback
	if z.callbackQueue != nil {
		r.Location = location
		r.Err = err
		z.callbackQueue.Put(r)
		return
	}
	r.Finish(location, err)
}

// NewZone builds a zone worker. Siblings must be wired with SetSiblings
// before Run is called, once every zone in the session has been created.
func NewZone(id int, geo *geometry.Geometry, index *deltaindex.VolumeIndex, writer *chapter.ChapterWriter, vol *volume.Volume, rotation *rotationState, capacity int) *Zone {
	return &Zone{
		id:       id,
		geo:      geo,
		index:    index,
		writer:   writer,
		vol:      vol,
		rotation: rotation,
		open:     chapter.NewOpenChapter(capacity),
		queue:    NewFunnelQueue[ZoneItem](),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Queue exposes this zone's funnel queue so triage and other zones can
// enqueue requests and control messages onto it.
func (z *Zone) Queue() *FunnelQueue[ZoneItem] { return z.queue }

// OpenChapter exposes this zone's in-progress open chapter for save/load.
// Callers must only use this after the zone is idle (e.g. following
// Session.Flush) since the zone goroutine mutates it on every admission.
func (z *Zone) OpenChapter() *chapter.OpenChapter { return z.open }

// SetSiblings installs the full set of zone queues, used to broadcast
// ChapterClosedAnnouncement and SparseCacheBarrier control messages.
func (z *Zone) SetSiblings(all []*FunnelQueue[ZoneItem]) { z.siblings = all }

// Run drains the zone's queue until Stop is called. It should be launched
// as its own goroutine per zone (§5 "Z zone threads").
func (z *Zone) Run() {
	defer close(z.stopped)
	for {
		select {
		case <-z.stop:
			return
		default:
		}
		item, ok := z.queue.Poll()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if item.Control != nil {
			z.handleControl(item.Control)
			continue
		}
		z.handleRequest(item.Request)
	}
}

// Stop signals Run to exit and blocks until it has. Run checks for the
// signal before each poll, so items still on the queue at that point are
// not processed; Session.Flush is the call that drains the queues.
func (z *Zone) Stop() {
	close(z.stop)
	<-z.stopped
}

func (z *Zone) handleControl(msg ControlMessage) {
	switch m := msg.(type) {
	case SparseCacheBarrier:
		z.loadSparseChapterUnderBarrier(m.VCN)
	case ChapterClosedAnnouncement:
		z.forceCloseIfSameVCN(m.VCN)
	case ChapterWrittenAnnouncement:
		if z.writing != nil && z.writing.VirtualChapter == m.VCN {
			z.writing = nil
		}
	}
}

func (z *Zone) loadSparseChapterUnderBarrier(vcn uint64) {
	cache := z.vol.SparseCache()
	if cache.Contains(vcn) {
		return
	}
	physicalChapter := z.geo.MapToPhysicalChapter(vcn)
	pages := make([][]byte, z.geo.IndexPagesPerChapter)
	var wg sync.WaitGroup
	for i := range pages {
		i := i
		wg.Add(1)
		z.vol.GetVolumePage(physicalChapter, uint32(i), true, volume.ProbeIndexFirst, z.requestSeq.Add(1), func(data []byte, err error) {
			defer wg.Done()
			if err == nil {
				pages[i] = data
			}
		})
	}
	wg.Wait()
	cache.LoadUnderBarrier(vcn, pages)
}

// forceCloseIfSameVCN implements §4.4 step 5: a laggard zone whose open
// chapter carries the same VCN as the announcement must seal it immediately
// even if it is not yet full, to limit skew between zones.
func (z *Zone) forceCloseIfSameVCN(vcn uint64) {
	z.rotation.mu.Lock()
	currentVCN := z.rotation.newest
	z.rotation.mu.Unlock()
	if currentVCN != vcn || z.open.Len() == 0 {
		return
	}
	z.sealOpenChapter()
}

func (z *Zone) handleRequest(r *Request) {
	switch r.Operation {
	case recordtypes.Post, recordtypes.Update:
		z.putRecordInZone(r)
	case recordtypes.Query:
		z.queryZone(r)
	case recordtypes.Delete:
		z.removeFromIndexZone(r)
	}
}

// putRecordInZone admits a record into the open chapter and, if that fills
// it, rotates per the §4.4 seal protocol. Returning successfully here means
// newest_vcn has been incremented exactly once and the sealed chapter
// handed to the writer exactly once (Testable Property 4).
func (z *Zone) putRecordInZone(r *Request) {
	vcn := z.currentVCN()
	remaining := z.open.Put(r.Fingerprint, r.NewMetadata)
	if err := z.index.PutRecord(r.Fingerprint, vcn); err != nil && !xerrors.IsRetryable(err) {
		z.deliver(r, recordtypes.Unavailable, err)
		return
	}
	if remaining == 0 {
		z.sealOpenChapter()
	}
	z.deliver(r, recordtypes.InOpenChapter, nil)
}

func (z *Zone) currentVCN() uint64 {
	z.rotation.mu.Lock()
	defer z.rotation.mu.Unlock()
	if !z.rotation.started {
		z.rotation.started = true
	}
	return z.rotation.newest
}

// sealOpenChapter executes §4.4 steps 1-7 for this zone. Chapter writes are
// driven synchronously through ChapterWriter.Submit, which already holds at
// most one chapter-in-flight per zone internally, so step 1 ("wait for any
// previously writing chapter for this zone to complete") is satisfied by
// construction: this call cannot return until its own Submit has completed.
func (z *Zone) sealOpenChapter() {
	z.rotation.mu.Lock()
	sealedVCN := z.rotation.newest
	newVCN := sealedVCN + 1
	z.rotation.newest = newVCN
	z.rotation.mu.Unlock()

	writing := chapter.Seal(z.open, uint32(z.id), sealedVCN)
	z.writing = writing
	z.open = chapter.NewOpenChapter(z.open.Capacity)

	finishedZones, err := z.writer.Submit(writing)
	if err != nil {
		return
	}

	zoneCount := len(z.siblings)
	if finishedZones == 1 && zoneCount > 1 {
		for zid, sib := range z.siblings {
			if zid == z.id {
				continue
			}
			sib.Put(ZoneItem{Control: ChapterClosedAnnouncement{VCN: sealedVCN}})
		}
	}

	z.rotation.mu.Lock()
	z.index.SetOpenChapter(newVCN)
	expired := z.geo.ChaptersToExpire(sealedVCN, newVCN)
	z.rotation.mu.Unlock()

	if finishedZones == zoneCount {
		for i := uint64(0); i < expired; i++ {
			expiredVCN := newVCN - uint64(z.geo.ChaptersPerVolume) - expired + 1 + i
			z.vol.ForgetChapter(z.geo.MapToPhysicalChapter(expiredVCN), expiredVCN, volume.ForgetExpired)
		}
		// Every zone's contribution for sealedVCN is now packed and durably
		// written; each zone (including this one) can drop its writing-chapter
		// snapshot for it.
		if z.writing != nil && z.writing.VirtualChapter == sealedVCN {
			z.writing = nil
		}
		for zid, sib := range z.siblings {
			if zid == z.id {
				continue
			}
			sib.Put(ZoneItem{Control: ChapterWrittenAnnouncement{VCN: sealedVCN}})
		}
	}
}

// fetchPage returns the requested physical page, blocking this zone's
// goroutine until it is resident. A cache hit resolves inline; a miss rides
// the volume's reader-pool load, which may itself already be in flight on
// behalf of another caller (§4.2 two-tier lookup).
func (z *Zone) fetchPage(physicalChapter, pageIndex uint32, isIndex bool) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	z.vol.GetVolumePage(physicalChapter, pageIndex, isIndex, volume.ProbeIndexFirst, z.requestSeq.Add(1), func(data []byte, err error) {
		done <- outcome{data, err}
	})
	out := <-done
	return out.data, out.err
}

// fetchRecordMetadata resolves a dense/sparse index hit into stored metadata
// by reading the chapter's on-disk index pages to find the owning record
// page, then reading that record page directly (§4.2 "the index returns
// either a previously recorded storage location plus associated metadata, or
// a negative answer").
func (z *Zone) fetchRecordMetadata(vcn uint64, fp recordtypes.Fingerprint) (recordtypes.Metadata, bool, error) {
	physicalChapter := z.geo.MapToPhysicalChapter(vcn)
	recordPage, found, err := chapter.LocateRecordPage(z.geo, z.writer.IndexPageMap(), physicalChapter, fp, func(pageIdx int) ([]byte, error) {
		return z.fetchPage(physicalChapter, uint32(pageIdx), true)
	})
	if err != nil || !found {
		return recordtypes.Metadata{}, false, err
	}
	page, err := z.fetchPage(physicalChapter, z.geo.IndexPagesPerChapter+uint32(recordPage), false)
	if err != nil {
		return recordtypes.Metadata{}, false, err
	}
	recordsPerPage := int(z.geo.RecordsPerPage)
	for i := 0; i < recordsPerPage; i++ {
		off := i * recordtypes.RecordSize
		if off+recordtypes.RecordSize > len(page) {
			break
		}
		var candidate recordtypes.Fingerprint
		copy(candidate[:], page[off:off+recordtypes.FingerprintSize])
		if candidate != fp {
			continue
		}
		var meta recordtypes.Metadata
		copy(meta[:], page[off+recordtypes.FingerprintSize:off+recordtypes.RecordSize])
		return meta, true, nil
	}
	return recordtypes.Metadata{}, false, nil
}

func (z *Zone) queryZone(r *Request) {
	if meta, ok := z.open.Search(r.Fingerprint); ok {
		r.NewMetadata = meta
		z.deliver(r, recordtypes.InOpenChapter, nil)
		return
	}
	if z.writing != nil {
		for _, rec := range z.writing.Records {
			if rec.Fingerprint == r.Fingerprint {
				r.NewMetadata = rec.Metadata
				z.deliver(r, recordtypes.InOpenChapter, nil)
				return
			}
		}
	}
	result := z.index.GetRecord(r.Fingerprint)
	if !result.Found {
		z.deliver(r, recordtypes.Unavailable, nil)
		return
	}
	oldest, newest := z.index.Window()
	location := recordtypes.InDense
	if z.geo.IsChapterSparse(oldest, newest, result.VCN) {
		location = recordtypes.InSparse
	}
	meta, found, err := z.fetchRecordMetadata(result.VCN, r.Fingerprint)
	if err != nil {
		z.deliver(r, recordtypes.Unavailable, err)
		return
	}
	if !found {
		z.deliver(r, recordtypes.Unavailable, nil)
		return
	}
	r.NewMetadata = meta
	z.deliver(r, location, nil)
}

func (z *Zone) removeFromIndexZone(r *Request) {
	removedOpen := z.open.Remove(r.Fingerprint)
	removedIndex := z.index.RemoveRecord(r.Fingerprint)
	if removedOpen || removedIndex {
		z.deliver(r, recordtypes.Unknown, nil)
		return
	}
	z.deliver(r, recordtypes.Unavailable, nil)
}
