package chapter

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/deduphq/dedupindex/internal/bitfield"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// Sink is the collaborator the chapter writer hands finished chapters to —
// the volume's durable storage. Kept as a narrow interface so this package
// never needs to import the volume package (Design Notes: avoid cyclic
// back-references between the big components).
type Sink interface {
	WriteChapterPages(physicalChapter uint32, vcn uint64, pages [][]byte) error
}

// ChapterWriter is the single background consumer that packs zone-sealed
// chapters to stable storage (§4.4). It holds at most one chapter-in-flight
// per zone and only packs a VCN once every zone has contributed.
type ChapterWriter struct {
	mu           sync.Mutex
	geo          *geometry.Geometry
	zoneCount    uint32
	pending      map[uint64]map[uint32]*WritingChapter
	indexPageMap *IndexPageMap
	sink         Sink
	lastErr      error
}

// NewChapterWriter builds a writer for a volume with the given geometry,
// zone count, and durable sink.
func NewChapterWriter(geo *geometry.Geometry, zoneCount uint32, sink Sink) *ChapterWriter {
	return &ChapterWriter{
		geo:          geo,
		zoneCount:    zoneCount,
		pending:      make(map[uint64]map[uint32]*WritingChapter),
		indexPageMap: NewIndexPageMap(),
		sink:         sink,
	}
}

// IndexPageMap exposes the writer's index page map for save/load and
// statistics.
func (w *ChapterWriter) IndexPageMap() *IndexPageMap { return w.indexPageMap }

// SetIndexPageMap installs a previously loaded or rebuilt index page map,
// used when a writer is attached to a volume index that came from a save
// slot or from scanning the volume directly rather than starting empty.
func (w *ChapterWriter) SetIndexPageMap(m *IndexPageMap) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indexPageMap = m
}

// LastError returns the most recent packing/write failure. Per §4.4, writer
// failures are fatal to subsequent save attempts but never abort in-flight
// queries, so callers must check this explicitly rather than have it
// propagate through Submit's normal return path once a later Submit
// succeeds for an unrelated VCN.
func (w *ChapterWriter) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Submit delivers one zone's sealed chapter for the given VCN. It returns
// the number of zones that have now delivered for this VCN ("finished_zones"
// in §4.4's seal protocol); when that count reaches the zone count, the
// writer merges, packs, and persists the chapter synchronously within this
// call.
func (w *ChapterWriter) Submit(wc *WritingChapter) (finishedZones int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	byZone, ok := w.pending[wc.VirtualChapter]
	if !ok {
		byZone = make(map[uint32]*WritingChapter)
		w.pending[wc.VirtualChapter] = byZone
	}
	byZone[wc.Zone] = wc
	finishedZones = len(byZone)
	if finishedZones < int(w.zoneCount) {
		return finishedZones, nil
	}

	// Every zone has contributed: merge, pack, and persist.
	delete(w.pending, wc.VirtualChapter)
	var all []recordtypes.Record
	for _, z := range byZone {
		all = append(all, z.Records...)
	}
	physicalChapter := w.geo.MapToPhysicalChapter(wc.VirtualChapter)
	pages, packErr := packChapter(w.geo, all, physicalChapter, wc.VirtualChapter, uint32(len(all)), w.indexPageMap)
	if packErr != nil {
		w.lastErr = packErr
		return finishedZones, packErr
	}
	if writeErr := w.sink.WriteChapterPages(physicalChapter, wc.VirtualChapter, pages); writeErr != nil {
		w.lastErr = writeErr
		return finishedZones, writeErr
	}
	return finishedZones, nil
}

// chapterHeaderBytes is the width of the small header rebuild reads to learn
// which virtual chapter currently occupies a physical slot and how many live
// records it holds (§4.6 "scan every physical chapter's first record page to
// find the min/max VCN written"), prefixed onto index page 0: a one-byte
// "written" marker, the VCN, and the live record count.
const chapterHeaderBytes = HeaderBytes

// HeaderBytes is chapterHeaderBytes, exported so callers that read a
// chapter's index page 0 directly (layout's rebuild scan) know how many
// leading bytes to skip before any delta-list payload begins.
const HeaderBytes = 1 + 8 + 4

// packChapter sorts all records by their delta-index sort key, lays them
// out across record pages, and builds a delta-encoded chapter index across
// the geometry's configured index pages, recording each page's highest
// covered key in the index page map.
func packChapter(geo *geometry.Geometry, records []recordtypes.Record, physicalChapter uint32, vcn uint64, recordCount uint32, ipm *IndexPageMap) ([][]byte, error) {
	sort.Slice(records, func(i, j int) bool {
		return sortKeyOf(records[i].Fingerprint) < sortKeyOf(records[j].Fingerprint)
	})

	recordsPerPage := int(geo.RecordsPerPage)
	recordPages := int(geo.RecordPagesPerChapter)
	if len(records) > recordsPerPage*recordPages {
		return nil, xerrors.Wrap(xerrors.ErrVolumeOverflow, "chapter received %d records, capacity is %d", len(records), recordsPerPage*recordPages)
	}

	// Chapter index pages: split the sorted stream into roughly equal
	// chunks, one delta list per page, keyed by sort key / suffix and
	// carrying the owning record page index as payload. Index pages
	// precede record pages in physical layout (§3).
	indexPages := int(geo.IndexPagesPerChapter)
	pages := make([][]byte, 0, indexPages+recordPages)
	if indexPages > 0 && len(records) > 0 {
		chunk := (len(records) + indexPages - 1) / indexPages
		for pageIdx := 0; pageIdx < indexPages; pageIdx++ {
			page := make([]byte, geo.BytesPerPage)
			headerOffset := 0
			if pageIdx == 0 {
				writeChapterHeader(page, vcn, recordCount)
				headerOffset = chapterHeaderBytes
			}
			start := pageIdx * chunk
			if start < len(records) {
				end := start + chunk
				if end > len(records) {
					end = len(records)
				}
				list := deltaindex.NewDeltaList(uint32(geo.RecordsPerChapter()/uint32(indexPages)+1), uint32(end-start+1))
				var highest uint32
				for pos := start; pos < end; pos++ {
					fp := records[pos].Fingerprint
					recordPage := uint64(pos / recordsPerPage)
					key := sortKeyOf(fp)
					if err := list.Put(key, suffixOfFP(fp), recordPage); err != nil {
						return nil, xerrors.Wrap(err, "packing chapter index page %d", pageIdx)
					}
					highest = uint32(key >> 32)
				}
				ipm.SetHighestDeltaList(physicalChapter, pageIdx, highest)
				copy(page[headerOffset:], list.EncodeBits())
			}
			pages = append(pages, page)
		}
	} else {
		for pageIdx := 0; pageIdx < indexPages; pageIdx++ {
			page := make([]byte, geo.BytesPerPage)
			if pageIdx == 0 {
				writeChapterHeader(page, vcn, recordCount)
			}
			pages = append(pages, page)
		}
	}

	// Record pages: recordsPerPage fixed-size records each, zero-padded.
	for p := 0; p < recordPages; p++ {
		page := make([]byte, geo.BytesPerPage)
		for i := 0; i < recordsPerPage; i++ {
			pos := p*recordsPerPage + i
			if pos >= len(records) {
				break
			}
			r := records[pos]
			off := i * recordtypes.RecordSize
			copy(page[off:], r.Fingerprint[:])
			copy(page[off+recordtypes.FingerprintSize:], r.Metadata[:])
		}
		pages = append(pages, page)
	}

	return pages, nil
}

// writeChapterHeader stamps the written-marker, VCN, and live record count
// at the front of a chapter's index page 0.
func writeChapterHeader(page []byte, vcn uint64, recordCount uint32) {
	page[0] = 1
	binary.LittleEndian.PutUint64(page[1:9], vcn)
	binary.LittleEndian.PutUint32(page[9:chapterHeaderBytes], recordCount)
}

// ReadChapterHeader reports whether physical chapter page 0 (an index page)
// was ever written, and if so its VCN and live record count, used by
// rebuild to find each physical chapter's min/max VCN without a separate
// superblock round-trip.
func ReadChapterHeader(indexPage0 []byte) (vcn uint64, recordCount uint32, written bool) {
	if len(indexPage0) < chapterHeaderBytes || indexPage0[0] != 1 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(indexPage0[1:9]), binary.LittleEndian.Uint32(indexPage0[9:chapterHeaderBytes]), true
}

// LocateRecordPage finds which record page within physicalChapter holds fp,
// by walking that chapter's persisted index pages in ascending order and
// decoding each one's delta list until one covers fp's sort key (§4.2: the
// only way to resolve a dense/sparse index hit into a stored record, once
// the admitting zone's in-memory copy of the chapter is gone). readPage must
// return the raw bytes of index page pageIdx within physicalChapter;
// LocateRecordPage never reads record pages itself.
func LocateRecordPage(geo *geometry.Geometry, ipm *IndexPageMap, physicalChapter uint32, fp recordtypes.Fingerprint, readPage func(pageIdx int) ([]byte, error)) (recordPage uint64, found bool, err error) {
	indexPages := int(geo.IndexPagesPerChapter)
	if indexPages == 0 {
		return 0, false, nil
	}
	key := sortKeyOf(fp)
	suffix := suffixOfFP(fp)
	highKey := uint32(key >> 32)
	meanDelta := geo.RecordsPerChapter()/uint32(indexPages) + 1
	for pageIdx := 0; pageIdx < indexPages; pageIdx++ {
		highest, known := ipm.HighestDeltaList(physicalChapter, pageIdx)
		if known && highKey > highest {
			continue
		}
		raw, rerr := readPage(pageIdx)
		if rerr != nil {
			return 0, false, rerr
		}
		body := raw
		if pageIdx == 0 {
			if len(raw) < chapterHeaderBytes {
				return 0, false, xerrors.Wrap(xerrors.ErrCorruptData, "chapter %d index page 0 truncated", physicalChapter)
			}
			body = raw[chapterHeaderBytes:]
		}
		list := deltaindex.NewDeltaList(meanDelta, 1)
		if derr := list.DecodeBits(body); derr != nil {
			return 0, false, derr
		}
		if page, listFound, _ := list.Get(key, suffix); listFound {
			return page, true, nil
		}
		if known {
			// This page's recorded highest key already covers fp's key, so no
			// later page can hold it either.
			return 0, false, nil
		}
	}
	return 0, false, nil
}

func sortKeyOf(fp recordtypes.Fingerprint) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(fp[i])
	}
	return v
}

func suffixOfFP(fp recordtypes.Fingerprint) uint64 {
	var v uint64
	for i := 8; i < 16; i++ {
		v = v<<8 | uint64(fp[i])
	}
	return v
}

// verify bitfield is exercised transitively through deltaindex; referenced
// here only to document the dependency for readers of this file.
var _ = bitfield.MaxFieldBits
