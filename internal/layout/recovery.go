package layout

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// chapterScan is what one physical chapter's first index page reveals:
// whether it was ever written, which virtual chapter it currently holds,
// and how many live records to expect on its record pages.
type chapterScan struct {
	physicalChapter uint32
	written         bool
	vcn             uint64
	recordCount     uint32
}

// ScanChapterHeaders reads physical chapter index page 0 for every chapter
// in the volume, in parallel, to learn which VCN currently occupies each
// slot (§4.6 "scan every physical chapter's first record page to find the
// min/max VCN written"). Concurrency is bounded by maxParallel.
func ScanChapterHeaders(ctx context.Context, vol *volume.Volume, geo *geometry.Geometry, maxParallel int) ([]chapterScan, error) {
	scans := make([]chapterScan, geo.ChaptersPerVolume)
	g, gctx := errgroup.WithContext(ctx)
	if maxParallel > 0 {
		g.SetLimit(maxParallel)
	}
	for ch := uint32(0); ch < geo.ChaptersPerVolume; ch++ {
		ch := ch
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			page, err := vol.ReadPageDirect(ch, 0)
			if err != nil {
				return xerrors.Wrap(xerrors.ErrCorruptComponent, "scan chapter %d header: %v", ch, err)
			}
			vcn, count, written := chapter.ReadChapterHeader(page)
			scans[ch] = chapterScan{physicalChapter: ch, written: written, vcn: vcn, recordCount: count}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scans, nil
}

// InferWindow computes the [lowest, highest] virtual chapter window
// observed across a volume's physical chapters (§4.6). is_empty is true
// when no chapter has ever been written.
func InferWindow(scans []chapterScan) (lowest, highest uint64, isEmpty bool) {
	isEmpty = true
	for _, s := range scans {
		if !s.written {
			continue
		}
		if isEmpty {
			lowest, highest = s.vcn, s.vcn
			isEmpty = false
			continue
		}
		if s.vcn < lowest {
			lowest = s.vcn
		}
		if s.vcn > highest {
			highest = s.vcn
		}
	}
	return lowest, highest, isEmpty
}

// ErrRebuildCancelled is returned by Rebuild when the caller's cancel check
// reported true at a chapter boundary (§4.5 "cancellation... via a
// cooperative check at chapter boundaries").
var ErrRebuildCancelled = xerrors.Wrap(xerrors.ErrBadState, "rebuild cancelled")

// Rebuild replays every chapter from lowest to highest VCN into idx,
// re-inserting every record and skipping records whose disposition would be
// sparse-but-unsampled, exactly as a freshly-admitted record would be
// filtered (§4.6). cancelled is polled at each chapter boundary; when it
// returns true, Rebuild stops and returns ErrRebuildCancelled, leaving idx
// partially populated (callers must discard it per §4.5 "cancelled rebuild
// leaves the volume index empty" — the caller, not Rebuild, owns the
// empty-on-cancel contract since idx is caller-owned).
func Rebuild(vol *volume.Volume, geo *geometry.Geometry, idx *deltaindex.VolumeIndex, scans []chapterScan, cancelled func() bool) error {
	lowest, highest, isEmpty := InferWindow(scans)
	if isEmpty {
		idx.SetOpenChapter(0)
		return nil
	}
	if lowest > highest {
		return xerrors.Wrap(xerrors.ErrAssertionFailed, "rebuild: window lowest %d exceeds highest %d", lowest, highest)
	}

	byVCN := make(map[uint64]uint32, len(scans))
	for _, s := range scans {
		if s.written {
			byVCN[s.vcn] = s.physicalChapter
		}
	}

	for vcn := lowest; vcn <= highest; vcn++ {
		if cancelled() {
			return ErrRebuildCancelled
		}
		physicalChapter, ok := byVCN[vcn]
		if !ok {
			// A gap in the scanned window: the chapter at this VCN was
			// overwritten by a later rotation before this rebuild began and
			// is simply absent from the recoverable window.
			continue
		}
		records, err := readChapterRecords(vol, geo, physicalChapter)
		if err != nil {
			// §7: a single-chapter corruption during rebuild is logged and
			// skipped, not fatal to the whole rebuild.
			continue
		}
		for _, rec := range records {
			sparse := geo.IsChapterSparse(lowest, highest, vcn)
			if sparse && !idx.IsSample(rec.Fingerprint) {
				continue
			}
			if err := idx.PutRecord(rec.Fingerprint, vcn); err != nil && !xerrors.IsRetryable(err) {
				return err
			}
		}
	}
	idx.SetOpenChapter(highest)
	return nil
}

// readChapterRecords reads every record page of a physical chapter directly
// from the backend (FOR_REBUILD lookup mode: no page-cache promotion, per
// §4.6) and decodes its live records, trusting the header's recorded count
// to distinguish real zero-valued records from zero-padding.
func readChapterRecords(vol *volume.Volume, geo *geometry.Geometry, physicalChapter uint32) ([]recordtypes.Record, error) {
	header, err := vol.ReadPageDirect(physicalChapter, 0)
	if err != nil {
		return nil, err
	}
	_, recordCount, written := chapter.ReadChapterHeader(header)
	if !written {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "chapter %d: missing header during rebuild", physicalChapter)
	}

	recordsPerPage := int(geo.RecordsPerPage)
	out := make([]recordtypes.Record, 0, recordCount)
	for p := uint32(0); p < geo.RecordPagesPerChapter && uint32(len(out)) < recordCount; p++ {
		pageIndex := geo.IndexPagesPerChapter + p
		page, err := vol.ReadPageDirect(physicalChapter, pageIndex)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "chapter %d page %d: %v", physicalChapter, pageIndex, err)
		}
		for i := 0; i < recordsPerPage && uint32(len(out)) < recordCount; i++ {
			off := i * recordtypes.RecordSize
			if off+recordtypes.RecordSize > len(page) {
				break
			}
			var rec recordtypes.Record
			copy(rec.Fingerprint[:], page[off:off+recordtypes.FingerprintSize])
			copy(rec.Metadata[:], page[off+recordtypes.FingerprintSize:off+recordtypes.RecordSize])
			out = append(out, rec)
		}
	}
	return out, nil
}

// RebuildIndexPageMap reconstructs the chapter writer's index page map by
// re-reading every chapter's index pages directly, detecting discontiguous
// per-page delta-list ranges as corruption (§4.6).
func RebuildIndexPageMap(vol *volume.Volume, geo *geometry.Geometry, scans []chapterScan) (*chapter.IndexPageMap, error) {
	ipm := chapter.NewIndexPageMap()
	indexPages := geo.IndexPagesPerChapter
	meanDelta := geo.RecordsPerChapter()/indexPages + 1
	for _, s := range scans {
		if !s.written {
			continue
		}
		for page := uint32(0); page < indexPages; page++ {
			raw, err := vol.ReadPageDirect(s.physicalChapter, page)
			if err != nil {
				continue
			}
			if page == 0 {
				raw = raw[chapter.HeaderBytes:]
			}
			list := deltaindex.NewDeltaList(meanDelta, 1)
			if err := list.DecodeBits(raw); err != nil {
				continue
			}
			var highest uint32
			list.Each(func(key, _, _ uint64) {
				if k := uint32(key >> 32); k > highest {
					highest = k
				}
			})
			ipm.SetHighestDeltaList(s.physicalChapter, int(page), highest)
		}
	}
	if bad := ipm.DiscontiguousRanges(); len(bad) > 0 {
		return ipm, xerrors.Wrap(xerrors.ErrCorruptComponent, "index page map: discontiguous ranges in chapters %v", bad)
	}
	return ipm, nil
}
