package layout

import (
	"context"
	"testing"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
)

func newTestVolume(t *testing.T) (*volume.Volume, *geometry.Geometry) {
	t.Helper()
	geo, err := geometry.New(4, 2, 1, 4, 1)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	vol := volume.Open(volume.Config{
		Geometry:        geo,
		Backend:         volume.NewMemoryBackend(),
		PageCacheSize:   8,
		SparseCacheSize: 8,
		ReaderThreads:   1,
	})
	return vol, geo
}

func recordWithByte(b byte) recordtypes.Record {
	var r recordtypes.Record
	r.Fingerprint[0] = b
	r.Metadata[0] = b
	return r
}

// writeChapters seals and writes virtual chapters 0..n-1, one zone, through
// a ChapterWriter so each chapter's header and index pages are populated the
// same way the live write path would produce them.
func writeChapters(t *testing.T, vol *volume.Volume, geo *geometry.Geometry, n int) {
	t.Helper()
	w := chapter.NewChapterWriter(geo, 1, vol)
	for vcn := 0; vcn < n; vcn++ {
		oc := chapter.NewOpenChapter(8)
		oc.Put(recordWithByte(byte(vcn+1)), recordtypes.Metadata{})
		if _, err := w.Submit(chapter.Seal(oc, 0, uint64(vcn))); err != nil {
			t.Fatalf("Submit vcn %d: %v", vcn, err)
		}
	}
}

func TestInferWindowEmptyVolume(t *testing.T) {
	_, geo := newTestVolume(t)
	scans := make([]chapterScan, geo.ChaptersPerVolume)
	for i := range scans {
		scans[i] = chapterScan{physicalChapter: uint32(i)}
	}
	_, _, isEmpty := InferWindow(scans)
	if !isEmpty {
		t.Fatalf("expected is_empty=true for a volume with no written chapters")
	}
}

func TestScanChapterHeadersAndInferWindow(t *testing.T) {
	vol, geo := newTestVolume(t)
	writeChapters(t, vol, geo, 3)

	scans, err := ScanChapterHeaders(context.Background(), vol, geo, 2)
	if err != nil {
		t.Fatalf("ScanChapterHeaders: %v", err)
	}
	lowest, highest, isEmpty := InferWindow(scans)
	if isEmpty {
		t.Fatalf("expected a non-empty window after writing chapters")
	}
	if lowest != 0 || highest != 2 {
		t.Fatalf("window = [%d,%d], want [0,2]", lowest, highest)
	}
}

func TestRebuildDeterminism(t *testing.T) {
	vol, geo := newTestVolume(t)
	writeChapters(t, vol, geo, 3)

	scans, err := ScanChapterHeaders(context.Background(), vol, geo, 4)
	if err != nil {
		t.Fatalf("ScanChapterHeaders: %v", err)
	}

	build := func() *deltaindex.VolumeIndex {
		idx := deltaindex.New(1, 4, 32, geo)
		if err := Rebuild(vol, geo, idx, scans, func() bool { return false }); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
		return idx
	}
	idx1 := build()
	idx2 := build()

	for b := byte(1); b <= 3; b++ {
		fp := recordWithByte(b).Fingerprint
		r1 := idx1.GetRecord(fp)
		r2 := idx2.GetRecord(fp)
		if r1 != r2 {
			t.Fatalf("rebuild determinism violated for fingerprint %d: %+v vs %+v", b, r1, r2)
		}
		if !r1.Found {
			t.Fatalf("expected fingerprint %d to be found after rebuild", b)
		}
	}
}

func TestRebuildCancellation(t *testing.T) {
	vol, geo := newTestVolume(t)
	writeChapters(t, vol, geo, 3)

	scans, err := ScanChapterHeaders(context.Background(), vol, geo, 4)
	if err != nil {
		t.Fatalf("ScanChapterHeaders: %v", err)
	}

	idx := deltaindex.New(1, 4, 32, geo)
	calls := 0
	err = Rebuild(vol, geo, idx, scans, func() bool {
		calls++
		return true
	})
	if err != ErrRebuildCancelled {
		t.Fatalf("Rebuild error = %v, want ErrRebuildCancelled", err)
	}
	if calls == 0 {
		t.Fatalf("expected the cancellation check to be polled at least once")
	}
}

func TestRebuildSingleChapterVolume(t *testing.T) {
	geo, err := geometry.New(4, 2, 1, 1, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	vol := volume.Open(volume.Config{
		Geometry:        geo,
		Backend:         volume.NewMemoryBackend(),
		PageCacheSize:   4,
		SparseCacheSize: 4,
		ReaderThreads:   1,
	})
	writeChapters(t, vol, geo, 1)

	scans, err := ScanChapterHeaders(context.Background(), vol, geo, 1)
	if err != nil {
		t.Fatalf("ScanChapterHeaders: %v", err)
	}
	lowest, highest, isEmpty := InferWindow(scans)
	if isEmpty || lowest != 0 || highest != 0 {
		t.Fatalf("single-chapter window = [%d,%d] empty=%v, want [0,0] empty=false", lowest, highest, isEmpty)
	}

	idx := deltaindex.New(1, 4, 32, geo)
	if err := Rebuild(vol, geo, idx, scans, func() bool { return false }); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	result := idx.GetRecord(recordWithByte(1).Fingerprint)
	if !result.Found || result.VCN != 0 {
		t.Fatalf("single-chapter rebuild lookup = %+v, want found at VCN 0", result)
	}
}

func TestRebuildIndexPageMapReconstructsHighestDeltaList(t *testing.T) {
	vol, geo := newTestVolume(t)
	w := chapter.NewChapterWriter(geo, 1, vol)
	for vcn := 0; vcn < 2; vcn++ {
		oc := chapter.NewOpenChapter(8)
		for i := 0; i < 3; i++ {
			oc.Put(recordWithByte(byte(vcn*10+i+1)), recordtypes.Metadata{})
		}
		if _, err := w.Submit(chapter.Seal(oc, 0, uint64(vcn))); err != nil {
			t.Fatalf("Submit vcn %d: %v", vcn, err)
		}
	}
	wantIPM := w.IndexPageMap()

	scans, err := ScanChapterHeaders(context.Background(), vol, geo, 2)
	if err != nil {
		t.Fatalf("ScanChapterHeaders: %v", err)
	}
	gotIPM, err := RebuildIndexPageMap(vol, geo, scans)
	if err != nil {
		t.Fatalf("RebuildIndexPageMap: %v", err)
	}
	for ch := uint32(0); ch < geo.ChaptersPerVolume; ch++ {
		got, gotOK := gotIPM.HighestDeltaList(ch, 0)
		want, wantOK := wantIPM.HighestDeltaList(ch, 0)
		if gotOK != wantOK || got != want {
			t.Fatalf("chapter %d highest delta list = (%d,%v), want (%d,%v)", ch, got, gotOK, want, wantOK)
		}
	}
}
