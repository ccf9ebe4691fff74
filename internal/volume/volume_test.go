package volume

import (
	"sync"
	"testing"

	"github.com/deduphq/dedupindex/internal/geometry"
)

func testVolume(t *testing.T) *Volume {
	t.Helper()
	geo, err := geometry.New(4, 2, 1, 8, 4)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return Open(Config{
		Geometry:        geo,
		Backend:         NewMemoryBackend(),
		PageCacheSize:   16,
		SparseCacheSize: 4,
		ReaderThreads:   2,
	})
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	v := testVolume(t)
	defer v.Close()

	pages := make([][]byte, v.Geometry().PagesPerChapter())
	for i := range pages {
		pages[i] = make([]byte, v.Geometry().BytesPerPage)
		pages[i][0] = byte(i + 1)
	}
	if err := v.WriteChapterPages(2, 17, pages); err != nil {
		t.Fatalf("WriteChapterPages: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var getErr error
	state := v.GetVolumePage(2, 1, false, ProbeIndexFirst, 1, func(data []byte, err error) {
		got, getErr = data, err
		wg.Done()
	})
	if state != Queued {
		t.Fatalf("GetVolumePage state = %v, want Queued on first miss", state)
	}
	wg.Wait()
	if getErr != nil {
		t.Fatalf("GetVolumePage callback error: %v", getErr)
	}
	if got[0] != byte(2) {
		t.Fatalf("page 1 byte 0 = %d, want 2", got[0])
	}

	if _, ok := v.SearchCachedRecordPage(2, 1); !ok {
		t.Fatalf("expected page to be cached after install")
	}
}

func TestGetVolumePageHitsCacheOnSecondCall(t *testing.T) {
	v := testVolume(t)
	defer v.Close()
	pages := make([][]byte, v.Geometry().PagesPerChapter())
	for i := range pages {
		pages[i] = make([]byte, v.Geometry().BytesPerPage)
	}
	if err := v.WriteChapterPages(0, 0, pages); err != nil {
		t.Fatalf("WriteChapterPages: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	v.GetVolumePage(0, 0, true, ProbeIndexFirst, 1, func([]byte, error) { wg.Done() })
	wg.Wait()

	state := v.GetVolumePage(0, 0, true, ProbeIndexFirst, 2, func([]byte, error) {})
	if state != Found {
		t.Fatalf("second GetVolumePage state = %v, want Found", state)
	}
}

func TestForgetChapterDropsCachedPages(t *testing.T) {
	v := testVolume(t)
	defer v.Close()
	pages := make([][]byte, v.Geometry().PagesPerChapter())
	for i := range pages {
		pages[i] = make([]byte, v.Geometry().BytesPerPage)
	}
	if err := v.WriteChapterPages(3, 9, pages); err != nil {
		t.Fatalf("WriteChapterPages: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	v.GetVolumePage(3, 0, true, ProbeIndexFirst, 1, func([]byte, error) { wg.Done() })
	wg.Wait()

	v.ForgetChapter(3, 9, ForgetExpired)
	if _, ok := v.SearchPageCache(3, 0, 0); ok {
		t.Fatalf("expected page cache entry to be forgotten")
	}
}

func TestWindowRoundTrip(t *testing.T) {
	v := testVolume(t)
	defer v.Close()
	if _, _, ok := v.FindVolumeChapterBoundaries(); ok {
		t.Fatalf("fresh volume should report unknown boundaries")
	}
	v.SetWindow(3, 20)
	oldest, newest, ok := v.FindVolumeChapterBoundaries()
	if !ok || oldest != 3 || newest != 20 {
		t.Fatalf("boundaries = (%d,%d,%v), want (3,20,true)", oldest, newest, ok)
	}
}
