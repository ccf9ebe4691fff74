package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
)

func testSession(t *testing.T, zoneCount uint32) *Session {
	t.Helper()
	cfg := config.Default(2, 1, 8, 4, zoneCount, 1234)
	geo, err := cfg.Geometry()
	if err != nil {
		t.Fatalf("Geometry: %v", err)
	}
	idx := deltaindex.New(zoneCount, cfg.VolumeIndexMeanDelta, cfg.SparseSampleRate, geo)
	vol := volume.Open(volume.Config{
		Geometry:        geo,
		Backend:         volume.NewMemoryBackend(),
		PageCacheSize:   32,
		SparseCacheSize: 4,
		ReaderThreads:   2,
	})
	writer := chapter.NewChapterWriter(geo, zoneCount, vol)
	return Open(cfg, idx, vol, writer, LoadCreate)
}

func awaitLocation(t *testing.T, fp recordtypes.Fingerprint, op recordtypes.Operation, meta recordtypes.Metadata, s *Session) *Request {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	var result *Request
	req := NewRequest(fp, op, meta, recordtypes.Metadata{}, func(r *Request) {
		result = r
		wg.Done()
	})
	if err := s.Request(req); err != nil {
		t.Fatalf("Request: %v", err)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("request timed out")
	}
	return result
}

func TestSessionPostThenQueryRoundTrip(t *testing.T) {
	s := testSession(t, 1)
	defer s.Close()

	var f recordtypes.Fingerprint
	f[0] = 0x42
	meta := recordtypes.Metadata{0x01, 0x02}

	posted := awaitLocation(t, f, recordtypes.Post, meta, s)
	if posted.Location != recordtypes.InOpenChapter {
		t.Fatalf("post Location = %v, want InOpenChapter", posted.Location)
	}

	queried := awaitLocation(t, f, recordtypes.Query, recordtypes.Metadata{}, s)
	if queried.Location != recordtypes.InOpenChapter {
		t.Fatalf("query Location = %v, want InOpenChapter", queried.Location)
	}
}

func TestSessionCloseRefusesWhileSuspended(t *testing.T) {
	s := testSession(t, 1)
	s.Suspend()
	if err := s.Close(); err == nil {
		t.Fatalf("expected Close to refuse while suspended")
	}
	s.Resume()
	if err := s.Close(); err != nil {
		t.Fatalf("Close after resume: %v", err)
	}
}

func TestSessionDisabledRejectsNewRequests(t *testing.T) {
	s := testSession(t, 1)
	defer s.Close()
	s.Disable()

	var f recordtypes.Fingerprint
	req := NewRequest(f, recordtypes.Query, recordtypes.Metadata{}, recordtypes.Metadata{}, func(r *Request) {})
	if err := s.Request(req); err == nil {
		t.Fatalf("expected ErrDisabled after Disable")
	}
}

func TestSessionMultiZoneHandlesManyPostsWithoutDisabling(t *testing.T) {
	s := testSession(t, 2)
	defer s.Close()

	// Capacity per zone is large (RecordsPerChapter/zoneCount); this exercises
	// the multi-zone triage+barrier path across many distinct fingerprints
	// without necessarily forcing a chapter rotation.
	for i := 0; i < 300; i++ {
		var f recordtypes.Fingerprint
		f[0] = byte(i)
		f[1] = byte(i >> 8)
		awaitLocation(t, f, recordtypes.Post, recordtypes.Metadata{}, s)
	}
	s.Flush()
	if s.State()&Disabled != 0 {
		t.Fatalf("session should not be disabled after ordinary posts")
	}
}
