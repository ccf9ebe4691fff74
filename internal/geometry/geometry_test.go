package geometry

import "testing"

func mustGeom(t *testing.T) *Geometry {
	t.Helper()
	g, err := New(256, 64, 6, 1024, 768)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestMapToPhysicalChapterWraps(t *testing.T) {
	g := mustGeom(t)
	if got := g.MapToPhysicalChapter(0); got != 0 {
		t.Fatalf("vcn 0 -> physical %d, want 0", got)
	}
	if got := g.MapToPhysicalChapter(1024); got != 0 {
		t.Fatalf("vcn 1024 -> physical %d, want 0 (wraps)", got)
	}
	if got := g.MapToPhysicalChapter(1025); got != 1 {
		t.Fatalf("vcn 1025 -> physical %d, want 1", got)
	}
}

func TestMapToPhysicalChapterRemap(t *testing.T) {
	g := mustGeom(t)
	g.SetRemap(5, 900)
	if got := g.MapToPhysicalChapter(5); got != 900 {
		t.Fatalf("remapped vcn 5 -> physical %d, want 900", got)
	}
	if got := g.MapToPhysicalChapter(6); got != 6 {
		t.Fatalf("non-remapped vcn 6 -> physical %d, want 6", got)
	}
}

func TestIsChapterSparse(t *testing.T) {
	g := mustGeom(t)
	oldest, newest := uint64(1), uint64(1024)
	// dense/sparse boundary is at distance 1024-768=256 from newest.
	if g.IsChapterSparse(oldest, newest, newest) {
		t.Fatalf("newest chapter must be dense")
	}
	if !g.IsChapterSparse(oldest, newest, newest-256) {
		t.Fatalf("chapter at distance 256 must be sparse")
	}
	if g.IsChapterSparse(oldest, newest, newest-255) {
		t.Fatalf("chapter at distance 255 must be dense")
	}
}

func TestChaptersToExpireBeforeWindowFull(t *testing.T) {
	g := mustGeom(t)
	if got := g.ChaptersToExpire(0, 10); got != 0 {
		t.Fatalf("window not yet full: expected 0 expirations, got %d", got)
	}
}

func TestChaptersToExpireAfterWindowFull(t *testing.T) {
	g := mustGeom(t)
	if got := g.ChaptersToExpire(1023, 1024); got != 1 {
		t.Fatalf("first overflow advance: expected 1 expiration, got %d", got)
	}
	if got := g.ChaptersToExpire(2000, 2005); got != 5 {
		t.Fatalf("steady-state advance by 5: expected 5 expirations, got %d", got)
	}
}

func TestSingleChapterVolumeAlwaysExpiresPrevious(t *testing.T) {
	g, err := New(256, 64, 6, 1, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := g.ChaptersToExpire(0, 1); got != 1 {
		t.Fatalf("P=1 volume must expire exactly 1 chapter per advance, got %d", got)
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	if _, err := New(0, 64, 6, 1024, 768); err == nil {
		t.Fatalf("expected error for zero records_per_page")
	}
	if _, err := New(256, 64, 6, 10, 20); err == nil {
		t.Fatalf("expected error for sparse > total chapters")
	}
}
