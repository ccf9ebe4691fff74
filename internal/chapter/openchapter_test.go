package chapter

import (
	"testing"

	"github.com/deduphq/dedupindex/internal/recordtypes"
)

func fp(b byte) recordtypes.Fingerprint {
	var f recordtypes.Fingerprint
	f[0] = b
	return f
}

func TestOpenChapterPutNeverFails(t *testing.T) {
	c := NewOpenChapter(2)
	if rem := c.Put(fp(1), recordtypes.Metadata{}); rem != 1 {
		t.Fatalf("remaining = %d, want 1", rem)
	}
	if rem := c.Put(fp(2), recordtypes.Metadata{}); rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}
	// Put past capacity must still succeed (never fails), just reports 0.
	if rem := c.Put(fp(3), recordtypes.Metadata{}); rem != 0 {
		t.Fatalf("remaining past capacity = %d, want 0", rem)
	}
	if !c.Full() {
		t.Fatalf("chapter should report full")
	}
}

func TestOpenChapterSearchAndRemove(t *testing.T) {
	c := NewOpenChapter(4)
	c.Put(fp(9), recordtypes.Metadata{1})
	if _, ok := c.Search(fp(9)); !ok {
		t.Fatalf("expected to find inserted fingerprint")
	}
	if !c.Remove(fp(9)) {
		t.Fatalf("Remove reported failure for present key")
	}
	if _, ok := c.Search(fp(9)); ok {
		t.Fatalf("removed fingerprint should not be found")
	}
	if c.Remove(fp(9)) {
		t.Fatalf("double remove should report false")
	}
}

func TestOpenChapterRecordsSuppressesDeleted(t *testing.T) {
	c := NewOpenChapter(4)
	c.Put(fp(1), recordtypes.Metadata{})
	c.Put(fp(2), recordtypes.Metadata{})
	c.Remove(fp(1))
	records := c.Records()
	if len(records) != 1 || records[0].Fingerprint != fp(2) {
		t.Fatalf("Records() = %+v, want only fp(2)", records)
	}
}

func TestSealSnapshotsCurrentRecords(t *testing.T) {
	c := NewOpenChapter(4)
	c.Put(fp(5), recordtypes.Metadata{})
	wc := Seal(c, 2, 17)
	if wc.Zone != 2 || wc.VirtualChapter != 17 || len(wc.Records) != 1 {
		t.Fatalf("unexpected seal snapshot: %+v", wc)
	}
	// Mutating c after Seal must not affect the snapshot.
	c.Put(fp(6), recordtypes.Metadata{})
	if len(wc.Records) != 1 {
		t.Fatalf("seal snapshot should be immune to later mutation")
	}
}
