// Package chapter implements the per-zone open-chapter admission buffer,
// the writing-chapter snapshot taken when it seals, and the chapter writer
// that packs a sealed chapter out to stable storage (§4.4).
package chapter

import "github.com/deduphq/dedupindex/internal/recordtypes"

// OpenChapter is a bounded hash table of up to Capacity records, keyed by
// fingerprint (§4.4). put never fails; duplicate keys simply replace.
type OpenChapter struct {
	Capacity int
	slots    map[recordtypes.Fingerprint]recordtypes.Metadata
	deleted  map[recordtypes.Fingerprint]bool
	order    []recordtypes.Fingerprint // insertion order, for deterministic packing
}

// NewOpenChapter builds an empty chapter sized to hold up to capacity live
// records.
func NewOpenChapter(capacity int) *OpenChapter {
	return &OpenChapter{
		Capacity: capacity,
		slots:    make(map[recordtypes.Fingerprint]recordtypes.Metadata, capacity),
		deleted:  make(map[recordtypes.Fingerprint]bool),
	}
}

// Put records fp -> meta, returning the chapter's remaining capacity after
// the insert. It never fails; inserting past Capacity is the caller's
// signal (via the returned remaining count reaching zero) to rotate.
func (c *OpenChapter) Put(fp recordtypes.Fingerprint, meta recordtypes.Metadata) (remaining int) {
	if _, exists := c.slots[fp]; !exists {
		c.order = append(c.order, fp)
	}
	delete(c.deleted, fp)
	c.slots[fp] = meta
	remaining = c.Capacity - len(c.slots)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Search performs a lookup, returning the stored metadata if fp is present
// and not deleted.
func (c *OpenChapter) Search(fp recordtypes.Fingerprint) (recordtypes.Metadata, bool) {
	if c.deleted[fp] {
		return recordtypes.Metadata{}, false
	}
	meta, ok := c.slots[fp]
	return meta, ok
}

// Remove marks fp deleted: the chapter will still be fully packed on seal,
// but the deleted entry is suppressed from the packed output (§4.4).
func (c *OpenChapter) Remove(fp recordtypes.Fingerprint) bool {
	if _, ok := c.slots[fp]; !ok || c.deleted[fp] {
		return false
	}
	c.deleted[fp] = true
	return true
}

// Len is the number of live (non-deleted) records.
func (c *OpenChapter) Len() int {
	return len(c.slots) - len(c.deleted)
}

// Full reports whether the chapter has reached its configured capacity.
func (c *OpenChapter) Full() bool {
	return len(c.slots) >= c.Capacity
}

// Records returns every live record in original insertion order, used when
// sealing the chapter into a WritingChapter snapshot.
func (c *OpenChapter) Records() []recordtypes.Record {
	out := make([]recordtypes.Record, 0, c.Len())
	for _, fp := range c.order {
		if c.deleted[fp] {
			continue
		}
		out = append(out, recordtypes.Record{Fingerprint: fp, Metadata: c.slots[fp]})
	}
	return out
}

// WritingChapter is an immutable sealed snapshot of an open chapter, held
// per zone while the chapter writer drains it (§4.4).
type WritingChapter struct {
	VirtualChapter uint64
	Zone           uint32
	Records        []recordtypes.Record
}

// Seal snapshots c into a WritingChapter for the given zone and virtual
// chapter number.
func Seal(c *OpenChapter, zone uint32, vcn uint64) *WritingChapter {
	return &WritingChapter{VirtualChapter: vcn, Zone: zone, Records: c.Records()}
}
