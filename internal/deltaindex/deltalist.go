package deltaindex

import (
	"sort"

	"github.com/deduphq/dedupindex/internal/bitfield"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// listEntry is one stored key in a delta list: the 64-bit sort-key
// projection of a fingerprint, the 64-bit remainder used to disambiguate
// collisions, and the virtual chapter number it was last recorded against.
type listEntry struct {
	key    uint64
	suffix uint64
	vcn    uint64
}

// deltaFieldBits is the width chosen for the encoded gap between consecutive
// sort keys. A list's mean delta determines this width: wide enough that
// the expected gap (2^64 / expected-population) fits comfortably, narrow
// enough to keep the list's encoded form small. Entries whose true gap does
// not fit trigger Overflow (§4.3), exactly like the byte-budget overflow of
// the original encoding.
const suffixFieldBits = 64
const vcnFieldBits = 64

// DeltaList is one sorted, delta-encoded partition of the volume index
// (§4.3). All mutation must come from the single goroutine that owns the
// zone this list belongs to; no internal locking is performed.
type DeltaList struct {
	deltaBits   int
	budgetBits  uint64
	entries     []listEntry // kept sorted by key
}

// NewDeltaList builds an empty list sized for the given mean delta and a
// target record capacity. meanDelta is the configured target average gap
// between stored keys (§6 volume_index_mean_delta); capacity bounds the
// list's encoded footprint.
func NewDeltaList(meanDelta uint32, capacity uint32) *DeltaList {
	deltaBits := bitsToRepresent(uint64(meanDelta) * 4)
	if deltaBits < 8 {
		deltaBits = 8
	}
	if deltaBits > 63 {
		deltaBits = 63
	}
	perEntryBits := uint64(deltaBits) + suffixFieldBits + vcnFieldBits
	return &DeltaList{
		deltaBits:  deltaBits,
		budgetBits: perEntryBits * uint64(capacity),
	}
}

func bitsToRepresent(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 1
	}
	if n == 0 {
		n = 1
	}
	return n
}

func (l *DeltaList) indexOf(key uint64) (int, bool) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].key >= key })
	if i < len(l.entries) && l.entries[i].key == key {
		return i, true
	}
	return i, false
}

// encodedBits is the current total encoded size of the list, matching what
// EncodeBits would produce.
func (l *DeltaList) encodedBits() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return uint64(len(l.entries)) * (uint64(l.deltaBits) + suffixFieldBits + vcnFieldBits)
}

// deltaFor returns the gap between entries at position i and i-1 (or the key
// itself for i==0), and whether that gap fits in deltaBits.
func (l *DeltaList) deltaFor(i int, key uint64) (uint64, bool) {
	var prev uint64
	if i > 0 {
		prev = l.entries[i-1].key
	}
	delta := key - prev
	if l.deltaBits < 64 && delta >= (uint64(1)<<uint(l.deltaBits)) {
		return 0, false
	}
	return delta, true
}

// Get looks up key/suffix, returning the stored VCN and whether the match
// was a distinct fingerprint sharing the same sort key (a collision).
func (l *DeltaList) Get(key, suffix uint64) (vcn uint64, found bool, isCollision bool) {
	i, ok := l.indexOf(key)
	if !ok {
		return 0, false, false
	}
	// Scan the run of entries sharing this key for an exact suffix match.
	for j := i; j < len(l.entries) && l.entries[j].key == key; j++ {
		if l.entries[j].suffix == suffix {
			return l.entries[j].vcn, true, j != i || (j+1 < len(l.entries) && l.entries[j+1].key == key)
		}
	}
	return 0, false, false
}

// Put inserts or replaces the (key, suffix) -> vcn binding. It reports
// xerrors.ErrOverflow (advisory, §4.3) if the list's byte budget cannot
// absorb the new entry.
func (l *DeltaList) Put(key, suffix, vcn uint64) error {
	i, ok := l.indexOf(key)
	if ok {
		for j := i; j < len(l.entries) && l.entries[j].key == key; j++ {
			if l.entries[j].suffix == suffix {
				l.entries[j].vcn = vcn
				return nil
			}
		}
	}
	if _, fits := l.deltaFor(i, key); !fits {
		return xerrors.Wrap(xerrors.ErrOverflow, "delta list: gap too large for %d-bit field", l.deltaBits)
	}
	if l.budgetBits > 0 && l.encodedBits()+uint64(l.deltaBits)+suffixFieldBits+vcnFieldBits > l.budgetBits {
		return xerrors.Wrap(xerrors.ErrOverflow, "delta list: byte budget exhausted")
	}
	entry := listEntry{key: key, suffix: suffix, vcn: vcn}
	l.entries = append(l.entries, listEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = entry
	// Re-validate the delta of the entry immediately following the insert,
	// since its predecessor (and therefore its gap) has changed.
	if i+1 < len(l.entries) {
		if _, fits := l.deltaFor(i+1, l.entries[i+1].key); !fits {
			// Undo: the shifted neighbour no longer encodes; reject the
			// whole insert rather than leave an un-encodable list.
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return xerrors.Wrap(xerrors.ErrOverflow, "delta list: insert would break a neighbouring gap")
		}
	}
	return nil
}

// SetChapter updates the VCN of an existing (key, suffix) entry in place,
// without touching its position (§4.3 set_record_chapter).
func (l *DeltaList) SetChapter(key, suffix, vcn uint64) bool {
	i, ok := l.indexOf(key)
	if !ok {
		return false
	}
	for j := i; j < len(l.entries) && l.entries[j].key == key; j++ {
		if l.entries[j].suffix == suffix {
			l.entries[j].vcn = vcn
			return true
		}
	}
	return false
}

// Remove deletes the (key, suffix) entry, if present.
func (l *DeltaList) Remove(key, suffix uint64) bool {
	i, ok := l.indexOf(key)
	if !ok {
		return false
	}
	for j := i; j < len(l.entries) && l.entries[j].key == key; j++ {
		if l.entries[j].suffix == suffix {
			l.entries = append(l.entries[:j], l.entries[j+1:]...)
			return true
		}
	}
	return false
}

// RemoveIf deletes every entry for which drop returns true, used by
// set_open_chapter to reap entries that have fallen out of the window.
func (l *DeltaList) RemoveIf(drop func(vcn uint64) bool) {
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !drop(e.vcn) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// Len reports the number of live entries.
func (l *DeltaList) Len() int { return len(l.entries) }

// Each iterates every entry in sorted order (used by statistics traversal
// and rebuild scanning; safe to call concurrently with reads per §4.3).
func (l *DeltaList) Each(fn func(key, suffix, vcn uint64)) {
	for _, e := range l.entries {
		fn(e.key, e.suffix, e.vcn)
	}
}

// setField64/getField64 move a full 64-bit field through bitfield.MoveBits
// rather than bitfield.SetField/GetField: those two only move up to
// MaxFieldBits (57) bits in a single fixed-width register shift, and silently
// truncate a 64-bit field whenever its bit offset isn't byte-aligned (which,
// given this list's deltaBits+128 entry width, is true for nearly every entry
// past the first). MoveBits already chunks wider fields into MaxFieldBits
// pieces, so routing through it here keeps suffix/VCN fields intact.
func setField64(buf []byte, offset uint64, v uint64) {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v)
		v >>= 8
	}
	bitfield.MoveBits(tmp[:], 0, buf, offset, 64)
}

func getField64(buf []byte, offset uint64) uint64 {
	var tmp [8]byte
	bitfield.MoveBits(buf, offset, tmp[:], 0, 64)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(tmp[i])
	}
	return v
}

// EncodeBits packs the list into its bit-codec wire form: a count field
// followed by, for each entry in order, a delta-encoded key gap, a fixed
// suffix field, and a fixed VCN field. All access goes through the shared
// bitfield codec (§4.6 "every format change funnels through it").
func (l *DeltaList) EncodeBits() []byte {
	totalBits := 32 + l.encodedBits()
	buf := make([]byte, (totalBits+7)/8)
	bitfield.SetField(buf, 0, 32, uint64(len(l.entries)))
	offset := uint64(32)
	var prev uint64
	for i, e := range l.entries {
		delta := e.key
		if i > 0 {
			delta = e.key - prev
		}
		bitfield.SetField(buf, offset, l.deltaBits, delta)
		offset += uint64(l.deltaBits)
		setField64(buf, offset, e.suffix)
		offset += suffixFieldBits
		setField64(buf, offset, e.vcn)
		offset += vcnFieldBits
		prev = e.key
	}
	return buf
}

// DecodeBits replaces the list's contents by unpacking buf, previously
// produced by EncodeBits with the same deltaBits configuration.
func (l *DeltaList) DecodeBits(buf []byte) error {
	if len(buf) < 4 {
		return xerrors.Wrap(xerrors.ErrCorruptData, "delta list: truncated header")
	}
	count := bitfield.GetField(buf, 0, 32)
	offset := uint64(32)
	entries := make([]listEntry, 0, count)
	var key uint64
	for i := uint64(0); i < count; i++ {
		delta := bitfield.GetField(buf, offset, l.deltaBits)
		offset += uint64(l.deltaBits)
		suffix := getField64(buf, offset)
		offset += suffixFieldBits
		vcn := getField64(buf, offset)
		offset += vcnFieldBits
		key += delta
		entries = append(entries, listEntry{key: key, suffix: suffix, vcn: vcn})
	}
	l.entries = entries
	return nil
}
