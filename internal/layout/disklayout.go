package layout

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// SlotRegionKind tags a sub-region inside one save slot (original's
// regionIdentifiers.h RL_KIND_* tags, carried through per SPEC_FULL §5 so a
// layout dump reads like the system it was distilled from).
type SlotRegionKind uint32

const (
	RegionConfig SlotRegionKind = iota
	RegionVolumeIndex
	RegionOpenChapter
	RegionIndexPageMap
	RegionSeal
)

func (k SlotRegionKind) String() string {
	switch k {
	case RegionConfig:
		return "RL_KIND_CONFIG"
	case RegionVolumeIndex:
		return "RL_KIND_VOLUME_INDEX"
	case RegionOpenChapter:
		return "RL_KIND_OPEN_CHAPTER"
	case RegionIndexPageMap:
		return "RL_KIND_INDEX_PAGE_MAP"
	case RegionSeal:
		return "RL_KIND_SEAL"
	default:
		return "RL_KIND_UNKNOWN"
	}
}

// SuperblockHeader identifies the layout's component and version (§6): a
// differing minor version is upgradable, a differing major version is not.
type SuperblockHeader struct {
	ComponentID uint32
	Major       uint16
	Minor       uint16
	Size        uint64
}

// CurrentMajor/CurrentMinor are the versions this package writes and reads.
const (
	CurrentMajor = 1
	CurrentMinor = 0
)

// slotPointer is the superblock's record of one save slot: whether it holds
// a committed save, and the monotonically increasing sequence number used
// to pick the most recent valid slot on load.
type slotPointer struct {
	Committed bool
	Sequence  uint64
}

// Superblock is block 1 (immediately after the geometry block): header,
// plus one pointer per save slot (§6).
type Superblock struct {
	Header SuperblockHeader
	Slots  [SaveSlotCount]slotPointer
}

func (s *Superblock) encode() []byte {
	buf := make([]byte, 0, BlockSize)
	buf = appendU32(buf, s.Header.ComponentID)
	buf = appendU32(buf, uint32(s.Header.Major)<<16|uint32(s.Header.Minor))
	buf = appendU64(buf, s.Header.Size)
	for _, sp := range s.Slots {
		var committed uint32
		if sp.Committed {
			committed = 1
		}
		buf = appendU32(buf, committed)
		buf = appendU64(buf, sp.Sequence)
	}
	out := make([]byte, BlockSize)
	copy(out, buf)
	sum := crc32.ChecksumIEEE(out[:BlockSize-4])
	binary.LittleEndian.PutUint32(out[BlockSize-4:], sum)
	return out
}

func decodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) != BlockSize {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "superblock has %d bytes, want %d", len(raw), BlockSize)
	}
	body := raw[:BlockSize-4]
	want := binary.LittleEndian.Uint32(raw[BlockSize-4:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "superblock CRC mismatch")
	}
	r := &reader{buf: body}
	s := &Superblock{}
	s.Header.ComponentID = r.u32()
	versions := r.u32()
	s.Header.Major = uint16(versions >> 16)
	s.Header.Minor = uint16(versions & 0xffff)
	s.Header.Size = r.u64()
	for i := range s.Slots {
		s.Slots[i].Committed = r.u32() != 0
		s.Slots[i].Sequence = r.u64()
	}
	if r.err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "superblock: %v", r.err)
	}
	return s, nil
}

// Store owns the on-disk index region: the geometry block, the superblock,
// and the two alternating save slots, all addressed through a
// BlockReaderWriterFactory (§6 "On-disk layout").
type Store struct {
	backend volume.BlockReaderWriterFactory
	geo     *GeometryBlock
	super   *Superblock
}

// CreateStore initializes a brand-new index region: writes a fresh geometry
// block and an empty, uncommitted superblock.
func CreateStore(backend volume.BlockReaderWriterFactory, releaseVersion uint32, nonce uint64, cfg *config.Configuration, indexBlocks, dataStartBlock, dataBlocks uint64) (*Store, error) {
	g := NewGeometryBlock(releaseVersion, nonce, cfg, indexBlocks, dataStartBlock, dataBlocks)
	s := &Store{
		backend: backend,
		geo:     g,
		super: &Superblock{
			Header: SuperblockHeader{ComponentID: releaseVersion, Major: CurrentMajor, Minor: CurrentMinor},
		},
	}
	if err := s.writeGeometryBlock(); err != nil {
		return nil, err
	}
	if err := s.writeSuperblock(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenStore reads an existing index region's geometry block and superblock.
func OpenStore(backend volume.BlockReaderWriterFactory) (*Store, error) {
	r, err := backend.OpenReader()
	if err != nil {
		return nil, xerrors.Wrap(err, "open index region reader")
	}
	gbuf := make([]byte, BlockSize)
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, BlockSize), gbuf); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrShortRead, "read geometry block: %v", err)
	}
	g, err := DecodeGeometryBlock(gbuf)
	if err != nil {
		return nil, err
	}
	sbuf := make([]byte, BlockSize)
	if _, err := io.ReadFull(io.NewSectionReader(r, BlockSize, BlockSize), sbuf); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrShortRead, "read superblock: %v", err)
	}
	super, err := decodeSuperblock(sbuf)
	if err != nil {
		return nil, err
	}
	if super.Header.Major != CurrentMajor {
		return nil, xerrors.Wrap(xerrors.ErrUnsupportedVersion, "superblock major version %d, this build supports %d", super.Header.Major, CurrentMajor)
	}
	return &Store{backend: backend, geo: g, super: super}, nil
}

func (s *Store) writeGeometryBlock() error {
	w, err := s.backend.OpenWriter()
	if err != nil {
		return xerrors.Wrap(err, "open index region writer")
	}
	buf, err := s.geo.Encode()
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(buf, 0); err != nil {
		return xerrors.Wrap(err, "write geometry block")
	}
	return nil
}

func (s *Store) writeSuperblock() error {
	w, err := s.backend.OpenWriter()
	if err != nil {
		return xerrors.Wrap(err, "open index region writer")
	}
	if _, err := w.WriteAt(s.super.encode(), BlockSize); err != nil {
		return xerrors.Wrap(err, "write superblock")
	}
	return nil
}

// Geometry exposes the decoded geometry block.
func (s *Store) Geometry() *GeometryBlock { return s.geo }

// Superblock exposes the decoded superblock, for diagnostics (e.g. an
// inspect command dumping each slot's committed/sequence state).
func (s *Store) Superblock() *Superblock { return s.super }

// slotBase is the absolute byte offset of save slot index's region, laid
// out immediately after the superblock, each sized to slotBlocks blocks.
func (s *Store) slotBase(slot int, slotBlocks uint64) uint64 {
	return uint64(2*BlockSize) + uint64(slot)*slotBlocks*BlockSize
}

// SaveSlotData is everything one save slot persists (§6): the config
// record, every zone's volume-index delta lists (dense and sparse), every
// zone's open-chapter snapshot, and the index-page-map.
type SaveSlotData struct {
	Config       config.Configuration
	ZoneDense    [][]byte // per zone: concatenated, length-prefixed delta-list encodings
	ZoneSparse   [][]byte
	OpenChapters [][]byte // per zone: length-prefixed record stream
	IndexPageMap []byte
}

// WriteSaveSlot writes a new save to whichever slot is not the last good
// one (§6 "Saves are always written to the slot other than the last good
// one"), bumping the sequence number, and leaves it uncommitted until
// Commit is called.
func (s *Store) WriteSaveSlot(data SaveSlotData, slotBlocks uint64) (slot int, err error) {
	slot = s.nextSlot()
	w, err := s.backend.OpenWriter()
	if err != nil {
		return 0, xerrors.Wrap(err, "open index region writer")
	}
	base := s.slotBase(slot, slotBlocks)
	buf := encodeSaveSlot(&data)
	if uint64(len(buf)) > slotBlocks*BlockSize {
		return 0, xerrors.Wrap(xerrors.ErrVolumeOverflow, "save slot contents (%d bytes) exceed slot capacity", len(buf))
	}
	// Pad to the full slot width so a later whole-slot read never short-reads
	// past what this write actually extended the backend to.
	padded := make([]byte, slotBlocks*BlockSize)
	copy(padded, buf)
	if _, err := w.WriteAt(padded, int64(base)); err != nil {
		return 0, xerrors.Wrap(err, "write save slot %d", slot)
	}
	s.super.Slots[slot].Committed = false
	s.super.Slots[slot].Sequence = s.nextSequence()
	return slot, nil
}

// Commit marks slot durable, the last step of a save (§6 "commit marks a
// slot durable").
func (s *Store) Commit(slot int) error {
	s.super.Slots[slot].Committed = true
	return s.writeSuperblock()
}

// Cancel discards an in-progress save, leaving the prior committed slot as
// the most recent valid one (§6 "cancel discards an in-progress save").
func (s *Store) Cancel(slot int) error {
	s.super.Slots[slot].Committed = false
	s.super.Slots[slot].Sequence = 0
	return s.writeSuperblock()
}

// DiscardSaves marks every slot uncommitted, used when a rebuild is about
// to replace the volume index wholesale.
func (s *Store) DiscardSaves() error {
	for i := range s.super.Slots {
		s.super.Slots[i].Committed = false
	}
	return s.writeSuperblock()
}

func (s *Store) nextSlot() int {
	// Prefer the slot that is not the current latest committed one so a
	// crash mid-write never clobbers the last good save.
	latest, ok := s.latestSlot()
	if !ok {
		return 0
	}
	return (latest + 1) % SaveSlotCount
}

func (s *Store) nextSequence() uint64 {
	var max uint64
	for _, sp := range s.super.Slots {
		if sp.Sequence > max {
			max = sp.Sequence
		}
	}
	return max + 1
}

// latestSlot finds the committed slot with the highest sequence number
// (§6 "on load, the most recent valid slot by sequence number wins").
func (s *Store) latestSlot() (int, bool) {
	best := -1
	var bestSeq uint64
	for i, sp := range s.super.Slots {
		if sp.Committed && (best == -1 || sp.Sequence > bestSeq) {
			best = i
			bestSeq = sp.Sequence
		}
	}
	return best, best != -1
}

// LoadLatestSaveSlot reads and decodes the most recent committed save slot.
// It returns xerrors.ErrIndexNotSavedCleanly if no slot is committed at all.
func (s *Store) LoadLatestSaveSlot(slotBlocks uint64, geo *geometry.Geometry, zoneCount uint32) (*SaveSlotData, int, error) {
	slot, ok := s.latestSlot()
	if !ok {
		return nil, 0, xerrors.Wrap(xerrors.ErrIndexNotSavedCleanly, "no committed save slot")
	}
	data, err := s.readSlot(slot, slotBlocks, zoneCount)
	if err != nil {
		// §8 scenario 5: a corrupt primary slot falls back to the secondary.
		altSlot := (slot + 1) % SaveSlotCount
		if s.super.Slots[altSlot].Committed {
			alt, altErr := s.readSlot(altSlot, slotBlocks, zoneCount)
			if altErr == nil {
				return alt, altSlot, nil
			}
		}
		return nil, 0, err
	}
	return data, slot, nil
}

func (s *Store) readSlot(slot int, slotBlocks uint64, zoneCount uint32) (*SaveSlotData, error) {
	r, err := s.backend.OpenReader()
	if err != nil {
		return nil, xerrors.Wrap(err, "open index region reader")
	}
	base := s.slotBase(slot, slotBlocks)
	buf := make([]byte, slotBlocks*BlockSize)
	if _, err := io.ReadFull(io.NewSectionReader(r, int64(base), int64(len(buf))), buf); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "read save slot %d: %v", slot, err)
	}
	return decodeSaveSlot(buf, zoneCount)
}

// --- save slot wire encoding ---

func encodeSaveSlot(d *SaveSlotData) []byte {
	var buf []byte
	buf = appendConfig(buf, &d.Config)
	buf = appendBlockList(buf, d.ZoneDense)
	buf = appendBlockList(buf, d.ZoneSparse)
	buf = appendBlockList(buf, d.OpenChapters)
	buf = appendBytes(buf, d.IndexPageMap)
	return buf
}

func decodeSaveSlot(buf []byte, zoneCount uint32) (*SaveSlotData, error) {
	r := &reader{buf: buf}
	d := &SaveSlotData{}
	if err := readConfig(r, &d.Config); err != nil {
		return nil, err
	}
	d.ZoneDense = readBlockList(r, int(zoneCount)*chapterListsPerZone())
	d.ZoneSparse = readBlockList(r, int(zoneCount)*chapterListsPerZone())
	d.OpenChapters = readBlockList(r, int(zoneCount))
	d.IndexPageMap = readBytes(r)
	if r.err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptData, "save slot: %v", r.err)
	}
	return d, nil
}

// chapterListsPerZone avoids a direct import cycle risk by calling through
// deltaindex's exported constant accessor.
func chapterListsPerZone() int { return deltaindex.ListsPerZone() }

func appendConfig(buf []byte, c *config.Configuration) []byte {
	buf = appendU64(buf, c.MemorySize)
	buf = appendU64(buf, c.Offset)
	buf = appendU32(buf, c.RecordPagesPerChapter)
	buf = appendU32(buf, c.IndexPagesPerChapter)
	buf = appendU32(buf, c.ChaptersPerVolume)
	buf = appendU32(buf, c.SparseChaptersPerVolume)
	buf = appendU32(buf, c.BytesPerPage)
	buf = appendU32(buf, c.CacheChapters)
	buf = appendU32(buf, c.VolumeIndexMeanDelta)
	buf = appendU32(buf, c.SparseSampleRate)
	buf = appendU32(buf, c.ZoneCount)
	buf = appendU64(buf, c.Nonce)
	buf = appendU64(buf, c.RemappedVirtual)
	buf = appendU32(buf, c.RemappedPhysical)
	return buf
}

func readConfig(r *reader, c *config.Configuration) error {
	c.MemorySize = r.u64()
	c.Offset = r.u64()
	c.RecordPagesPerChapter = r.u32()
	c.IndexPagesPerChapter = r.u32()
	c.ChaptersPerVolume = r.u32()
	c.SparseChaptersPerVolume = r.u32()
	c.BytesPerPage = r.u32()
	c.CacheChapters = r.u32()
	c.VolumeIndexMeanDelta = r.u32()
	c.SparseSampleRate = r.u32()
	c.ZoneCount = r.u32()
	c.Nonce = r.u64()
	c.RemappedVirtual = r.u64()
	c.RemappedPhysical = r.u32()
	return r.err
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes(r *reader) []byte {
	n := r.u32()
	return r.bytes(int(n))
}

func appendBlockList(buf []byte, blocks [][]byte) []byte {
	buf = appendU32(buf, uint32(len(blocks)))
	for _, b := range blocks {
		buf = appendBytes(buf, b)
	}
	return buf
}

func readBlockList(r *reader, expected int) [][]byte {
	n := int(r.u32())
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, readBytes(r))
	}
	_ = expected // kept for call-site readability; length is self-describing on the wire
	return out
}

// RecordsToBytes/BytesToRecords encode an open-chapter snapshot as a flat
// stream of fixed-width records, used for the per-zone open-chapter region.
func RecordsToBytes(records []recordtypes.Record) []byte {
	buf := make([]byte, 0, len(records)*recordtypes.RecordSize)
	for _, rec := range records {
		buf = append(buf, rec.Fingerprint[:]...)
		buf = append(buf, rec.Metadata[:]...)
	}
	return buf
}

func BytesToRecords(buf []byte) ([]recordtypes.Record, error) {
	if len(buf)%recordtypes.RecordSize != 0 {
		return nil, xerrors.Wrap(xerrors.ErrCorruptData, "open chapter snapshot length %d not a multiple of record size", len(buf))
	}
	n := len(buf) / recordtypes.RecordSize
	out := make([]recordtypes.Record, n)
	for i := 0; i < n; i++ {
		off := i * recordtypes.RecordSize
		copy(out[i].Fingerprint[:], buf[off:off+recordtypes.FingerprintSize])
		copy(out[i].Metadata[:], buf[off+recordtypes.FingerprintSize:off+recordtypes.RecordSize])
	}
	return out, nil
}

// IndexPageMapBytes/bytesToIndexPageMap serialize the chapter writer's
// index page map as physicalChapter -> []uint32 highest-delta-list entries.
func IndexPageMapBytes(m *chapter.IndexPageMap, chaptersPerVolume uint32, indexPagesPerChapter uint32) []byte {
	buf := make([]byte, 0)
	buf = appendU32(buf, chaptersPerVolume)
	for ch := uint32(0); ch < chaptersPerVolume; ch++ {
		for page := 0; page < int(indexPagesPerChapter); page++ {
			highest, ok := m.HighestDeltaList(ch, page)
			if !ok {
				highest = 0
			}
			buf = appendU32(buf, highest)
		}
	}
	return buf
}

func LoadIndexPageMap(buf []byte, indexPagesPerChapter uint32) (*chapter.IndexPageMap, error) {
	m := chapter.NewIndexPageMap()
	r := &reader{buf: buf}
	chaptersPerVolume := r.u32()
	for ch := uint32(0); ch < chaptersPerVolume; ch++ {
		for page := 0; page < int(indexPagesPerChapter); page++ {
			v := r.u32()
			m.SetHighestDeltaList(ch, page, v)
		}
	}
	if r.err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptData, "index page map: %v", r.err)
	}
	return m, nil
}
