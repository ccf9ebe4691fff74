// Package layout implements the on-disk region layout (§4.6): the geometry
// block, superblock, dual save slots, and the rebuild/replay procedure used
// when no clean save is present.
package layout

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// RegionKind tags an entry in the geometry block's region array (§6
// "On-disk layout", grounded on original_source's regionIdentifiers.h).
type RegionKind uint32

const (
	IndexRegion RegionKind = iota
	DataRegion
)

func (k RegionKind) String() string {
	switch k {
	case IndexRegion:
		return "INDEX_REGION"
	case DataRegion:
		return "DATA_REGION"
	default:
		return "UNKNOWN_REGION"
	}
}

// Region is one entry in the geometry block's region array: an absolute
// start block and a region kind.
type Region struct {
	Kind        RegionKind
	StartBlock  uint64
	BlockCount  uint64
}

// IndexConfig is the {mem, sparse, reserved} triple carried in the
// geometry block, independent of the full Configuration record kept in
// each save slot.
type IndexConfig struct {
	Mem      uint32
	Sparse   uint32
	Reserved uint32
}

// GeometryBlock is block 0 of the volume: release version, index identity
// (nonce + UUID), the region array, and a trailing header CRC-32 (§6).
type GeometryBlock struct {
	ReleaseVersion uint32
	Nonce          uint64
	UUID           uuid.UUID
	BioOffset      uint32
	Config         IndexConfig
	Regions        []Region
}

// NewGeometryBlock builds a fresh geometry block for a newly created volume,
// assigning it a random UUID as its identity (§6 "nonce (random 64-bit
// index identity)"; the UUID is the Go-native identity token layered on top
// of the original's bare nonce, since the pack's google/uuid dependency
// gives us a stronger collision-free identity for free).
func NewGeometryBlock(releaseVersion uint32, nonce uint64, cfg *config.Configuration, indexBlocks, dataStartBlock, dataBlocks uint64) *GeometryBlock {
	return &GeometryBlock{
		ReleaseVersion: releaseVersion,
		Nonce:          nonce,
		UUID:           uuid.New(),
		Config: IndexConfig{
			Mem:    cfg.VolumeIndexMeanDelta,
			Sparse: cfg.SparseSampleRate,
		},
		Regions: []Region{
			{Kind: IndexRegion, StartBlock: 1, BlockCount: indexBlocks},
			{Kind: DataRegion, StartBlock: dataStartBlock, BlockCount: dataBlocks},
		},
	}
}

// Encode serializes the geometry block to exactly BlockSize bytes,
// little-endian (§4.6 "All operations are little-endian on the wire"),
// ending with a CRC-32 of everything before it.
func (g *GeometryBlock) Encode() ([]byte, error) {
	buf := make([]byte, 0, BlockSize)
	buf = appendU32(buf, g.ReleaseVersion)
	buf = appendU64(buf, g.Nonce)
	idBytes, err := g.UUID.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal geometry block UUID")
	}
	buf = append(buf, idBytes...)
	buf = appendU32(buf, g.BioOffset)
	buf = appendU32(buf, g.Config.Mem)
	buf = appendU32(buf, g.Config.Sparse)
	buf = appendU32(buf, g.Config.Reserved)
	buf = appendU32(buf, uint32(len(g.Regions)))
	for _, r := range g.Regions {
		buf = appendU32(buf, uint32(r.Kind))
		buf = appendU64(buf, r.StartBlock)
		buf = appendU64(buf, r.BlockCount)
	}
	if len(buf) > BlockSize-4 {
		return nil, fmt.Errorf("layout: geometry block contents (%d bytes) exceed block capacity", len(buf))
	}
	sum := crc32.ChecksumIEEE(buf)
	out := make([]byte, BlockSize)
	copy(out, buf)
	binary.LittleEndian.PutUint32(out[BlockSize-4:], sum)
	return out, nil
}

// DecodeGeometryBlock parses and CRC-validates a geometry block previously
// produced by Encode.
func DecodeGeometryBlock(raw []byte) (*GeometryBlock, error) {
	if len(raw) != BlockSize {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "geometry block has %d bytes, want %d", len(raw), BlockSize)
	}
	body := raw[:BlockSize-4]
	wantSum := binary.LittleEndian.Uint32(raw[BlockSize-4:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "geometry block CRC mismatch")
	}

	r := &reader{buf: body}
	g := &GeometryBlock{}
	g.ReleaseVersion = r.u32()
	g.Nonce = r.u64()
	idBytes := r.bytes(16)
	if err := g.UUID.UnmarshalBinary(idBytes); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "geometry block UUID: %v", err)
	}
	g.BioOffset = r.u32()
	g.Config.Mem = r.u32()
	g.Config.Sparse = r.u32()
	g.Config.Reserved = r.u32()
	regionCount := r.u32()
	g.Regions = make([]Region, regionCount)
	for i := range g.Regions {
		g.Regions[i].Kind = RegionKind(r.u32())
		g.Regions[i].StartBlock = r.u64()
		g.Regions[i].BlockCount = r.u64()
	}
	if r.err != nil {
		return nil, xerrors.Wrap(xerrors.ErrCorruptComponent, "geometry block: %v", r.err)
	}
	return g, nil
}

// DataRegion returns the data region's start block and size, if present.
func (g *GeometryBlock) DataRegion() (Region, bool) {
	for _, r := range g.Regions {
		if r.Kind == DataRegion {
			return r, true
		}
	}
	return Region{}, false
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader is a small cursor over a little-endian byte buffer, tracking the
// first short-read error encountered so callers can check once at the end.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("short read at offset %d wanting %d bytes", r.pos, n)
		return make([]byte, n)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.need(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.need(8)) }
func (r *reader) bytes(n int) []byte {
	b := r.need(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}
