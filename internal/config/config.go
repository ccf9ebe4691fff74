// Package config holds the Configuration record that describes a volume
// before it is created or opened, and the device-name parameter-string
// parser used by the opening facade.
package config

import (
	"strconv"
	"strings"

	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// RecordPagesPerChapterSize names the three allowed chapter sizes (§6).
type RecordPagesPerChapterSize string

const (
	Small  RecordPagesPerChapterSize = "small"
	Medium RecordPagesPerChapterSize = "medium"
	Large  RecordPagesPerChapterSize = "large"
)

// RecordPagesPerChapter maps a named size to its page count.
func RecordPagesPerChapter(size RecordPagesPerChapterSize) (uint32, error) {
	switch size {
	case Small:
		return 16, nil
	case Medium:
		return 64, nil
	case Large:
		return 256, nil
	default:
		return 0, xerrors.Wrap(xerrors.ErrInvalidArgument, "unknown record_pages_per_chapter size %q", string(size))
	}
}

// Configuration is the full set of fields named in §6. It is immutable once
// a volume is created; reopening an existing volume must supply a matching
// Configuration (aside from the two Remapped* fields, which the layout
// itself may update after a shrink).
type Configuration struct {
	MemorySize uint64 // bytes
	Offset     uint64 // bytes, on the underlying device

	RecordPagesPerChapter   uint32
	IndexPagesPerChapter    uint32
	ChaptersPerVolume       uint32
	SparseChaptersPerVolume uint32
	BytesPerPage            uint32 // always geometry.BytesPerPage

	CacheChapters         uint32 // default 7
	VolumeIndexMeanDelta  uint32 // default 4096
	SparseSampleRate      uint32 // default 32 (1-in-32 fingerprints sampled)
	ZoneCount             uint32 // <= 16
	Nonce                 uint64 // random 64-bit index identity
	RemappedVirtual       uint64
	RemappedPhysical      uint32
}

// MaxZones is the hard cap on ZoneCount (zone.h: MAX_ZONES).
const MaxZones = 16

// Default builds a Configuration with the §6 defaults for every field the
// caller does not need to override, given the mandatory geometry shape and a
// zone count.
func Default(recordPagesPerChapter, indexPagesPerChapter, chaptersPerVolume, sparseChaptersPerVolume, zoneCount uint32, nonce uint64) *Configuration {
	return &Configuration{
		RecordPagesPerChapter:   recordPagesPerChapter,
		IndexPagesPerChapter:    indexPagesPerChapter,
		ChaptersPerVolume:       chaptersPerVolume,
		SparseChaptersPerVolume: sparseChaptersPerVolume,
		BytesPerPage:            geometry.BytesPerPage,
		CacheChapters:           7,
		VolumeIndexMeanDelta:    4096,
		SparseSampleRate:        32,
		ZoneCount:               zoneCount,
		Nonce:                   nonce,
	}
}

// Validate checks the cross-field constraints §6 and §4.1 depend on.
func (c *Configuration) Validate() error {
	if c.ZoneCount == 0 || c.ZoneCount > MaxZones {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "zone_count %d out of range (1..%d)", c.ZoneCount, MaxZones)
	}
	if c.BytesPerPage != geometry.BytesPerPage {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "bytes_per_page %d, want %d", c.BytesPerPage, geometry.BytesPerPage)
	}
	if c.SparseChaptersPerVolume > c.ChaptersPerVolume {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "sparse_chapters_per_volume %d exceeds chapters_per_volume %d", c.SparseChaptersPerVolume, c.ChaptersPerVolume)
	}
	if c.SparseSampleRate == 0 {
		return xerrors.Wrap(xerrors.ErrInvalidArgument, "sparse_sample_rate must be positive")
	}
	return nil
}

// Geometry derives the pure geometry object implied by this configuration.
// RecordsPerPage is fixed by the on-disk record size (32 bytes) and page
// size (4096 bytes): 4096/32 = 128 records per page.
func (c *Configuration) Geometry() (*geometry.Geometry, error) {
	const recordSize = 32
	recordsPerPage := c.BytesPerPage / recordSize
	g, err := geometry.New(recordsPerPage, c.RecordPagesPerChapter, c.IndexPagesPerChapter, c.ChaptersPerVolume, c.SparseChaptersPerVolume)
	if err != nil {
		return nil, err
	}
	g.SetRemap(c.RemappedVirtual, c.RemappedPhysical)
	return g, nil
}

// ParsedParams is the result of parsing a device-name parameter string: the
// recognized keys from §6 (file is the default/bare key).
type ParsedParams struct {
	File   string
	Size   uint64
	HasSize bool
	Offset  uint64
	HasOffset bool
}

// ParseParameterString parses the whitespace-separated key=value device-name
// syntax from §6, grounded on indexLayoutParser.c's parse_layout_string: a
// bare token with no '=' anywhere in the whole string is taken as the
// default key (file); otherwise each whitespace-separated token is
// key=value, except that a bare token among them is also taken as file.
// Duplicate keys fail, and unknown keys fail.
func ParseParameterString(s string) (ParsedParams, error) {
	var out ParsedParams
	if !strings.Contains(s, "=") {
		out.File = s
		return out, nil
	}

	seen := map[string]bool{}
	for _, token := range strings.Fields(s) {
		key, value, hasEquals := strings.Cut(token, "=")
		if !hasEquals {
			// A bare token inside an otherwise key=value string is taken
			// as the default key, same as the original's "no equal sign
			// falls through to the LP_DEFAULT parameter" rule.
			key, value = "file", token
		}
		if seen[key] {
			return ParsedParams{}, xerrors.Wrap(xerrors.ErrInvalidArgument, "duplicate index parameter %q", key)
		}
		seen[key] = true

		switch key {
		case "file":
			out.File = value
		case "size":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return ParsedParams{}, xerrors.Wrap(xerrors.ErrInvalidArgument, "bad numeric value %q for size", value)
			}
			out.Size = n
			out.HasSize = true
		case "offset":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return ParsedParams{}, xerrors.Wrap(xerrors.ErrInvalidArgument, "bad numeric value %q for offset", value)
			}
			out.Offset = n
			out.HasOffset = true
		default:
			return ParsedParams{}, xerrors.Wrap(xerrors.ErrInvalidArgument, "unknown index parameter %q", key)
		}
	}
	return out, nil
}
