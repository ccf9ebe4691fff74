package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deduphq/dedupindex/internal/xerrors"
)

// Profile is the on-disk YAML shape for a saved creation profile: every
// field is optional so a profile can set only the knobs an operator cares
// about and leave the rest at their §6 defaults. Used by the create command
// to let an operator check a reusable geometry profile into version control
// instead of repeating a long flag line.
type Profile struct {
	RecordPages    *uint32 `yaml:"record_pages,omitempty"`
	IndexPages     *uint32 `yaml:"index_pages,omitempty"`
	Chapters       *uint32 `yaml:"chapters,omitempty"`
	SparseChapters *uint32 `yaml:"sparse_chapters,omitempty"`
	Zones          *uint32 `yaml:"zones,omitempty"`
	Nonce          *uint64 `yaml:"nonce,omitempty"`
	IndexParam     *string `yaml:"index_param,omitempty"`
	DataParam      *string `yaml:"data_param,omitempty"`
}

// LoadProfile reads and parses a YAML creation profile from path.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, xerrors.Wrap(err, "read profile %s", path)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, xerrors.Wrap(xerrors.ErrInvalidArgument, "parse profile %s: %v", path, err)
	}
	return p, nil
}

// ApplyTo overlays the profile's set fields onto cfg, and returns the
// index/data parameter strings it names (either may be empty, meaning the
// profile did not set one). Fields the caller already set explicitly via
// flags should be applied after calling ApplyTo so flags win over the
// profile (§6: a profile supplies defaults, not overrides).
func (p Profile) ApplyTo(cfg *Configuration) (indexParam, dataParam string) {
	if p.RecordPages != nil {
		cfg.RecordPagesPerChapter = *p.RecordPages
	}
	if p.IndexPages != nil {
		cfg.IndexPagesPerChapter = *p.IndexPages
	}
	if p.Chapters != nil {
		cfg.ChaptersPerVolume = *p.Chapters
	}
	if p.SparseChapters != nil {
		cfg.SparseChaptersPerVolume = *p.SparseChapters
	}
	if p.Zones != nil {
		cfg.ZoneCount = *p.Zones
	}
	if p.Nonce != nil {
		cfg.Nonce = *p.Nonce
	}
	if p.IndexParam != nil {
		indexParam = *p.IndexParam
	}
	if p.DataParam != nil {
		dataParam = *p.DataParam
	}
	return indexParam, dataParam
}
