package layout

import (
	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
)

// SaveIndex assembles a SaveSlotData snapshot from the live in-memory
// components and persists it to whichever slot is not the last good one,
// per §6. The caller is responsible for quiescing writers first (§4.5
// "flush (drain in-flight and idle the chapter writer)") so the snapshot is
// self-consistent.
func (s *Store) SaveIndex(cfg *config.Configuration, idx *deltaindex.VolumeIndex, openChapters []*chapter.OpenChapter, ipm *chapter.IndexPageMap, slotBlocks uint64) (slot int, err error) {
	zoneCount := idx.ZoneCount()
	listsPerZone := deltaindex.ListsPerZone()

	dense := make([][]byte, 0, int(zoneCount)*listsPerZone)
	sparse := make([][]byte, 0, int(zoneCount)*listsPerZone)
	for z := uint32(0); z < zoneCount; z++ {
		for l := 0; l < listsPerZone; l++ {
			dense = append(dense, idx.ZoneDenseList(z, l).EncodeBits())
			sparse = append(sparse, idx.ZoneSparseList(z, l).EncodeBits())
		}
	}

	openChapterBufs := make([][]byte, len(openChapters))
	for i, oc := range openChapters {
		openChapterBufs[i] = RecordsToBytes(oc.Records())
	}

	geo, err := cfg.Geometry()
	if err != nil {
		return 0, err
	}
	ipmBuf := IndexPageMapBytes(ipm, geo.ChaptersPerVolume, geo.IndexPagesPerChapter)

	data := SaveSlotData{
		Config:       *cfg,
		ZoneDense:    dense,
		ZoneSparse:   sparse,
		OpenChapters: openChapterBufs,
		IndexPageMap: ipmBuf,
	}
	slot, err = s.WriteSaveSlot(data, slotBlocks)
	if err != nil {
		return 0, err
	}
	if err := s.Commit(slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// LoadedIndex is everything LoadIndex reconstructs from the most recent
// committed save slot.
type LoadedIndex struct {
	Config       config.Configuration
	Geometry     *geometry.Geometry
	VolumeIndex  *deltaindex.VolumeIndex
	OpenChapters []*chapter.OpenChapter
	IndexPageMap *chapter.IndexPageMap
	Slot         int
}

// LoadIndex reads the most recent committed save slot and rebuilds every
// in-memory component from it (§8 "Save/load: load(save(M)) = M").
func (s *Store) LoadIndex(slotBlocks uint64) (*LoadedIndex, error) {
	// A first pass is needed to learn zone_count/geometry before we know how
	// many delta lists to expect, so the latest slot is first decoded with a
	// zero-zone probe and only its config is used. The probe still decodes
	// the whole slot, since list lengths are self-describing on the wire.
	probe, _, err := s.LoadLatestSaveSlot(slotBlocks, nil, 0)
	if err != nil {
		return nil, err
	}
	cfg := probe.Config
	geo, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}

	data, slot, err := s.LoadLatestSaveSlot(slotBlocks, geo, cfg.ZoneCount)
	if err != nil {
		return nil, err
	}

	idx := deltaindex.New(cfg.ZoneCount, cfg.VolumeIndexMeanDelta, cfg.SparseSampleRate, geo)
	listsPerZone := deltaindex.ListsPerZone()
	for z := uint32(0); z < cfg.ZoneCount; z++ {
		for l := 0; l < listsPerZone; l++ {
			idx1 := int(z)*listsPerZone + l
			if idx1 < len(data.ZoneDense) {
				if err := idx.ZoneDenseList(z, l).DecodeBits(data.ZoneDense[idx1]); err != nil {
					return nil, err
				}
			}
			if idx1 < len(data.ZoneSparse) {
				if err := idx.ZoneSparseList(z, l).DecodeBits(data.ZoneSparse[idx1]); err != nil {
					return nil, err
				}
			}
		}
	}

	openChapters := make([]*chapter.OpenChapter, cfg.ZoneCount)
	perZoneCapacity := int(geo.RecordsPerChapter() / cfg.ZoneCount)
	if perZoneCapacity == 0 {
		perZoneCapacity = 1
	}
	for z := uint32(0); z < cfg.ZoneCount; z++ {
		oc := chapter.NewOpenChapter(perZoneCapacity)
		if int(z) < len(data.OpenChapters) {
			records, err := BytesToRecords(data.OpenChapters[z])
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				oc.Put(rec.Fingerprint, rec.Metadata)
			}
		}
		openChapters[z] = oc
	}

	ipm, err := LoadIndexPageMap(data.IndexPageMap, geo.IndexPagesPerChapter)
	if err != nil {
		return nil, err
	}

	return &LoadedIndex{
		Config:       cfg,
		Geometry:     geo,
		VolumeIndex:  idx,
		OpenChapters: openChapters,
		IndexPageMap: ipm,
		Slot:         slot,
	}, nil
}
