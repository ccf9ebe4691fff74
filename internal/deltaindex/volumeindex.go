// Package deltaindex implements the in-memory delta-compressed volume index
// (§4.3): a partial map fingerprint -> virtual chapter number, sharded by
// zone so each zone's mutations never need a lock.
package deltaindex

import (
	"github.com/deduphq/dedupindex/internal/geometry"
	"github.com/deduphq/dedupindex/internal/recordtypes"
)

// LookupResult is the outcome of GetRecord.
type LookupResult struct {
	Found       bool
	VCN         uint64
	IsCollision bool
}

// Triage is the cheap, non-destructive result used by the pipeline's triage
// stage (§4.3 lookup_name).
type Triage struct {
	Found           bool
	InSampledChapter bool
	VirtualChapter  uint64
}

type zoneShard struct {
	dense  [listsPerZone]*DeltaList
	sparse [listsPerZone]*DeltaList
}

// VolumeIndex is the sharded delta index for an entire volume.
type VolumeIndex struct {
	zoneCount  uint32
	sampleRate uint32
	geo        *geometry.Geometry
	zones      []*zoneShard
	oldestVCN  uint64
	newestVCN  uint64
}

// New builds a VolumeIndex with zoneCount zones, each holding listsPerZone
// dense and listsPerZone sparse-sample delta lists sized from meanDelta and
// the geometry's chapter capacity.
func New(zoneCount uint32, meanDelta uint32, sampleRate uint32, geo *geometry.Geometry) *VolumeIndex {
	capacityPerList := geo.RecordsPerChapter() * geo.ChaptersPerVolume / zoneCount / listsPerZone
	if capacityPerList == 0 {
		capacityPerList = 1
	}
	zones := make([]*zoneShard, zoneCount)
	for z := range zones {
		shard := &zoneShard{}
		for i := 0; i < listsPerZone; i++ {
			shard.dense[i] = NewDeltaList(meanDelta, capacityPerList)
			shard.sparse[i] = NewDeltaList(meanDelta, capacityPerList)
		}
		zones[z] = shard
	}
	return &VolumeIndex{
		zoneCount:  zoneCount,
		sampleRate: sampleRate,
		geo:        geo,
		zones:      zones,
	}
}

// GetZone is the pure zone projection of a fingerprint (§4.3 get_zone).
func (vi *VolumeIndex) GetZone(fp recordtypes.Fingerprint) uint32 {
	return ZoneKey(fp, vi.zoneCount)
}

// IsSample reports whether fp passes the sparse-sample filter.
func (vi *VolumeIndex) IsSample(fp recordtypes.Fingerprint) bool {
	return SamplingKey(fp, vi.sampleRate)
}

func (vi *VolumeIndex) shard(fp recordtypes.Fingerprint) *zoneShard {
	return vi.zones[vi.GetZone(fp)]
}

// GetRecord locates fp in its zone's sub-index (§4.3 get_record).
func (vi *VolumeIndex) GetRecord(fp recordtypes.Fingerprint) LookupResult {
	shard := vi.shard(fp)
	key, suffix := sortKey(fp), suffixOf(fp)
	list := shard.dense[listKey(fp)]
	if vcn, found, collision := list.Get(key, suffix); found {
		return LookupResult{Found: true, VCN: vcn, IsCollision: collision}
	}
	if vi.IsSample(fp) {
		list = shard.sparse[listKey(fp)]
		if vcn, found, collision := list.Get(key, suffix); found {
			return LookupResult{Found: true, VCN: vcn, IsCollision: collision}
		}
	}
	return LookupResult{}
}

// LookupName is the cheap, non-destructive lookup used by triage (§4.3).
func (vi *VolumeIndex) LookupName(fp recordtypes.Fingerprint) Triage {
	result := vi.GetRecord(fp)
	return Triage{
		Found:            result.Found,
		InSampledChapter: vi.IsSample(fp),
		VirtualChapter:   result.VCN,
	}
}

// PutRecord inserts a new hint for fp at the given virtual chapter (§4.3
// put_record). Every record is admitted into the dense sub-index (since new
// admissions always land in the current, necessarily-dense chapter); sampled
// fingerprints are additionally admitted into the sparse sub-index, which
// must survive the record's eventual eviction from the dense tier.
func (vi *VolumeIndex) PutRecord(fp recordtypes.Fingerprint, vcn uint64) error {
	shard := vi.shard(fp)
	key, suffix := sortKey(fp), suffixOf(fp)
	if err := shard.dense[listKey(fp)].Put(key, suffix, vcn); err != nil {
		return err
	}
	if vi.IsSample(fp) {
		if err := shard.sparse[listKey(fp)].Put(key, suffix, vcn); err != nil {
			return err
		}
	}
	return nil
}

// SetRecordChapter updates the VCN of an existing record in place (§4.3
// set_record_chapter).
func (vi *VolumeIndex) SetRecordChapter(fp recordtypes.Fingerprint, vcn uint64) bool {
	shard := vi.shard(fp)
	key, suffix := sortKey(fp), suffixOf(fp)
	updated := shard.dense[listKey(fp)].SetChapter(key, suffix, vcn)
	if vi.IsSample(fp) {
		if shard.sparse[listKey(fp)].SetChapter(key, suffix, vcn) {
			updated = true
		}
	}
	return updated
}

// RemoveRecord deletes fp from both sub-indexes (§4.3 remove_record).
func (vi *VolumeIndex) RemoveRecord(fp recordtypes.Fingerprint) bool {
	shard := vi.shard(fp)
	key, suffix := sortKey(fp), suffixOf(fp)
	removedDense := shard.dense[listKey(fp)].Remove(key, suffix)
	removedSparse := shard.sparse[listKey(fp)].Remove(key, suffix)
	return removedDense || removedSparse
}

// SetOpenChapter declares a new newest virtual chapter. Entries that have
// fallen out of the dense tier are dropped from the dense sub-index (they
// remain in the sparse sub-index if they were samples); entries that have
// fallen out of the whole window are dropped entirely (§4.3, Invariant 2).
func (vi *VolumeIndex) SetOpenChapter(vcn uint64) {
	vi.newestVCN = vcn
	var oldest uint64
	if vcn+1 > uint64(vi.geo.ChaptersPerVolume) {
		oldest = vcn + 1 - uint64(vi.geo.ChaptersPerVolume)
	}
	vi.oldestVCN = oldest

	expired := func(recordVCN uint64) bool {
		// Invariant 2 permits oldest-1 as a lower bound during advance.
		return oldest > 0 && recordVCN+1 < oldest
	}
	for _, shard := range vi.zones {
		for i := 0; i < listsPerZone; i++ {
			shard.dense[i].RemoveIf(func(recordVCN uint64) bool {
				if expired(recordVCN) {
					return true
				}
				return vi.geo.IsChapterSparse(oldest, vcn, recordVCN)
			})
			shard.sparse[i].RemoveIf(expired)
		}
	}
}

// Window returns the current [oldest, newest] virtual chapter bounds.
func (vi *VolumeIndex) Window() (oldest, newest uint64) {
	return vi.oldestVCN, vi.newestVCN
}

// ZoneCount reports how many zones this index is sharded across.
func (vi *VolumeIndex) ZoneCount() uint32 { return vi.zoneCount }

// Stats is a best-effort, lock-free snapshot of population counts; safe to
// call from any thread at any time per §4.3 ("no tearing is possible
// because each counter fits in a machine word").
type Stats struct {
	DenseEntries  int
	SparseEntries int
}

func (vi *VolumeIndex) Stats() Stats {
	var s Stats
	for _, shard := range vi.zones {
		for i := 0; i < listsPerZone; i++ {
			s.DenseEntries += shard.dense[i].Len()
			s.SparseEntries += shard.sparse[i].Len()
		}
	}
	return s
}

// ZoneDenseList and ZoneSparseList give direct access to a zone's delta
// lists, used by the save/load and rebuild paths to persist or replay each
// list independently.
func (vi *VolumeIndex) ZoneDenseList(zone uint32, listIdx int) *DeltaList {
	return vi.zones[zone].dense[listIdx]
}

func (vi *VolumeIndex) ZoneSparseList(zone uint32, listIdx int) *DeltaList {
	return vi.zones[zone].sparse[listIdx]
}

// ListsPerZone exposes the fan-out constant for callers that iterate lists.
func ListsPerZone() int { return listsPerZone }
