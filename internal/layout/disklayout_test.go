package layout

import (
	"testing"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/recordtypes"
	"github.com/deduphq/dedupindex/internal/volume"
)

const testSlotBlocks = 64

func newTestStore(t *testing.T) (*Store, *config.Configuration) {
	t.Helper()
	cfg := smallConfig()
	backend := volume.NewMemoryBackend()
	store, err := CreateStore(backend, 1, 0xabcdef, cfg, testSlotBlocks*2, 2+testSlotBlocks*2, 1000)
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	return store, cfg
}

func sampleSaveSlotData(cfg *config.Configuration) SaveSlotData {
	rec := func(b byte) recordtypes.Record {
		var r recordtypes.Record
		r.Fingerprint[0] = b
		r.Metadata[0] = b
		return r
	}
	return SaveSlotData{
		Config:       *cfg,
		ZoneDense:    [][]byte{[]byte("dense-zone-0"), []byte("dense-zone-1")},
		ZoneSparse:   [][]byte{[]byte("sparse-zone-0"), []byte("sparse-zone-1")},
		OpenChapters: [][]byte{RecordsToBytes([]recordtypes.Record{rec(1), rec(2)}), RecordsToBytes(nil)},
		IndexPageMap: []byte("index-page-map"),
	}
}

func TestSaveSlotWriteCommitLoadRoundTrip(t *testing.T) {
	store, cfg := newTestStore(t)
	data := sampleSaveSlotData(cfg)

	slot, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot: %v", err)
	}
	if err := store.Commit(slot); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, loadedSlot, err := store.LoadLatestSaveSlot(testSlotBlocks, nil, cfg.ZoneCount)
	if err != nil {
		t.Fatalf("LoadLatestSaveSlot: %v", err)
	}
	if loadedSlot != slot {
		t.Fatalf("loaded slot %d, want %d", loadedSlot, slot)
	}
	if got.Config != data.Config {
		t.Fatalf("config round trip mismatch: got %+v, want %+v", got.Config, data.Config)
	}
	if len(got.ZoneDense) != len(data.ZoneDense) || string(got.ZoneDense[0]) != string(data.ZoneDense[0]) {
		t.Fatalf("zone dense round trip mismatch: %v", got.ZoneDense)
	}
	if string(got.IndexPageMap) != string(data.IndexPageMap) {
		t.Fatalf("index page map round trip mismatch: got %q", got.IndexPageMap)
	}
	records, err := BytesToRecords(got.OpenChapters[0])
	if err != nil {
		t.Fatalf("BytesToRecords: %v", err)
	}
	if len(records) != 2 || records[0].Fingerprint[0] != 1 || records[1].Fingerprint[0] != 2 {
		t.Fatalf("open chapter round trip mismatch: %+v", records)
	}
}

func TestSecondSaveGoesToTheOtherSlot(t *testing.T) {
	store, cfg := newTestStore(t)
	data := sampleSaveSlotData(cfg)

	slot1, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 1: %v", err)
	}
	if err := store.Commit(slot1); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	slot2, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 2: %v", err)
	}
	if slot2 == slot1 {
		t.Fatalf("second save landed on the same slot (%d) as the first", slot1)
	}
	if err := store.Commit(slot2); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	_, loadedSlot, err := store.LoadLatestSaveSlot(testSlotBlocks, nil, cfg.ZoneCount)
	if err != nil {
		t.Fatalf("LoadLatestSaveSlot: %v", err)
	}
	if loadedSlot != slot2 {
		t.Fatalf("loaded slot %d, want the most recently committed slot %d", loadedSlot, slot2)
	}
}

func TestCancelLeavesPriorCommittedSlotLatest(t *testing.T) {
	store, cfg := newTestStore(t)
	data := sampleSaveSlotData(cfg)

	slot1, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 1: %v", err)
	}
	if err := store.Commit(slot1); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	slot2, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 2: %v", err)
	}
	if err := store.Cancel(slot2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, loadedSlot, err := store.LoadLatestSaveSlot(testSlotBlocks, nil, cfg.ZoneCount)
	if err != nil {
		t.Fatalf("LoadLatestSaveSlot after cancel: %v", err)
	}
	if loadedSlot != slot1 {
		t.Fatalf("loaded slot %d after cancelling the second save, want the first slot %d still intact", loadedSlot, slot1)
	}
}

func TestLoadFallsBackToSecondarySlotWhenPrimaryIsCorrupt(t *testing.T) {
	store, cfg := newTestStore(t)
	data := sampleSaveSlotData(cfg)

	slot1, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 1: %v", err)
	}
	if err := store.Commit(slot1); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	slot2, err := store.WriteSaveSlot(data, testSlotBlocks)
	if err != nil {
		t.Fatalf("WriteSaveSlot 2: %v", err)
	}
	if err := store.Commit(slot2); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	// Corrupt the now-latest slot's body directly through the backend,
	// simulating on-disk bit rot in the primary save (§8 scenario 5).
	w, err := store.backend.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	base := store.slotBase(slot2, testSlotBlocks)
	garbage := make([]byte, testSlotBlocks*BlockSize)
	for i := range garbage {
		garbage[i] = 0xff
	}
	if _, err := w.WriteAt(garbage, int64(base)); err != nil {
		t.Fatalf("corrupt slot: %v", err)
	}

	got, loadedSlot, err := store.LoadLatestSaveSlot(testSlotBlocks, nil, cfg.ZoneCount)
	if err != nil {
		t.Fatalf("LoadLatestSaveSlot should fall back to the secondary slot, got error: %v", err)
	}
	if loadedSlot != slot1 {
		t.Fatalf("fell back to slot %d, want the surviving slot %d", loadedSlot, slot1)
	}
	if got.Config != data.Config {
		t.Fatalf("fallback slot config mismatch: got %+v", got.Config)
	}
}

func TestOpenStoreRejectsMajorVersionMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	store.super.Header.Major = CurrentMajor + 1
	if err := store.writeSuperblock(); err != nil {
		t.Fatalf("writeSuperblock: %v", err)
	}

	if _, err := OpenStore(store.backend); err == nil {
		t.Fatalf("expected OpenStore to reject a newer major version")
	}
}

func TestSaveAndLoadIndexRoundTrip(t *testing.T) {
	store, cfg := newTestStore(t)
	geo, err := cfg.Geometry()
	if err != nil {
		t.Fatalf("cfg.Geometry: %v", err)
	}

	idx := deltaindex.New(cfg.ZoneCount, cfg.VolumeIndexMeanDelta, cfg.SparseSampleRate, geo)
	var fp recordtypes.Fingerprint
	fp[0], fp[1] = 1, 2
	if err := idx.PutRecord(fp, 3); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	idx.SetOpenChapter(3)

	openChapters := make([]*chapter.OpenChapter, cfg.ZoneCount)
	for z := range openChapters {
		oc := chapter.NewOpenChapter(4)
		if uint32(z) == idx.GetZone(fp) {
			oc.Put(fp, recordtypes.Metadata{})
		}
		openChapters[z] = oc
	}
	ipm := chapter.NewIndexPageMap()
	ipm.SetHighestDeltaList(0, 0, 5)

	slot, err := store.SaveIndex(cfg, idx, openChapters, ipm, testSlotBlocks)
	if err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}
	if slot < 0 || slot >= SaveSlotCount {
		t.Fatalf("SaveIndex returned slot %d out of range", slot)
	}

	loaded, err := store.LoadIndex(testSlotBlocks)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if loaded.Config != *cfg {
		t.Fatalf("loaded config mismatch: got %+v, want %+v", loaded.Config, *cfg)
	}
	result := loaded.VolumeIndex.GetRecord(fp)
	if !result.Found || result.VCN != 3 {
		t.Fatalf("loaded volume index lookup = %+v, want found at VCN 3", result)
	}
	oldest, newest := loaded.VolumeIndex.Window()
	if newest != 3 {
		t.Fatalf("loaded volume index window = [%d,%d], want newest 3", oldest, newest)
	}
}
