// Package dedupindex is the public facade over the block-deduplication
// index: open or create an index over a pair of backing regions (the index
// region and the data/volume region), submit lookup/post/update/delete
// requests, and drive save/rebuild/checkpoint lifecycle operations.
package dedupindex

import (
	"context"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/layout"
	"github.com/deduphq/dedupindex/internal/pipeline"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// Options bundles the runtime knobs that are not part of the persisted
// Configuration record: cache sizing, concurrency, and where the two
// backing regions live.
type Options struct {
	IndexBackend volume.BlockReaderWriterFactory
	DataBackend  volume.BlockReaderWriterFactory

	PageCacheSize   int
	SparseCacheSize int
	ReaderThreads   int

	// SlotBlocks sizes each of the two save slots; it must be large enough
	// to hold one full SaveSlotData encoding (§6).
	SlotBlocks uint64

	// DataBlocks/IndexBlocks are recorded in the geometry block for
	// diagnostics (§6 "On-disk layout"); they do not constrain I/O since
	// IndexBackend/DataBackend are already scoped to their own region.
	IndexBlocks uint64
	DataBlocks  uint64

	ReleaseVersion uint32

	// AutoCheckpointCron, if non-empty, schedules a periodic Save (§2
	// domain-stack wiring). Empty disables it.
	AutoCheckpointCron string
}

func (o Options) withDefaults() Options {
	if o.PageCacheSize == 0 {
		o.PageCacheSize = 128
	}
	if o.SparseCacheSize == 0 {
		o.SparseCacheSize = 16
	}
	if o.ReaderThreads == 0 {
		o.ReaderThreads = 4
	}
	if o.SlotBlocks == 0 {
		o.SlotBlocks = 256
	}
	return o
}

// Index is the opened facade: one volume index, its backing volume, and the
// pipeline session driving requests against both.
type Index struct {
	store   *layout.Store
	vol     *volume.Volume
	session *pipeline.Session
	cfg     *config.Configuration
	opts    Options
}

func (ix *Index) openSession(idx *deltaindex.VolumeIndex, loadType pipeline.LoadType) error {
	writer := chapter.NewChapterWriter(ix.vol.Geometry(), ix.cfg.ZoneCount, ix.vol)
	ix.session = pipeline.Open(ix.cfg, idx, ix.vol, writer, loadType)
	if ix.opts.AutoCheckpointCron != "" {
		if err := ix.session.EnableAutoCheckpoint(ix.store, ix.opts.SlotBlocks, ix.opts.AutoCheckpointCron); err != nil {
			return xerrors.Wrap(err, "enable auto checkpoint")
		}
	}
	return nil
}

// Create initializes a brand-new index: a fresh geometry block and
// superblock over IndexBackend, and an empty volume index over DataBackend
// (LOAD_CREATE, §5).
func Create(cfg *config.Configuration, opts Options) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	store, err := layout.CreateStore(opts.IndexBackend, opts.ReleaseVersion, cfg.Nonce, cfg, opts.IndexBlocks, 0, opts.DataBlocks)
	if err != nil {
		return nil, err
	}
	geo, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}
	vol := volume.Open(volume.Config{
		Geometry:        geo,
		Backend:         opts.DataBackend,
		PageCacheSize:   opts.PageCacheSize,
		SparseCacheSize: opts.SparseCacheSize,
		ReaderThreads:   opts.ReaderThreads,
	})
	idx := deltaindex.New(cfg.ZoneCount, cfg.VolumeIndexMeanDelta, cfg.SparseSampleRate, geo)

	ix := &Index{store: store, vol: vol, cfg: cfg, opts: opts}
	if err := ix.openSession(idx, pipeline.LoadCreate); err != nil {
		return nil, err
	}
	return ix, nil
}

// Open reopens an index from its most recent committed save slot
// (LOAD_LOAD, §5, §8 "load(save(M)) = M").
func Open(opts Options) (*Index, error) {
	opts = opts.withDefaults()
	store, err := layout.OpenStore(opts.IndexBackend)
	if err != nil {
		return nil, err
	}
	loaded, err := store.LoadIndex(opts.SlotBlocks)
	if err != nil {
		return nil, err
	}
	vol := volume.Open(volume.Config{
		Geometry:        loaded.Geometry,
		Backend:         opts.DataBackend,
		PageCacheSize:   opts.PageCacheSize,
		SparseCacheSize: opts.SparseCacheSize,
		ReaderThreads:   opts.ReaderThreads,
	})

	ix := &Index{store: store, vol: vol, cfg: &loaded.Config, opts: opts}
	writer := chapter.NewChapterWriter(vol.Geometry(), loaded.Config.ZoneCount, vol)
	writer.SetIndexPageMap(loaded.IndexPageMap)
	ix.session = pipeline.Open(ix.cfg, loaded.VolumeIndex, vol, writer, pipeline.LoadLoad)
	ix.restoreOpenChapters(loaded.OpenChapters)
	if opts.AutoCheckpointCron != "" {
		if err := ix.session.EnableAutoCheckpoint(ix.store, ix.opts.SlotBlocks, ix.opts.AutoCheckpointCron); err != nil {
			return nil, xerrors.Wrap(err, "enable auto checkpoint")
		}
	}
	return ix, nil
}

// Rebuild reopens an index by scanning the data volume directly rather than
// trusting a save slot (LOAD_REBUILD, §4.6, §7), used when no clean save is
// present or the caller otherwise distrusts the last save.
func Rebuild(ctx context.Context, cfg *config.Configuration, opts Options, maxParallel int) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	store, err := layout.OpenStore(opts.IndexBackend)
	if err != nil {
		return nil, err
	}
	geo, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}
	vol := volume.Open(volume.Config{
		Geometry:        geo,
		Backend:         opts.DataBackend,
		PageCacheSize:   opts.PageCacheSize,
		SparseCacheSize: opts.SparseCacheSize,
		ReaderThreads:   opts.ReaderThreads,
	})

	ix := &Index{store: store, vol: vol, cfg: cfg, opts: opts}
	idx := deltaindex.New(cfg.ZoneCount, cfg.VolumeIndexMeanDelta, cfg.SparseSampleRate, geo)
	if err := ix.openSession(idx, pipeline.LoadRebuild); err != nil {
		return nil, err
	}

	scans, err := layout.ScanChapterHeaders(ctx, vol, geo, maxParallel)
	if err != nil {
		ix.session.Disable()
		return nil, err
	}
	cancelled := func() bool { return ix.session.RebuildCancelled() }
	if err := layout.Rebuild(vol, geo, idx, scans, cancelled); err != nil {
		ix.session.Disable()
		return nil, err
	}
	ipm, err := layout.RebuildIndexPageMap(vol, geo, scans)
	if err != nil {
		ix.session.Disable()
		return nil, err
	}
	ix.session.SetIndexPageMap(ipm)
	return ix, nil
}

// restoreOpenChapters seeds each zone's open chapter with the records a
// loaded save slot carried for it, so records admitted just before the last
// save are visible again without waiting for the next chapter rotation.
func (ix *Index) restoreOpenChapters(openChapters []*chapter.OpenChapter) {
	zones := ix.session.Zones()
	for i, oc := range openChapters {
		if i >= len(zones) || oc == nil {
			continue
		}
		dst := zones[i].OpenChapter()
		for _, rec := range oc.Records() {
			dst.Put(rec.Fingerprint, rec.Metadata)
		}
	}
}

// Request submits a request for asynchronous processing; see pipeline.Request.
func (ix *Index) Request(r *Request) error { return ix.session.Request(r) }

// Suspend, Resume, Flush, Close, Destroy mirror the Session lifecycle
// operations directly (§4.5).
func (ix *Index) Suspend() { ix.session.Suspend() }
func (ix *Index) Resume()  { ix.session.Resume() }
func (ix *Index) Flush()   { ix.session.Flush() }
func (ix *Index) Destroy() { ix.session.Destroy() }

func (ix *Index) Close() error {
	if err := ix.session.Close(); err != nil {
		return err
	}
	return ix.vol.Close()
}

// Save writes a consistent snapshot of the index to its save slots. The
// caller must Suspend and Flush first, matching Session.Save's precondition
// (EnableAutoCheckpoint performs this sequence automatically).
func (ix *Index) Save() (int, error) {
	return ix.session.Save(ix.store, ix.opts.SlotBlocks)
}

// LoadType reports how this Index was brought up (create/load/rebuild).
func (ix *Index) LoadType() pipeline.LoadType { return ix.session.LoadType() }

// Configuration returns the index's persisted configuration.
func (ix *Index) Configuration() config.Configuration { return *ix.cfg }
