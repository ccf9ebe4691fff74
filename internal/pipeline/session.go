package pipeline

import (
	"sync"
	"time"

	"github.com/deduphq/dedupindex/internal/chapter"
	"github.com/deduphq/dedupindex/internal/config"
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/layout"
	"github.com/deduphq/dedupindex/internal/volume"
	"github.com/deduphq/dedupindex/internal/xerrors"
)

// State is a bit of the session's state bitset (§4.5). Several bits may be
// set at once (e.g. LOADED and SUSPENDED while a loaded session is
// suspended).
type State uint32

const (
	Loading State = 1 << iota
	Loaded
	Suspended
	Waiting
	Closing
	Destroying
	Disabled
)

func (s State) has(bit State) bool { return s&bit != 0 }

// LoadType selects how Open brings a volume's in-memory state up to date,
// mirroring the original's LOAD_CREATE/LOAD_LOAD/LOAD_REBUILD distinction
// (§5 Supplemented features).
type LoadType int

const (
	LoadCreate LoadType = iota
	LoadLoad
	LoadRebuild
)

// Session is the user-facing facade owning one index and its three queue
// pools: triage, zone workers, and the callback worker (§4.5).
type Session struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State

	cfg      *config.Configuration
	index    *deltaindex.VolumeIndex
	vol      *volume.Volume
	writer   *chapter.ChapterWriter
	triage   *Triage
	zones    []*Zone
	rotation *rotationState

	callbackQueue *FunnelQueue[*Request]
	callbackStop  chan struct{}
	callbackDone  chan struct{}

	loadType         LoadType
	rebuildCancelled bool

	checkpoint *AutoCheckpoint
	store      *layout.Store
	slotBlocks uint64
}

// Open builds a session over an already-open Volume and index, in the
// given LoadType mode, and starts its zone and callback threads. Rebuild
// itself (scanning the volume to repopulate idx) is the layout package's
// responsibility; Open here only wires the pipeline around an index that
// the caller has already brought to the desired state.
func Open(cfg *config.Configuration, idx *deltaindex.VolumeIndex, vol *volume.Volume, writer *chapter.ChapterWriter, loadType LoadType) *Session {
	s := &Session{
		cfg:           cfg,
		index:         idx,
		vol:           vol,
		writer:        writer,
		rotation:      &rotationState{},
		callbackQueue: NewFunnelQueue[*Request](),
		callbackStop:  make(chan struct{}),
		callbackDone:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.state = Loading
	s.loadType = loadType

	perZoneCapacity := int(vol.Geometry().RecordsPerChapter() / cfg.ZoneCount)
	if perZoneCapacity == 0 {
		perZoneCapacity = 1
	}

	queues := make([]*FunnelQueue[ZoneItem], cfg.ZoneCount)
	s.zones = make([]*Zone, cfg.ZoneCount)
	for z := uint32(0); z < cfg.ZoneCount; z++ {
		zone := NewZone(int(z), vol.Geometry(), idx, writer, vol, s.rotation, perZoneCapacity)
		zone.SetCallbackQueue(s.callbackQueue)
		s.zones[z] = zone
		queues[z] = zone.Queue()
	}
	for _, zone := range s.zones {
		zone.SetSiblings(queues)
	}
	if cfg.ZoneCount > 1 && cfg.SparseChaptersPerVolume > 0 {
		s.triage = NewTriage(vol.Geometry(), idx)
	}

	for _, zone := range s.zones {
		go zone.Run()
	}
	go s.runCallbackWorker()

	s.mu.Lock()
	s.state = Loaded
	s.cond.Broadcast()
	s.mu.Unlock()
	return s
}

func (s *Session) runCallbackWorker() {
	defer close(s.callbackDone)
	for {
		select {
		case <-s.callbackStop:
			return
		default:
		}
		r, ok := s.callbackQueue.Poll()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		r.Finish(r.Location, r.Err)
	}
}

// Request submits a request for processing and returns immediately; the
// request's callback fires asynchronously once it reaches CALLBACK.
func (s *Session) Request(r *Request) error {
	s.mu.Lock()
	if s.state.has(Disabled) {
		s.mu.Unlock()
		return xerrors.ErrDisabled
	}
	s.mu.Unlock()

	zoneQueues := s.zoneQueues()
	if s.triage != nil {
		s.triage.Route(r, zoneQueues)
		return nil
	}
	r.Zone = int(s.index.GetZone(r.Fingerprint))
	r.Stage = StageIndex
	zoneQueues[r.Zone].Put(ZoneItem{Request: r})
	return nil
}

func (s *Session) zoneQueues() []*FunnelQueue[ZoneItem] {
	out := make([]*FunnelQueue[ZoneItem], len(s.zones))
	for i, z := range s.zones {
		out[i] = z.Queue()
	}
	return out
}

// SetIndexPageMap installs a loaded or rebuilt index page map into the
// session's chapter writer, used by LoadLoad/LoadRebuild startup paths
// before any request is admitted.
func (s *Session) SetIndexPageMap(m *chapter.IndexPageMap) { s.writer.SetIndexPageMap(m) }

// Zones exposes the session's zone workers, for callers that need to seed
// or inspect per-zone open-chapter state directly (e.g. restoring a loaded
// save slot's open chapters before normal request processing begins).
func (s *Session) Zones() []*Zone { return s.zones }

// Save writes a consistent snapshot of this session's volume index, open
// chapters, and index page map to store (§4.6 save/load). The caller must
// have quiesced the session first (Suspend then Flush), matching Close's
// own precondition discipline, since a zone goroutine still mutating its
// open chapter mid-save would produce a torn snapshot.
func (s *Session) Save(store *layout.Store, slotBlocks uint64) (int, error) {
	openChapters := make([]*chapter.OpenChapter, len(s.zones))
	for i, z := range s.zones {
		openChapters[i] = z.OpenChapter()
	}
	return store.SaveIndex(s.cfg, s.index, openChapters, s.writer.IndexPageMap(), slotBlocks)
}

// EnableAutoCheckpoint wires a cron-scheduled Save into the session (§2
// domain-stack wiring). Each firing suspends the session, flushes it to a
// safe point, saves to store, then resumes — the same sequence a caller
// driving Suspend/Flush/Save/Resume by hand would perform. An empty expr
// disables the checkpoint without removing the wiring, so a later call can
// re-enable it with a new schedule.
func (s *Session) EnableAutoCheckpoint(store *layout.Store, slotBlocks uint64, expr string) error {
	s.store = store
	s.slotBlocks = slotBlocks
	if s.checkpoint == nil {
		s.checkpoint = NewAutoCheckpoint()
		s.checkpoint.Start()
	}
	return s.checkpoint.Configure(expr, func() error {
		s.Suspend()
		defer s.Resume()
		s.Flush()
		_, err := s.Save(s.store, s.slotBlocks)
		return err
	})
}

// Suspend marks the session suspended, which makes Close refuse until
// Resume. It does not wait: Open only returns once loading completes, so no
// load is in flight by the time Suspend can be called. It neither drains
// the zone queues (Flush does that) nor stops Request from admitting work.
func (s *Session) Suspend() {
	s.mu.Lock()
	s.state |= Suspended
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Resume wakes a suspended session.
func (s *Session) Resume() {
	s.mu.Lock()
	s.state &^= Suspended
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Flush drains in-flight requests and idles the chapter writer: it blocks
// until every zone queue reports idle.
func (s *Session) Flush() {
	for _, z := range s.zones {
		for !z.queue.IsIdle() {
			time.Sleep(time.Millisecond)
		}
	}
}

// Close stops every zone and callback thread. It refuses while the session
// is suspended (§4.5 "close refuses while suspended").
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.has(Suspended) {
		s.mu.Unlock()
		return xerrors.Wrap(xerrors.ErrBadState, "cannot close a suspended session")
	}
	s.state |= Closing
	s.mu.Unlock()

	if s.checkpoint != nil {
		s.checkpoint.Stop()
	}

	for _, z := range s.zones {
		z.Stop()
	}
	close(s.callbackStop)
	<-s.callbackDone

	s.mu.Lock()
	s.state = Disabled
	s.mu.Unlock()
	return nil
}

// Disable marks the session DISABLED after an unrecoverable fatal error
// (§7). Afterwards Request fails with ErrDisabled; Save, Suspend, Resume
// and Flush do not check the Disabled bit, and Close and Destroy still
// tear the session down.
func (s *Session) Disable() {
	s.mu.Lock()
	s.state |= Disabled
	s.mu.Unlock()
}

// LoadType reports how this session's volume was brought up.
func (s *Session) LoadType() LoadType { return s.loadType }

// State reports the current state bitset, for diagnostics/tests.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Destroy forces termination of an in-progress rebuild and tears the
// session down unconditionally, ignoring Suspended.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.state |= Destroying
	s.rebuildCancelled = true
	s.state &^= Suspended
	s.cond.Broadcast()
	s.mu.Unlock()
	_ = s.Close()
}

// RebuildCancelled reports whether Destroy was called during a rebuild;
// checked cooperatively at chapter boundaries by the layout package's
// replay loop (§4.5 "Cancellation").
func (s *Session) RebuildCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildCancelled
}
