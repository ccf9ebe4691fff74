package pipeline

import (
	"github.com/deduphq/dedupindex/internal/deltaindex"
	"github.com/deduphq/dedupindex/internal/geometry"
)

// Triage is the optional pipeline stage for multi-zone sparse configurations
// (§4.5). It consults the volume index for the request's hinted chapter; if
// that chapter is currently in the sparse tier, it broadcasts a
// SparseCacheBarrier to every zone queue before routing the request to its
// own zone, guaranteeing Testable Property 3 ("barrier before sparse hit").
type Triage struct {
	geo   *geometry.Geometry
	index *deltaindex.VolumeIndex
}

// NewTriage builds the triage stage. Pass nil for single-zone or dense-only
// configurations, in which case Route should not be called — requests go
// straight to their zone (§4.5 "Otherwise TRIAGE is a no-op").
func NewTriage(geo *geometry.Geometry, index *deltaindex.VolumeIndex) *Triage {
	return &Triage{geo: geo, index: index}
}

// Route assigns r.Zone, then — if the hinted chapter is sparse — enqueues a
// SparseCacheBarrier on every zone queue before enqueuing r on its own
// zone. zoneQueues must be indexed by zone id and include every zone,
// including r's own.
func (t *Triage) Route(r *Request, zoneQueues []*FunnelQueue[ZoneItem]) {
	r.Zone = int(t.index.GetZone(r.Fingerprint))
	result := t.index.LookupName(r.Fingerprint)
	r.hintedChapter = result.VirtualChapter
	r.sampledHint = result.InSampledChapter

	if result.Found {
		oldest, newest := t.index.Window()
		if t.geo.IsChapterSparse(oldest, newest, result.VirtualChapter) {
			for _, q := range zoneQueues {
				q.Put(ZoneItem{Control: SparseCacheBarrier{VCN: result.VirtualChapter}})
			}
		}
	}

	r.Stage = StageIndex
	zoneQueues[r.Zone].Put(ZoneItem{Request: r})
}
