package pipeline

// ControlMessage is one of the two inter-zone synchronisation messages
// carried on the same per-zone funnel queues as requests, so they are
// ordered with respect to each zone's request stream (§5 "Ordering
// guarantees").
type ControlMessage interface {
	controlMessage()
}

// SparseCacheBarrier forces every zone to refresh its sparse-chapter cache
// for VCN before any zone may dispatch a request whose hinted chapter is
// vcn (§4.5, Testable Property 3).
type SparseCacheBarrier struct {
	VCN uint64
}

func (SparseCacheBarrier) controlMessage() {}

// ChapterClosedAnnouncement tells every other zone that one zone has sealed
// its open chapter for VCN, so laggards force-close their own same-VCN open
// chapter to limit skew (§4.4 step 5).
type ChapterClosedAnnouncement struct {
	VCN uint64
}

func (ChapterClosedAnnouncement) controlMessage() {}

// ChapterWrittenAnnouncement tells every zone that VCN has been merged,
// packed, and durably written by the chapter writer, so each zone can drop
// its own "writing chapter" snapshot for that VCN (§4.4 step 7).
type ChapterWrittenAnnouncement struct {
	VCN uint64
}

func (ChapterWrittenAnnouncement) controlMessage() {}

// ZoneItem is one entry on a zone's funnel queue: either a request
// advancing through the pipeline or a control message to execute and drop.
type ZoneItem struct {
	Request *Request
	Control ControlMessage
}
