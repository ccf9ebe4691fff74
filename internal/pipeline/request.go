package pipeline

import "github.com/deduphq/dedupindex/internal/recordtypes"

// Stage is a request's current position in the TRIAGE -> INDEX -> MESSAGE ->
// CALLBACK pipeline (§4.5, §9 "explicit state machine... no closures
// required"). The zone worker inspects Stage, dispatches, and updates it
// rather than chaining completion callbacks.
type Stage int

const (
	StageTriage Stage = iota
	StageIndex
	StageMessage
	StageCallback
)

func (s Stage) String() string {
	switch s {
	case StageTriage:
		return "TRIAGE"
	case StageIndex:
		return "INDEX"
	case StageMessage:
		return "MESSAGE"
	case StageCallback:
		return "CALLBACK"
	default:
		return "UNKNOWN_STAGE"
	}
}

// Callback receives a request's terminal result. Invoked exactly once per
// request, from the callback thread.
type Callback func(*Request)

// Request is the public unit of work (§6 "Public request surface"). It owns
// its pipeline stage directly; there is no back-pointer into session or
// zone state (§9 "Cyclic references").
type Request struct {
	Fingerprint recordtypes.Fingerprint
	Operation   recordtypes.Operation
	NewMetadata recordtypes.Metadata
	OldMetadata recordtypes.Metadata

	callback Callback

	Zone     int
	Location recordtypes.Location
	Stage    Stage
	Err      error
	Requeued bool

	// parkedPhysicalChapter/parkedPageIndex name a page a request could be
	// parked on. Nothing sets or reads them: Zone.fetchPage waits for each
	// page read in place, so a request is never parked and resumed.
	parkedPhysicalChapter uint32
	parkedPageIndex       uint32

	hintedChapter uint64
	sampledHint   bool
}

// NewRequest builds a request ready to enter the pipeline at TRIAGE.
func NewRequest(fp recordtypes.Fingerprint, op recordtypes.Operation, newMeta, oldMeta recordtypes.Metadata, cb Callback) *Request {
	return &Request{
		Fingerprint: fp,
		Operation:   op,
		NewMetadata: newMeta,
		OldMetadata: oldMeta,
		callback:    cb,
		Location:    recordtypes.Unknown,
		Stage:       StageTriage,
	}
}

// Finish runs the request's callback with the given terminal state. Must be
// called at most once per request.
func (r *Request) Finish(location recordtypes.Location, err error) {
	r.Location = location
	r.Err = err
	if r.callback != nil {
		r.callback(r)
	}
}
