package dedupindex

import (
	"github.com/deduphq/dedupindex/internal/pipeline"
	"github.com/deduphq/dedupindex/internal/recordtypes"
)

// Fingerprint, Metadata, Operation, and Location are the public value types
// a caller builds requests from and reads results back into (§3, §6).
type (
	Fingerprint = recordtypes.Fingerprint
	Metadata    = recordtypes.Metadata
	Operation   = recordtypes.Operation
	Location    = recordtypes.Location
)

const (
	Post   = recordtypes.Post
	Update = recordtypes.Update
	Query  = recordtypes.Query
	Delete = recordtypes.Delete
)

const (
	Unknown       = recordtypes.Unknown
	Unavailable   = recordtypes.Unavailable
	InOpenChapter = recordtypes.InOpenChapter
	InDense       = recordtypes.InDense
	InSparse      = recordtypes.InSparse
)

// Request and Callback are re-exported directly: the pipeline package's
// request value type is already the public request surface named in §6,
// and duplicating its fields here would just be a second place for them to
// drift out of sync.
type (
	Request  = pipeline.Request
	Callback = pipeline.Callback
)

// NewRequest builds a request ready to submit via Index.Request.
func NewRequest(fp Fingerprint, op Operation, newMeta, oldMeta Metadata, cb Callback) *Request {
	return pipeline.NewRequest(fp, op, newMeta, oldMeta, cb)
}
