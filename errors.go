package dedupindex

import "github.com/deduphq/dedupindex/internal/xerrors"

// Sentinel errors a caller can compare against with errors.Is (§7).
var (
	ErrDisabled           = xerrors.ErrDisabled
	ErrCorruptComponent   = xerrors.ErrCorruptComponent
	ErrUnsupportedVersion = xerrors.ErrUnsupportedVersion
	ErrCorruptData        = xerrors.ErrCorruptData
	ErrVolumeOverflow     = xerrors.ErrVolumeOverflow
	ErrNoIndex            = xerrors.ErrNoIndex
	ErrBadState           = xerrors.ErrBadState
	ErrInvalidArgument    = xerrors.ErrInvalidArgument
)

// Classification is the reaction bucket an error falls into (§7): advisory,
// request-local, chapter-scoped, or fatal.
type Classification = xerrors.Classification

const (
	Advisory      = xerrors.Advisory
	RequestLocal  = xerrors.RequestLocal
	ChapterScoped = xerrors.ChapterScoped
	Fatal         = xerrors.Fatal
)

// Classify reports how the caller should react to err.
func Classify(err error) Classification { return xerrors.Classify(err) }

// IsRetryable reports whether err is advisory: the operation it was raised
// from still completed its contract.
func IsRetryable(err error) bool { return xerrors.IsRetryable(err) }
