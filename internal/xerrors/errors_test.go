package xerrors

import (
	"errors"
	"testing"
)

func TestClassifyMatchesSpecBuckets(t *testing.T) {
	cases := []struct {
		err   error
		class Classification
	}{
		{ErrOverflow, Advisory},
		{ErrShortRead, Advisory},
		{ErrDuplicateName, Advisory},
		{ErrInvalidArgument, RequestLocal},
		{ErrCorruptData, ChapterScoped},
		{ErrCorruptFile, ChapterScoped},
		{ErrDisabled, Fatal},
		{ErrResourceLimitExceeded, Fatal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.class {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.class)
		}
	}
}

func TestWrapPreservesIs(t *testing.T) {
	wrapped := Wrap(ErrOverflow, "inserting into zone %d", 3)
	if !errors.Is(wrapped, ErrOverflow) {
		t.Fatalf("wrapped error lost its sentinel identity")
	}
	if got := Classify(wrapped); got != Advisory {
		// Classify unwraps through Wrap layers via errors.As, so a wrapped
		// sentinel keeps its classification.
		t.Fatalf("Classify(wrapped) = %v, want %v", got, Advisory)
	}
}

func TestCodeOfRoundTrips(t *testing.T) {
	code, ok := CodeOf(ErrVolumeOverflow)
	if !ok || code != VolumeOverflow {
		t.Fatalf("CodeOf(ErrVolumeOverflow) = (%v, %v), want (%v, true)", code, ok, VolumeOverflow)
	}
}

func TestCodeStringUnknown(t *testing.T) {
	if got := Code(999).String(); got == "" {
		t.Fatalf("unknown code must still stringify")
	}
}
