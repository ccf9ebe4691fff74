package bitfield

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestGetSetFieldRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	SetField(buf, 13, 17, 0x1F3A5)
	if got := GetField(buf, 13, 17); got != 0x1F3A5 {
		t.Fatalf("GetField = %#x, want %#x", got, 0x1F3A5)
	}
}

func TestGetSetFieldMasksValue(t *testing.T) {
	buf := make([]byte, 16)
	SetField(buf, 3, 5, 0xFFFFFFFF)
	got := GetField(buf, 3, 5)
	want := uint64(0xFFFFFFFF) & ((1 << 5) - 1)
	if got != want {
		t.Fatalf("SetField must mask to field width: got %#x want %#x", got, want)
	}
}

func TestGetSetFieldDoesNotDisturbNeighbours(t *testing.T) {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xAA
	}
	before := append([]byte(nil), buf...)
	SetField(buf, 20, 6, 0)
	// Bits outside [20,26) must be unchanged.
	for bit := 0; bit < 128; bit++ {
		if bit >= 20 && bit < 26 {
			continue
		}
		a := GetField(before, uint64(bit), 1)
		b := GetField(buf, uint64(bit), 1)
		if a != b {
			t.Fatalf("bit %d disturbed by unrelated SetField", bit)
		}
	}
}

func TestGetSetBytesRoundTrip(t *testing.T) {
	buf := make([]byte, 32)
	src := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	SetBytes(buf, 5, src)
	dst := make([]byte, len(src))
	GetBytes(buf, 5, dst)
	if !bytes.Equal(src, dst) {
		t.Fatalf("GetBytes/SetBytes round trip = % x, want % x", dst, src)
	}
}

func TestMoveBitsOverlapping(t *testing.T) {
	buf := make([]byte, 64)
	r := rand.New(rand.NewSource(1))
	for i := range buf {
		buf[i] = byte(r.Intn(256))
	}
	original := append([]byte(nil), buf...)

	MoveBits(buf, 13, buf, 113, 257)
	if !SameBits(buf, 113, original, 13, 257) {
		t.Fatalf("MoveBits(13 -> 113, 257 bits) did not reproduce source bits at destination")
	}
}

func TestMoveBitsIsOwnInverseWhenNonOverlapping(t *testing.T) {
	buf := make([]byte, 128)
	r := rand.New(rand.NewSource(2))
	for i := range buf {
		buf[i] = byte(r.Intn(256))
	}
	original := append([]byte(nil), buf...)

	const nbits = 401
	const srcOff, dstOff = 17, 600
	MoveBits(buf, srcOff, buf, dstOff, nbits)
	MoveBits(buf, dstOff, buf, srcOff, nbits)
	if !SameBits(buf, srcOff, original, srcOff, nbits) {
		t.Fatalf("round-trip move did not restore the original region")
	}
}

func TestSameBitsDetectsDifference(t *testing.T) {
	a := make([]byte, 16)
	b := make([]byte, 16)
	SetField(a, 10, 20, 12345)
	SetField(b, 10, 20, 12345)
	if !SameBits(a, 10, b, 10, 20) {
		t.Fatalf("identical fields should compare equal")
	}
	SetField(b, 10, 20, 12346)
	if SameBits(a, 10, b, 10, 20) {
		t.Fatalf("differing fields should not compare equal")
	}
}
