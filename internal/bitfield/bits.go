// Package bitfield implements the shared unaligned bit-packing codec used to
// write delta-index payloads and on-disk chapter-index pages. All values are
// little-endian on the wire regardless of host byte order.
package bitfield

// MaxFieldBits is the largest field get_field/set_field can move in a single
// call: the largest field guaranteed to fit in one byte-aligned uint64 read,
// (8-1)*8 + 1 bits.
const MaxFieldBits = (8-1)*8 + 1

// readLE64 reads up to 8 bytes starting at byteOffset as a little-endian
// uint64, zero-padding past the end of mem so fields near the tail of a
// buffer can still be read without an out-of-bounds access.
func readLE64(mem []byte, byteOffset int) uint64 {
	var buf [8]byte
	n := copy(buf[:], mem[byteOffset:])
	_ = n
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// writeLE64 writes the low 8 bytes of v back into mem at byteOffset,
// truncating to however many bytes of mem actually remain.
func writeLE64(mem []byte, byteOffset int, v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	copy(mem[byteOffset:], buf[:])
}

// GetField reads a field of size bits (size <= MaxFieldBits) at the given bit
// offset and returns it right-justified in the low bits of the result.
func GetField(mem []byte, offset uint64, size int) uint64 {
	byteOffset := int(offset / 8)
	shift := uint(offset % 8)
	mask := fieldMask(size)
	return (readLE64(mem, byteOffset) >> shift) & mask
}

// SetField writes the low size bits of value into mem at the given bit
// offset, leaving neighbouring bits untouched.
func SetField(mem []byte, offset uint64, size int, value uint64) {
	byteOffset := int(offset / 8)
	shift := uint(offset % 8)
	mask := fieldMask(size)
	data := readLE64(mem, byteOffset)
	data &^= mask << shift
	data |= (value & mask) << shift
	writeLE64(mem, byteOffset, data)
}

func fieldMask(size int) uint64 {
	if size >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(size)) - 1
}

// GetBytes copies size bytes starting at the given bit offset into dst. The
// source need not be byte-aligned.
func GetBytes(mem []byte, offset uint64, dst []byte) {
	byteOffset := int(offset / 8)
	shift := uint(offset % 8)
	for i := range dst {
		lo := mem[byteOffset+i]
		var hi byte
		if byteOffset+i+1 < len(mem) {
			hi = mem[byteOffset+i+1]
		}
		word := uint16(lo) | uint16(hi)<<8
		dst[i] = byte(word >> shift)
	}
}

// SetBytes writes src into mem starting at the given bit offset, which need
// not be byte-aligned. Bits outside the written bytes are preserved.
func SetBytes(mem []byte, offset uint64, src []byte) {
	byteOffset := int(offset / 8)
	shift := uint(offset % 8)
	mask := uint16(^(uint16(0xFF) << shift))
	for i, b := range src {
		lo := mem[byteOffset+i]
		var hi byte
		haveHi := byteOffset+i+1 < len(mem)
		if haveHi {
			hi = mem[byteOffset+i+1]
		}
		word := uint16(lo) | uint16(hi)<<8
		word = (word & mask) | (uint16(b) << shift)
		mem[byteOffset+i] = byte(word)
		if haveHi {
			mem[byteOffset+i+1] = byte(word >> 8)
		}
	}
}

// MoveBits copies nbits bits from src (at bit offset srcOffset) to dst (at
// bit offset dstOffset), in MaxFieldBits-sized chunks, correctly handling
// overlap: when the source address is higher than the destination, bits are
// copied low-to-high; otherwise high-to-low. This mirrors move_bits_down /
// move_bits_up in the original codec without requiring word-aligned pointer
// arithmetic, since Go has no unaligned-load intrinsic to exploit there.
func MoveBits(src []byte, srcOffset uint64, dst []byte, dstOffset uint64, nbits int) {
	if nbits <= 0 {
		return
	}
	if nbits <= MaxFieldBits {
		v := GetField(src, srcOffset, nbits)
		SetField(dst, dstOffset, nbits, v)
		return
	}
	if srcOffset > dstOffset {
		// Low-to-high: safe to copy the lowest-addressed chunk first.
		remaining := nbits
		so, do := srcOffset, dstOffset
		for remaining > 0 {
			chunk := remaining
			if chunk > MaxFieldBits {
				chunk = MaxFieldBits
			}
			v := GetField(src, so, chunk)
			SetField(dst, do, chunk, v)
			so += uint64(chunk)
			do += uint64(chunk)
			remaining -= chunk
		}
		return
	}
	// High-to-low: copy the highest-addressed chunk first so an overlapping
	// destination never clobbers source bits not yet read.
	remaining := nbits
	for remaining > 0 {
		chunk := remaining
		if chunk > MaxFieldBits {
			chunk = MaxFieldBits
		}
		remaining -= chunk
		v := GetField(src, srcOffset+uint64(remaining), chunk)
		SetField(dst, dstOffset+uint64(remaining), chunk, v)
	}
}

// SameBits compares nbits bits starting at offset1 in mem1 against nbits
// bits starting at offset2 in mem2.
func SameBits(mem1 []byte, offset1 uint64, mem2 []byte, offset2 uint64, nbits int) bool {
	remaining := nbits
	for remaining >= MaxFieldBits {
		if GetField(mem1, offset1, MaxFieldBits) != GetField(mem2, offset2, MaxFieldBits) {
			return false
		}
		offset1 += MaxFieldBits
		offset2 += MaxFieldBits
		remaining -= MaxFieldBits
	}
	if remaining > 0 {
		if GetField(mem1, offset1, remaining) != GetField(mem2, offset2, remaining) {
			return false
		}
	}
	return true
}
