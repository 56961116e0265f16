package capwire

// A message is stored as a sequence of 8-byte little-endian words.
// Everything in this package addresses segment memory either by word
// offset (pointer arithmetic) or by byte offset (field access); these
// helpers convert between the two with overflow checking.

const wordSize = 8

// maxSegmentSize is the largest byte length a single segment may have.
// Offsets are stored as uint32 byte addresses, so a segment must stay
// addressable within 32 bits.
const maxSegmentSize = 1<<32 - wordSize

// byteLength returns the byte length of n words, reporting overflow.
func byteLength(words uint32) (uint32, bool) {
	n := uint64(words) * wordSize
	if n > maxSegmentSize {
		return 0, false
	}
	return uint32(n), true
}

// bitMask selects bit n of a byte.
func bitMask(n uint32) byte {
	return byte(1) << (n % 8)
}

// elemByteSize returns the fixed per-element byte width of a list
// element class, or 0 for void, bit, and composite classes, which are
// not byte-addressable.
func elemByteSize(e ElemSize) uint32 {
	switch e {
	case ElemSize1Byte:
		return 1
	case ElemSize2Byte:
		return 2
	case ElemSize4Byte:
		return 4
	case ElemSize8Byte, ElemSizePointer:
		return 8
	}
	return 0
}

// listContentWords returns the number of words a list's content
// occupies for a given element class and count, excluding any
// composite tag word.
func listContentWords(e ElemSize, n int32) (uint32, bool) {
	if n < 0 {
		return 0, false
	}
	var bits uint64
	switch e {
	case ElemSizeVoid:
		return 0, true
	case ElemSizeBit:
		bits = uint64(n)
	default:
		bits = uint64(n) * uint64(elemByteSize(e)) * 8
	}
	words := (bits + 63) / 64
	if words > maxSegmentSize/wordSize {
		return 0, false
	}
	return uint32(words), true
}
