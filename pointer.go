package capwire

// rawPointer is the on-wire encoding of a single pointer word.
//
// The low two bits select the pointer kind:
//
//	00  struct: signed 30-bit word offset (bits 2-31) from the end of
//	    the pointer to the struct content, 16-bit data section word
//	    count (bits 32-47), 16-bit pointer section count (bits 48-63).
//	01  list: same offset field, 3-bit element size class (bits 32-34),
//	    29-bit element count or, for composite lists, content word
//	    count (bits 35-63).
//	10  far: bit 2 selects a two-word landing pad, bits 3-31 are an
//	    unsigned word offset inside the target segment, bits 32-63 the
//	    target segment id.
//	11  other: when bits 2-31 are zero this is a capability pointer and
//	    bits 32-63 hold the capability table index. Any other value is
//	    reserved and treated as malformed.
//
// A zero word is a null pointer.
type rawPointer uint64

type pointerKind uint8

const (
	kindStruct pointerKind = iota
	kindList
	kindFar
	kindOther
)

// ElemSize is a list element size class.
type ElemSize uint8

const (
	ElemSizeVoid      ElemSize = 0
	ElemSizeBit       ElemSize = 1
	ElemSize1Byte     ElemSize = 2
	ElemSize2Byte     ElemSize = 3
	ElemSize4Byte     ElemSize = 4
	ElemSize8Byte     ElemSize = 5
	ElemSizePointer   ElemSize = 6
	ElemSizeComposite ElemSize = 7
)

// ObjectSize describes the shape of a struct: a fixed-size data
// section followed by a fixed-count pointer section.
type ObjectSize struct {
	DataWords    uint16
	PointerCount uint16
}

func (sz ObjectSize) totalWords() uint32 {
	return uint32(sz.DataWords) + uint32(sz.PointerCount)
}

func (sz ObjectSize) dataBytes() uint32 {
	return uint32(sz.DataWords) * wordSize
}

func (p rawPointer) kind() pointerKind {
	return pointerKind(p & 3)
}

// offset returns the signed word displacement stored in bits 2-31,
// measured from the word following the pointer.
func (p rawPointer) offset() int32 {
	return int32(uint32(p)) >> 2
}

func (p rawPointer) structSize() ObjectSize {
	return ObjectSize{
		DataWords:    uint16(p >> 32),
		PointerCount: uint16(p >> 48),
	}
}

func (p rawPointer) listElemSize() ElemSize {
	return ElemSize(p>>32) & 7
}

// listCount returns the element count, or for composite lists the
// content word count excluding the tag word.
func (p rawPointer) listCount() int32 {
	return int32(p >> 35)
}

func (p rawPointer) farDouble() bool {
	return p&4 != 0
}

// farAddress returns the byte offset of the landing pad inside the
// target segment.
func (p rawPointer) farAddress() (uint32, bool) {
	return byteLength(uint32(p>>3) & 0x1fffffff)
}

func (p rawPointer) farSegment() SegmentID {
	return SegmentID(p >> 32)
}

// capabilityIndex reports the capability table index for an "other"
// pointer, and whether the pointer is a well-formed capability pointer.
func (p rawPointer) capabilityIndex() (CapabilityID, bool) {
	if uint32(p) != uint32(kindOther) {
		return 0, false
	}
	return CapabilityID(p >> 32), true
}

// compositeTagCount reads the element count out of a composite list
// tag word, which is shaped like a struct pointer with the count in
// the offset field.
func (p rawPointer) compositeTagCount() int32 {
	return int32(uint32(p)) >> 2
}

func rawStructPointer(off int32, sz ObjectSize) rawPointer {
	return rawPointer(uint32(off)<<2) |
		rawPointer(sz.DataWords)<<32 |
		rawPointer(sz.PointerCount)<<48
}

func rawListPointer(off int32, e ElemSize, count int32) rawPointer {
	return rawPointer(uint32(off)<<2) | rawPointer(kindList) |
		rawPointer(e)<<32 |
		rawPointer(uint32(count))<<35
}

func rawFarPointer(seg SegmentID, wordOff uint32, double bool) rawPointer {
	p := rawPointer(kindFar) | rawPointer(wordOff)<<3 | rawPointer(seg)<<32
	if double {
		p |= 4
	}
	return p
}

func rawCapabilityPointer(id CapabilityID) rawPointer {
	return rawPointer(kindOther) | rawPointer(id)<<32
}

// rawCompositeTag builds the leading tag word of an inline-composite
// list.
func rawCompositeTag(count int32, sz ObjectSize) rawPointer {
	return rawStructPointer(count, sz)
}

// nearPointerTo re-encodes a struct or list pointer with a new offset,
// keeping its shape fields. Used when writing landing pads and when a
// pointer to an existing object is planted at a new location.
func (p rawPointer) withOffset(off int32) rawPointer {
	return p&^rawPointer(0xfffffffc) | rawPointer(uint32(off)<<2)
}
