package capwire

import (
	"github.com/capwire/capwire/errors"
)

// A List is a view over a homogeneous list. The element size class is
// fixed for the whole list; element access is bounds-checked against
// the declared count. Inline-composite lists store structs
// contiguously after a leading tag word (off points past the tag).
type List struct {
	seg        *Segment
	off        uint32
	length     int32
	size       ObjectSize // element shape for composite and pointer lists
	elem       ElemSize
	depthLimit uint
}

// IsValid reports whether l is a view over an actual list.
func (l List) IsValid() bool { return l.seg != nil }

// Len returns the element count.
func (l List) Len() int {
	if l.seg == nil {
		return 0
	}
	return int(l.length)
}

// ElemSize returns the list's element size class.
func (l List) ElemSize() ElemSize { return l.elem }

// Segment returns the segment the list content lives in.
func (l List) Segment() *Segment { return l.seg }

// ToPtr converts the list view to a generic pointer.
func (l List) ToPtr() Ptr {
	if l.seg == nil {
		return Ptr{}
	}
	return Ptr{typ: ptrList, list: l}
}

func (l List) checkIndex(i int) error {
	if l.seg == nil || i < 0 || i >= int(l.length) {
		return errors.OutOfBounds(errors.PhaseLayout, "list element", uint64(i), uint64(l.length))
	}
	return nil
}

func (l List) checkElem(i int, want ElemSize) error {
	if err := l.checkIndex(i); err != nil {
		return err
	}
	if l.elem != want {
		return errors.MalformedPointer("list has element class %d, access wants %d", l.elem, want)
	}
	return nil
}

// scalarOff returns the byte offset of element i for byte-addressable
// element classes.
func (l List) scalarOff(i int) uint32 {
	return l.off + uint32(i)*elemByteSize(l.elem)
}

// Struct returns element i of an inline-composite list.
func (l List) Struct(i int) (Struct, error) {
	if err := l.checkElem(i, ElemSizeComposite); err != nil {
		return Struct{}, err
	}
	words := l.size.totalWords()
	return Struct{
		seg:        l.seg,
		off:        l.off + uint32(i)*words*wordSize,
		size:       l.size,
		depthLimit: l.depthLimit,
	}, nil
}

// Ptr returns element i of a pointer list.
func (l List) Ptr(i int) (Ptr, error) {
	if err := l.checkElem(i, ElemSizePointer); err != nil {
		return Ptr{}, err
	}
	return l.seg.readPtr(l.off+uint32(i)*wordSize, l.depthLimit)
}

// SetPtr writes element i of a pointer list.
func (l List) SetPtr(i int, p Ptr) error {
	if err := l.checkElem(i, ElemSizePointer); err != nil {
		return err
	}
	return l.seg.writePtr(l.off+uint32(i)*wordSize, p)
}

// Bit returns element i of a bit list.
func (l List) Bit(i int) (bool, error) {
	if err := l.checkElem(i, ElemSizeBit); err != nil {
		return false, err
	}
	return l.seg.readUint8(l.off+uint32(i)/8)&bitMask(uint32(i)) != 0, nil
}

// SetBit writes element i of a bit list.
func (l List) SetBit(i int, v bool) error {
	if err := l.checkElem(i, ElemSizeBit); err != nil {
		return err
	}
	b := l.seg.readUint8(l.off + uint32(i)/8)
	if v {
		b |= bitMask(uint32(i))
	} else {
		b &^= bitMask(uint32(i))
	}
	l.seg.writeUint8(l.off+uint32(i)/8, b)
	return nil
}

// Uint8 returns element i of a 1-byte list.
func (l List) Uint8(i int) (uint8, error) {
	if err := l.checkElem(i, ElemSize1Byte); err != nil {
		return 0, err
	}
	return l.seg.readUint8(l.scalarOff(i)), nil
}

func (l List) SetUint8(i int, v uint8) error {
	if err := l.checkElem(i, ElemSize1Byte); err != nil {
		return err
	}
	l.seg.writeUint8(l.scalarOff(i), v)
	return nil
}

// Uint16 returns element i of a 2-byte list.
func (l List) Uint16(i int) (uint16, error) {
	if err := l.checkElem(i, ElemSize2Byte); err != nil {
		return 0, err
	}
	return l.seg.readUint16(l.scalarOff(i)), nil
}

func (l List) SetUint16(i int, v uint16) error {
	if err := l.checkElem(i, ElemSize2Byte); err != nil {
		return err
	}
	l.seg.writeUint16(l.scalarOff(i), v)
	return nil
}

// Uint32 returns element i of a 4-byte list.
func (l List) Uint32(i int) (uint32, error) {
	if err := l.checkElem(i, ElemSize4Byte); err != nil {
		return 0, err
	}
	return l.seg.readUint32(l.scalarOff(i)), nil
}

func (l List) SetUint32(i int, v uint32) error {
	if err := l.checkElem(i, ElemSize4Byte); err != nil {
		return err
	}
	l.seg.writeUint32(l.scalarOff(i), v)
	return nil
}

// Uint64 returns element i of an 8-byte list.
func (l List) Uint64(i int) (uint64, error) {
	if err := l.checkElem(i, ElemSize8Byte); err != nil {
		return 0, err
	}
	return l.seg.readUint64(l.scalarOff(i)), nil
}

func (l List) SetUint64(i int, v uint64) error {
	if err := l.checkElem(i, ElemSize8Byte); err != nil {
		return err
	}
	l.seg.writeUint64(l.scalarOff(i), v)
	return nil
}

// bytes returns the raw content of a byte list.
func (l List) bytes() []byte {
	if l.seg == nil || l.elem != ElemSize1Byte {
		return nil
	}
	b, err := l.seg.slice(l.off, uint32(l.length))
	if err != nil {
		return nil
	}
	return b
}

// A TextList is a list of text blobs.
type TextList struct {
	List
}

// At returns element i as a string.
func (tl TextList) At(i int) (string, error) {
	p, err := tl.Ptr(i)
	if err != nil {
		return "", err
	}
	return p.Text(), nil
}

// Set allocates a new text blob holding v and points element i at it.
func (tl TextList) Set(i int, v string) error {
	t, err := NewText(tl.seg, v)
	if err != nil {
		return err
	}
	return tl.SetPtr(i, t.ToPtr())
}

// NewTextList allocates a list of n text pointers.
func NewTextList(seg *Segment, n int32) (TextList, error) {
	l, err := NewList(seg, ElemSizePointer, n)
	if err != nil {
		return TextList{}, err
	}
	return TextList{l}, nil
}
