package capwire

import (
	"github.com/capwire/capwire/errors"
)

// NewStruct allocates a new struct of the given shape in seg's
// message, preferring seg for locality. The struct is unreachable
// until a pointer to it is written.
func NewStruct(seg *Segment, sz ObjectSize) (Struct, error) {
	s, off, err := seg.msg.alloc(sz.totalWords(), seg.ID())
	if err != nil {
		return Struct{}, err
	}
	return Struct{
		seg:        s,
		off:        off,
		size:       sz,
		depthLimit: seg.msg.depthLimit,
	}, nil
}

// NewRootStruct allocates a struct and makes it the message root.
func NewRootStruct(m *Message, sz ObjectSize) (Struct, error) {
	seg, err := m.Segment(0)
	if err != nil {
		return Struct{}, err
	}
	st, err := NewStruct(seg, sz)
	if err != nil {
		return Struct{}, err
	}
	if err := m.SetRoot(st.ToPtr()); err != nil {
		return Struct{}, err
	}
	return st, nil
}

// NewList allocates a list of a fixed scalar or pointer element class.
// Composite lists are allocated with NewCompositeList.
func NewList(seg *Segment, elem ElemSize, n int32) (List, error) {
	if elem == ElemSizeComposite {
		return List{}, errors.MalformedPointer("composite list requires an element shape")
	}
	words, ok := listContentWords(elem, n)
	if !ok {
		return List{}, errors.MalformedPointer("list of %d elements overflows", n)
	}
	s, off, err := seg.msg.alloc(words, seg.ID())
	if err != nil {
		return List{}, err
	}
	sz := ObjectSize{}
	if elem == ElemSizePointer {
		sz.PointerCount = 1
	}
	return List{
		seg:        s,
		off:        off,
		length:     n,
		size:       sz,
		elem:       elem,
		depthLimit: seg.msg.depthLimit,
	}, nil
}

// NewCompositeList allocates an inline-composite list of n structs of
// the given shape, writing the leading tag word.
func NewCompositeList(seg *Segment, sz ObjectSize, n int32) (List, error) {
	if n < 0 {
		return List{}, errors.MalformedPointer("negative list length %d", n)
	}
	words := uint64(sz.totalWords()) * uint64(n)
	if words > maxSegmentSize/wordSize {
		return List{}, errors.MalformedPointer("composite list of %d elements overflows", n)
	}
	s, off, err := seg.msg.alloc(uint32(words)+1, seg.ID())
	if err != nil {
		return List{}, err
	}
	s.writeRawPointer(off, rawCompositeTag(n, sz))
	return List{
		seg:        s,
		off:        off + wordSize,
		length:     n,
		size:       sz,
		elem:       ElemSizeComposite,
		depthLimit: seg.msg.depthLimit,
	}, nil
}

// NewText allocates a text blob holding v. Text is stored as a byte
// list with a trailing NUL included in the element count.
func NewText(seg *Segment, v string) (List, error) {
	l, err := NewList(seg, ElemSize1Byte, int32(len(v))+1)
	if err != nil {
		return List{}, err
	}
	copy(l.seg.data[l.off:], v)
	return l, nil
}

// NewData allocates a raw byte blob holding v.
func NewData(seg *Segment, v []byte) (List, error) {
	l, err := NewList(seg, ElemSize1Byte, int32(len(v)))
	if err != nil {
		return List{}, err
	}
	copy(l.seg.data[l.off:], v)
	return l, nil
}

// target describes where a pointer must aim and what shape word to
// write, independent of the pointer's own location.
func (p Ptr) target() (seg *Segment, addr uint32, shape rawPointer) {
	switch p.typ {
	case ptrStruct:
		return p.strct.seg, p.strct.off, rawStructPointer(0, p.strct.size)
	case ptrList:
		l := p.list
		if l.elem == ElemSizeComposite {
			words := uint32(uint64(l.size.totalWords()) * uint64(l.length))
			return l.seg, l.off - wordSize, rawListPointer(0, ElemSizeComposite, int32(words))
		}
		return l.seg, l.off, rawListPointer(0, l.elem, l.length)
	}
	return nil, 0, 0
}

// writePtr plants a pointer to p at byte offset addr in s. When p
// lives in a different segment a landing pad is allocated in p's
// segment; if the arena declines to place the pad there, a two-word
// double-far pad is written instead. Overwriting an existing pointer
// orphans the old target; message storage is never reclaimed.
func (s *Segment) writePtr(addr uint32, p Ptr) error {
	if !s.inBounds(addr, 1) {
		return errors.OutOfBounds(errors.PhaseLayout, "pointer word", uint64(addr), uint64(s.Len()))
	}

	switch p.typ {
	case ptrNull:
		s.writeRawPointer(addr, 0)
		return nil
	case ptrCapability:
		if p.iface.seg != nil && p.iface.seg.msg != s.msg {
			return errors.MalformedPointer("cannot point into a different message")
		}
		s.writeRawPointer(addr, rawCapabilityPointer(p.iface.cap))
		return nil
	}

	objSeg, objAddr, shape := p.target()
	if objSeg.msg != s.msg {
		return errors.MalformedPointer("cannot point into a different message")
	}

	if objSeg == s {
		off := (int64(objAddr) - int64(addr) - wordSize) / wordSize
		raw := shape.withOffset(int32(off))
		if raw == 0 {
			// A zero-sized struct placed right after its pointer would
			// encode as an all-zero word, which reads back as null.
			// Aim one word back instead; the content is empty anyway.
			raw = shape.withOffset(-1)
		}
		s.writeRawPointer(addr, raw)
		return nil
	}

	padSeg, padOff, err := s.msg.alloc(1, objSeg.ID())
	if err != nil {
		return err
	}
	if padSeg == objSeg {
		off := (int64(objAddr) - int64(padOff) - wordSize) / wordSize
		padSeg.writeRawPointer(padOff, shape.withOffset(int32(off)))
		s.writeRawPointer(addr, rawFarPointer(padSeg.ID(), padOff/wordSize, false))
		return nil
	}

	// The arena would not colocate the pad with the object: fall back
	// to a two-word double-far pad wherever the arena has room. The
	// single word just allocated becomes garbage.
	padSeg, padOff, err = s.msg.alloc(2, padSeg.ID())
	if err != nil {
		return err
	}
	padSeg.writeRawPointer(padOff, rawFarPointer(objSeg.ID(), objAddr/wordSize, false))
	padSeg.writeRawPointer(padOff+wordSize, shape)
	s.writeRawPointer(addr, rawFarPointer(padSeg.ID(), padOff/wordSize, true))
	return nil
}
