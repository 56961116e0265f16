package capwire

import (
	"github.com/capwire/capwire/errors"
)

// readPtr resolves the pointer word at byte offset addr into a typed
// view, following at most one far-pointer indirection (two for a
// double-far landing pad) transparently. depth is the remaining
// nesting budget; every word visited is charged against the message's
// read limiter before any view is returned.
func (s *Segment) readPtr(addr uint32, depth uint) (Ptr, error) {
	val, err := s.readRawPointer(addr)
	if err != nil {
		return Ptr{}, err
	}
	if val == 0 {
		return Ptr{}, nil
	}
	if depth == 0 {
		return Ptr{}, errors.DepthLimit()
	}

	m := s.msg
	loc, base := s, addr
	// content < 0 means "compute from the near pointer's offset field".
	content := int64(-1)

	if val.kind() == kindFar {
		loc, base, val, content, err = m.resolveFar(val)
		if err != nil {
			return Ptr{}, err
		}
	}

	switch val.kind() {
	case kindStruct:
		sz := val.structSize()
		off, err := loc.contentStart(base, val, content, sz.totalWords())
		if err != nil {
			return Ptr{}, err
		}
		charge := uint64(sz.totalWords())
		if charge == 0 {
			charge = 1
		}
		if err := m.limiter.charge(charge); err != nil {
			return Ptr{}, err
		}
		return Struct{
			seg:        loc,
			off:        off,
			size:       sz,
			depthLimit: depth - 1,
		}.ToPtr(), nil

	case kindList:
		return loc.readListPtr(base, val, content, depth)

	case kindFar:
		return Ptr{}, errors.MalformedPointer("far pointer chains to another far pointer")

	default: // kindOther
		id, ok := val.capabilityIndex()
		if !ok {
			return Ptr{}, errors.MalformedPointer("reserved pointer word %#016x", uint64(val))
		}
		if err := m.limiter.charge(1); err != nil {
			return Ptr{}, err
		}
		return Interface{seg: loc, cap: id}.ToPtr(), nil
	}
}

// resolveFar follows a far pointer to its landing pad. It returns the
// segment and address the final near pointer should be interpreted
// against, the near pointer itself, and, for double-far pads, the
// absolute byte offset of the object content (-1 otherwise).
func (m *Message) resolveFar(val rawPointer) (*Segment, uint32, rawPointer, int64, error) {
	seg, err := m.Segment(val.farSegment())
	if err != nil {
		return nil, 0, 0, 0, err
	}
	padAddr, ok := val.farAddress()
	if !ok {
		return nil, 0, 0, 0, errors.MalformedPointer("far pointer offset overflows")
	}

	if !val.farDouble() {
		if err := m.limiter.charge(1); err != nil {
			return nil, 0, 0, 0, err
		}
		pad, err := seg.readRawPointer(padAddr)
		if err != nil {
			return nil, 0, 0, 0, err
		}
		return seg, padAddr, pad, -1, nil
	}

	// A double-far landing pad is two words: a one-hop far pointer
	// locating the object content, then a tag word describing its
	// shape with a zero offset.
	if err := m.limiter.charge(2); err != nil {
		return nil, 0, 0, 0, err
	}
	if !seg.inBounds(padAddr, 2) {
		return nil, 0, 0, 0, errors.OutOfBounds(errors.PhaseLayout, "double-far landing pad",
			uint64(padAddr)+2*wordSize, uint64(seg.Len()))
	}
	hop := rawPointer(seg.readUint64(padAddr))
	tag := rawPointer(seg.readUint64(padAddr + wordSize))
	if hop.kind() != kindFar || hop.farDouble() {
		return nil, 0, 0, 0, errors.MalformedPointer("double-far pad does not begin with a one-hop far pointer")
	}
	if k := tag.kind(); k != kindStruct && k != kindList {
		return nil, 0, 0, 0, errors.MalformedPointer("double-far tag word has kind %d", k)
	}
	objSeg, err := m.Segment(hop.farSegment())
	if err != nil {
		return nil, 0, 0, 0, err
	}
	objAddr, ok := hop.farAddress()
	if !ok {
		return nil, 0, 0, 0, errors.MalformedPointer("double-far object offset overflows")
	}
	return objSeg, 0, tag, int64(objAddr), nil
}

// contentStart computes and bounds-checks the byte offset of an
// object's content. base is the address of the near pointer word;
// content, when non-negative, is an absolute offset supplied by a
// double-far pad and overrides pointer-relative addressing.
func (s *Segment) contentStart(base uint32, val rawPointer, content int64, words uint32) (uint32, error) {
	var start int64
	if content >= 0 {
		start = content
	} else {
		start = int64(base) + wordSize + int64(val.offset())*wordSize
	}
	n, ok := byteLength(words)
	if !ok || start < 0 || start%wordSize != 0 ||
		start+int64(n) > int64(s.Len()) {
		return 0, errors.OutOfBounds(errors.PhaseLayout, "object content",
			uint64(start)+uint64(n), uint64(s.Len()))
	}
	return uint32(start), nil
}

// readListPtr decodes a list pointer, including the leading tag word
// of inline-composite lists.
func (s *Segment) readListPtr(base uint32, val rawPointer, content int64, depth uint) (Ptr, error) {
	m := s.msg
	elem := val.listElemSize()

	if elem == ElemSizeComposite {
		words := uint32(val.listCount())
		off, err := s.contentStart(base, val, content, words+1)
		if err != nil {
			return Ptr{}, err
		}
		if err := m.limiter.charge(uint64(words) + 1); err != nil {
			return Ptr{}, err
		}
		tag := rawPointer(s.readUint64(off))
		if tag.kind() != kindStruct {
			return Ptr{}, errors.MalformedPointer("composite list tag has kind %d", tag.kind())
		}
		n := tag.compositeTagCount()
		sz := tag.structSize()
		if n < 0 || (sz.totalWords() > 0 && uint64(n)*uint64(sz.totalWords()) > uint64(words)) {
			return Ptr{}, errors.MalformedPointer(
				"composite list claims %d elements of %d words in %d words", n, sz.totalWords(), words)
		}
		return List{
			seg:        s,
			off:        off + wordSize,
			length:     n,
			size:       sz,
			elem:       ElemSizeComposite,
			depthLimit: depth - 1,
		}.ToPtr(), nil
	}

	n := val.listCount()
	words, ok := listContentWords(elem, n)
	if !ok {
		return Ptr{}, errors.MalformedPointer("list size overflows")
	}
	off, err := s.contentStart(base, val, content, words)
	if err != nil {
		return Ptr{}, err
	}
	charge := uint64(words)
	if charge == 0 {
		charge = 1
	}
	if err := m.limiter.charge(charge); err != nil {
		return Ptr{}, err
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
		depthLimit: depth - 1,
	}.ToPtr(), nil
}
