package capwire

import (
	"encoding/binary"

	"github.com/capwire/capwire/errors"
)

// A Segment is one contiguous range of words inside a message's arena.
// Reader segments are borrowed views into externally owned memory;
// builder segments are owned by the arena and grow by appending.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

// Message returns the message this segment belongs to.
func (s *Segment) Message() *Message { return s.msg }

// ID returns the segment's id within its arena.
func (s *Segment) ID() SegmentID { return s.id }

// Len returns the segment length in bytes.
func (s *Segment) Len() uint32 { return uint32(len(s.data)) }

// slice returns the byte range [off, off+n), bounds-checked.
func (s *Segment) slice(off, n uint32) ([]byte, error) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(s.data)) {
		return nil, errors.OutOfBounds(errors.PhaseLayout, "segment slice", end, uint64(len(s.data)))
	}
	return s.data[off : off+n : off+n], nil
}

// inBounds reports whether the word range starting at byte offset off
// spanning words words lies inside the segment.
func (s *Segment) inBounds(off, words uint32) bool {
	n, ok := byteLength(words)
	if !ok {
		return false
	}
	return uint64(off)+uint64(n) <= uint64(len(s.data)) && off%wordSize == 0
}

func (s *Segment) readUint8(off uint32) uint8 {
	return s.data[off]
}

func (s *Segment) readUint16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(s.data[off:])
}

func (s *Segment) readUint32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(s.data[off:])
}

func (s *Segment) readUint64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(s.data[off:])
}

func (s *Segment) writeUint8(off uint32, v uint8) {
	s.data[off] = v
}

func (s *Segment) writeUint16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(s.data[off:], v)
}

func (s *Segment) writeUint32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.data[off:], v)
}

func (s *Segment) writeUint64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(s.data[off:], v)
}

// readRawPointer reads the pointer word at byte offset off.
func (s *Segment) readRawPointer(off uint32) (rawPointer, error) {
	if !s.inBounds(off, 1) {
		return 0, errors.OutOfBounds(errors.PhaseLayout, "pointer word", uint64(off), uint64(len(s.data)))
	}
	return rawPointer(s.readUint64(off)), nil
}

func (s *Segment) writeRawPointer(off uint32, p rawPointer) {
	s.writeUint64(off, uint64(p))
}
