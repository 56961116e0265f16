package capwire

import (
	"github.com/capwire/capwire/errors"
)

// SegmentID identifies one segment inside an arena.
type SegmentID uint32

// An Arena owns or borrows the word storage backing a message.
//
// Builder arenas own growable segments and satisfy Allocate; reader
// arenas borrow caller-supplied byte ranges and refuse allocation.
// Storage already handed out is never moved to a different word
// offset: segments grow by appending only.
type Arena interface {
	// NumSegments returns the number of segments in the arena.
	NumSegments() int

	// Data returns the byte range of the given segment.
	Data(id SegmentID) ([]byte, error)

	// Allocate grows the arena by words 8-byte words of zeroed storage
	// and returns the segment and byte offset where they start. The
	// preferred segment is a locality hint: implementations should
	// place the words there when the growth policy allows, but may
	// pick any segment.
	Allocate(words uint32, pref SegmentID) (SegmentID, uint32, error)
}

// singleSegmentArena is a builder arena with one growing segment.
type singleSegmentArena struct {
	data []byte
}

// SingleSegment returns a builder arena that stores the whole message
// in one growing segment. b may be nil or a buffer to reuse; its
// contents are truncated.
func SingleSegment(b []byte) Arena {
	return &singleSegmentArena{data: b[:0]}
}

func (a *singleSegmentArena) NumSegments() int { return 1 }

func (a *singleSegmentArena) Data(id SegmentID) ([]byte, error) {
	if id != 0 {
		return nil, errors.InvalidSegment(errors.PhaseLayout, uint32(id))
	}
	return a.data, nil
}

func (a *singleSegmentArena) Allocate(words uint32, _ SegmentID) (SegmentID, uint32, error) {
	n, ok := byteLength(words)
	if !ok || uint64(len(a.data))+uint64(n) > maxSegmentSize {
		return 0, 0, errors.New(errors.PhaseLayout, errors.KindOutOfBounds).
			Detail("allocation of %d words exceeds maximum segment size", words).
			Build()
	}
	off := uint32(len(a.data))
	a.data = append(a.data, make([]byte, n)...)
	return 0, off, nil
}

// multiSegmentArena is a builder arena that starts additional
// fixed-size segments once the current one reaches its nominal size.
type multiSegmentArena struct {
	segs     [][]byte
	segWords uint32
}

// DefaultSegmentWords is the nominal segment size used by MultiSegment
// when none is given.
const DefaultSegmentWords = 1024

// MultiSegment returns a builder arena that starts a new segment once
// the preferred one has reached segWords words. A segment's final
// allocation may run past the nominal size; words already handed out
// never move.
func MultiSegment(segWords uint32) Arena {
	if segWords == 0 {
		segWords = DefaultSegmentWords
	}
	return &multiSegmentArena{segWords: segWords}
}

func (a *multiSegmentArena) NumSegments() int { return len(a.segs) }

func (a *multiSegmentArena) Data(id SegmentID) ([]byte, error) {
	if int(id) >= len(a.segs) {
		return nil, errors.InvalidSegment(errors.PhaseLayout, uint32(id))
	}
	return a.segs[id], nil
}

func (a *multiSegmentArena) Allocate(words uint32, pref SegmentID) (SegmentID, uint32, error) {
	n, ok := byteLength(words)
	if !ok {
		return 0, 0, errors.New(errors.PhaseLayout, errors.KindOutOfBounds).
			Detail("allocation of %d words exceeds maximum segment size", words).
			Build()
	}

	if int(pref) < len(a.segs) {
		used := uint32(len(a.segs[pref])) / wordSize
		if used < a.segWords {
			return a.grow(pref, n)
		}
	}

	// Open a fresh segment sized to hold the allocation.
	sz := a.segWords
	if words > sz {
		sz = words
	}
	a.segs = append(a.segs, make([]byte, 0, sz*wordSize))
	id := SegmentID(len(a.segs) - 1)
	return a.grow(id, n)
}

func (a *multiSegmentArena) grow(id SegmentID, n uint32) (SegmentID, uint32, error) {
	seg := a.segs[id]
	if uint64(len(seg))+uint64(n) > maxSegmentSize {
		return 0, 0, errors.New(errors.PhaseLayout, errors.KindOutOfBounds).
			Detail("segment %d cannot grow by %d bytes", id, n).
			Build()
	}
	off := uint32(len(seg))
	a.segs[id] = append(seg, make([]byte, n)...)
	return id, off, nil
}

// readerArena borrows externally owned segment memory.
type readerArena struct {
	segs [][]byte
}

func (a *readerArena) NumSegments() int { return len(a.segs) }

func (a *readerArena) Data(id SegmentID) ([]byte, error) {
	if int(id) >= len(a.segs) {
		return nil, errors.InvalidSegment(errors.PhaseLayout, uint32(id))
	}
	return a.segs[id], nil
}

func (a *readerArena) Allocate(uint32, SegmentID) (SegmentID, uint32, error) {
	return 0, 0, errors.New(errors.PhaseLayout, errors.KindInvalidSegment).
		Detail("cannot allocate in a read-only message").
		Build()
}
