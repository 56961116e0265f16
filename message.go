package capwire

import (
	"github.com/capwire/capwire/errors"
)

// A Message binds an arena to a root pointer and owns the per-message
// capability table. Builder messages are mutable and growable and must
// be confined to one mutator; reader messages are immutable views that
// any number of goroutines may traverse concurrently, bounded by a
// shared read limit.
type Message struct {
	arena      Arena
	limiter    *readLimiter // nil for builders: no traversal budget
	depthLimit uint
	segs       map[SegmentID]*Segment
	caps       []*Client
}

// NewMessage creates a builder message over the given arena and
// allocates the root pointer word in segment 0.
func NewMessage(arena Arena) (*Message, error) {
	m := &Message{
		arena:      arena,
		depthLimit: DefaultLimits().NestingDepth,
		segs:       make(map[SegmentID]*Segment),
	}
	id, off, err := arena.Allocate(1, 0)
	if err != nil {
		return nil, err
	}
	if id != 0 || off != 0 {
		return nil, errors.New(errors.PhaseLayout, errors.KindInvalidSegment).
			Detail("arena did not place the root pointer at segment 0 word 0").
			Build()
	}
	if _, err := m.refresh(0); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMessage creates an immutable message over caller-supplied
// segment byte ranges. The segments are borrowed, not copied: they
// must outlive every view derived from the message, and each must be a
// whole number of words. A zero Limits applies DefaultLimits.
func ReadMessage(segments [][]byte, limits Limits) (*Message, error) {
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if len(segments) == 0 {
		return nil, errors.New(errors.PhaseLayout, errors.KindInvalidSegment).
			Detail("message must have at least one segment").
			Build()
	}
	for i, seg := range segments {
		if len(seg)%wordSize != 0 {
			return nil, errors.New(errors.PhaseLayout, errors.KindInvalidSegment).
				Detail("segment %d length %d is not word-aligned", i, len(seg)).
				Build()
		}
	}
	m := &Message{
		arena:      &readerArena{segs: segments},
		limiter:    newReadLimiter(limits.TraversalWords),
		depthLimit: limits.NestingDepth,
		segs:       make(map[SegmentID]*Segment),
	}
	if len(segments[0]) < wordSize {
		return nil, errors.Truncated(errors.PhaseLayout, "root pointer word")
	}
	return m, nil
}

// NumSegments returns the number of segments in the message's arena.
func (m *Message) NumSegments() int {
	return m.arena.NumSegments()
}

// Segment returns the segment with the given id, or an error if the
// arena has no such segment.
func (m *Message) Segment(id SegmentID) (*Segment, error) {
	if seg, ok := m.segs[id]; ok {
		return seg, nil
	}
	return m.refresh(id)
}

// refresh re-reads a segment's byte range from the arena. Builder
// arenas may reallocate backing storage on growth, so the cached view
// is refreshed after every allocation.
func (m *Message) refresh(id SegmentID) (*Segment, error) {
	data, err := m.arena.Data(id)
	if err != nil {
		return nil, err
	}
	seg, ok := m.segs[id]
	if !ok {
		seg = &Segment{msg: m, id: id}
		m.segs[id] = seg
	}
	seg.data = data
	return seg, nil
}

// alloc obtains words zeroed words from the arena, preferring the
// segment pref, and returns the segment and byte offset.
func (m *Message) alloc(words uint32, pref SegmentID) (*Segment, uint32, error) {
	id, off, err := m.arena.Allocate(words, pref)
	if err != nil {
		return nil, 0, err
	}
	seg, err := m.refresh(id)
	if err != nil {
		return nil, 0, err
	}
	return seg, off, nil
}

// Segments returns every segment's raw byte range in id order, for
// transcoding to a wire stream.
func (m *Message) Segments() ([][]byte, error) {
	n := m.arena.NumSegments()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		data, err := m.arena.Data(SegmentID(i))
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// Root returns the message's root pointer.
func (m *Message) Root() (Ptr, error) {
	seg, err := m.Segment(0)
	if err != nil {
		return Ptr{}, err
	}
	return seg.readPtr(0, m.depthLimit)
}

// RootStruct returns the root pointer as a struct view.
func (m *Message) RootStruct() (Struct, error) {
	p, err := m.Root()
	if err != nil {
		return Struct{}, err
	}
	return p.Struct(), nil
}

// SetRoot points the message root at p, which must belong to this
// message. Any previous root becomes unreachable garbage within the
// message.
func (m *Message) SetRoot(p Ptr) error {
	seg, err := m.Segment(0)
	if err != nil {
		return err
	}
	return seg.writePtr(0, p)
}

// ResetReadLimit restores the traversal budget of a reader message,
// for reuse across independent read sessions. Builder messages have no
// budget and ignore the call.
func (m *Message) ResetReadLimit(words uint64) {
	m.limiter.reset(words)
}

// AddCap appends a client to the message's capability table and
// returns its index. The table takes ownership of the reference.
func (m *Message) AddCap(c *Client) CapabilityID {
	m.caps = append(m.caps, c)
	return CapabilityID(len(m.caps) - 1)
}

// CapTable returns the message's capability table. The table retains
// its references; callers must AddRef clients they keep.
func (m *Message) CapTable() []*Client {
	return m.caps
}

// SetCapTable replaces the capability table, as when a received
// message's capability descriptors have been resolved to live clients.
func (m *Message) SetCapTable(caps []*Client) {
	m.caps = caps
}

// ReleaseCaps releases every reference held by the capability table
// and empties it.
func (m *Message) ReleaseCaps() {
	for _, c := range m.caps {
		c.Release()
	}
	m.caps = nil
}
