package serialize

import (
	"io"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/serialize/internal/stream"
)

const wordSize = 8

// maxStreamSegments bounds the segment count a frame header may
// declare, so a few corrupt bytes cannot demand a huge allocation.
const maxStreamSegments = 512

// Marshal encodes the message's segments in the flat framing: a
// little-endian uint32 segment count minus one, one uint32 word length
// per segment, zero padding to the next word boundary, then each
// segment's raw bytes in order.
func Marshal(m *capwire.Message) ([]byte, error) {
	segs, err := m.Segments()
	if err != nil {
		return nil, err
	}
	w := stream.NewWriter()
	w.WriteU32LE(uint32(len(segs) - 1))
	for _, seg := range segs {
		w.WriteU32LE(uint32(len(seg) / wordSize))
	}
	w.Pad(wordSize)
	for _, seg := range segs {
		w.WriteBytes(seg)
	}
	return w.Bytes(), nil
}

// Unmarshal decodes a flat-framed message. The returned message
// borrows its segments from data without copying, so data must not be
// mutated while the message is in use. A zero Limits applies the
// defaults.
func Unmarshal(data []byte, limits capwire.Limits) (*capwire.Message, error) {
	if len(data) < 4 {
		return nil, errors.Truncated(errors.PhaseSerialize, "segment count")
	}
	count := int(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	count++
	if count > maxStreamSegments {
		return nil, errors.New(errors.PhaseSerialize, errors.KindMalformedPointer).
			Detail("frame declares %d segments, limit %d", count, maxStreamSegments).
			Build()
	}

	header := 4 * (1 + count)
	header = (header + wordSize - 1) / wordSize * wordSize
	if len(data) < header {
		return nil, errors.Truncated(errors.PhaseSerialize, "segment table")
	}

	segs := make([][]byte, count)
	off := header
	for i := 0; i < count; i++ {
		p := 4 * (1 + i)
		words := int64(uint32(data[p]) | uint32(data[p+1])<<8 | uint32(data[p+2])<<16 | uint32(data[p+3])<<24)
		n := words * wordSize
		if int64(off)+n > int64(len(data)) {
			return nil, errors.Truncated(errors.PhaseSerialize, "segment body")
		}
		segs[i] = data[off : off+int(n) : off+int(n)]
		off += int(n)
	}
	return capwire.ReadMessage(segs, limits)
}

// Write writes one flat-framed message to w.
func Write(w io.Writer, m *capwire.Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read reads one flat-framed message from r, copying segment contents
// into freshly allocated memory. It returns io.EOF when the stream
// ends cleanly before the frame starts. A zero Limits applies the
// defaults; the limits also cap the total number of words Read is
// willing to allocate for one message.
func Read(r io.Reader, limits capwire.Limits) (*capwire.Message, error) {
	if limits == (capwire.Limits{}) {
		limits = capwire.DefaultLimits()
	}
	sr := stream.NewReader(r)

	first, err := sr.ReadU32LE()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Truncated(errors.PhaseSerialize, "segment count")
	}
	count := int(first) + 1
	if count > maxStreamSegments {
		return nil, errors.New(errors.PhaseSerialize, errors.KindMalformedPointer).
			Detail("frame declares %d segments, limit %d", count, maxStreamSegments).
			Build()
	}

	sizes := make([]uint32, count)
	var total uint64
	for i := range sizes {
		sizes[i], err = sr.ReadU32LE()
		if err != nil {
			return nil, errors.Truncated(errors.PhaseSerialize, "segment table")
		}
		total += uint64(sizes[i])
	}
	if total > limits.TraversalWords {
		return nil, errors.New(errors.PhaseSerialize, errors.KindReadLimit).
			Detail("frame declares %d words, limit %d", total, limits.TraversalWords).
			Build()
	}
	if count%2 == 0 {
		// The count word plus an even number of size words ends half
		// way into a word.
		if err := sr.Skip(4); err != nil {
			return nil, errors.Truncated(errors.PhaseSerialize, "segment table padding")
		}
	}

	// One allocation backs all segments.
	buf := make([]byte, total*wordSize)
	segs := make([][]byte, count)
	off := 0
	for i, words := range sizes {
		n := int(words) * wordSize
		segs[i] = buf[off : off+n : off+n]
		off += n
		if err := sr.ReadFull(segs[i]); err != nil {
			return nil, errors.Truncated(errors.PhaseSerialize, "segment body")
		}
	}
	return capwire.ReadMessage(segs, limits)
}
