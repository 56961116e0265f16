package serialize

import (
	"bytes"
	"io"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/serialize/internal/stream"
)

// The packed transcoding compresses the flat encoding byte stream one
// word at a time. Each word gets a tag byte whose bits mark which of
// its eight bytes are nonzero, followed by those bytes. Two tag values
// escape into run mode: 0x00 is an all-zero word followed by a count
// of additional zero words elided, and 0xff is a verbatim word
// followed by a count of additional words copied without tagging.
const (
	zeroTag    = 0x00
	literalTag = 0xff

	// maxRun is the longest run either escape can describe, limited by
	// the one-byte count.
	maxRun = 0xff
)

// Pack appends the packed transcoding of src to dst and returns the
// extended slice. len(src) must be a multiple of the word size.
func Pack(dst, src []byte) []byte {
	for len(src) > 0 {
		word := src[:wordSize]
		src = src[wordSize:]

		var tag byte
		for i, b := range word {
			if b != 0 {
				tag |= 1 << i
			}
		}

		switch tag {
		case zeroTag:
			n := 0
			for n < maxRun && len(src) >= wordSize && allZero(src[:wordSize]) {
				src = src[wordSize:]
				n++
			}
			dst = append(dst, zeroTag, byte(n))

		case literalTag:
			dst = append(dst, literalTag)
			dst = append(dst, word...)
			// Extend the verbatim run while words stay incompressible:
			// a word is worth packing again only when tagging it saves
			// bytes, i.e. it has two or more zero bytes.
			run := 0
			for run < maxRun*wordSize && len(src) >= run+wordSize &&
				countZeros(src[run:run+wordSize]) < 2 {
				run += wordSize
			}
			dst = append(dst, byte(run/wordSize))
			dst = append(dst, src[:run]...)
			src = src[run:]

		default:
			dst = append(dst, tag)
			for _, b := range word {
				if b != 0 {
					dst = append(dst, b)
				}
			}
		}
	}
	return dst
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func countZeros(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n++
		}
	}
	return n
}

// Unpack appends the flat bytes encoded by the packed stream src to
// dst and returns the extended slice.
func Unpack(dst, src []byte) ([]byte, error) {
	r := NewUnpackReader(bytes.NewReader(src))
	var buf [wordSize]byte
	for {
		if err := r.read(buf[:]); err != nil {
			if err == io.EOF {
				return dst, nil
			}
			return nil, err
		}
		dst = append(dst, buf[:]...)
	}
}

// UnpackReader decompresses a packed stream on the fly, exposing the
// flat encoding as an io.Reader. Reads are served in whole words.
type UnpackReader struct {
	r *stream.Reader

	// pending words already decoded but not yet consumed.
	buf  []byte
	next int
}

// NewUnpackReader creates an UnpackReader over r.
func NewUnpackReader(r io.Reader) *UnpackReader {
	return &UnpackReader{r: stream.NewReader(r)}
}

// Read implements io.Reader. The stream ends only at a word boundary
// of the unpacked encoding; a packed frame cut mid-word is a
// structural error.
func (u *UnpackReader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if u.next == len(u.buf) {
			if err := u.fill(); err != nil {
				if err == io.EOF && total > 0 {
					return total, nil
				}
				return total, err
			}
		}
		n := copy(p, u.buf[u.next:])
		u.next += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// read fills buf exactly, unlike Read which may return short.
func (u *UnpackReader) read(p []byte) error {
	for len(p) > 0 {
		n, err := u.Read(p)
		if err != nil {
			if err == io.EOF && n == 0 && len(p) < wordSize {
				return errors.Truncated(errors.PhasePack, "word")
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// fill decodes the next tag group into the pending buffer.
func (u *UnpackReader) fill() error {
	tag, err := u.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.Truncated(errors.PhasePack, "tag byte")
	}

	u.buf = u.buf[:0]
	u.next = 0

	switch tag {
	case zeroTag:
		n, err := u.r.ReadByte()
		if err != nil {
			return errors.Truncated(errors.PhasePack, "zero run count")
		}
		for i := 0; i <= int(n); i++ {
			u.buf = append(u.buf, make([]byte, wordSize)...)
		}

	case literalTag:
		var word [wordSize]byte
		if err := u.r.ReadFull(word[:]); err != nil {
			return errors.Truncated(errors.PhasePack, "literal word")
		}
		n, err := u.r.ReadByte()
		if err != nil {
			return errors.Truncated(errors.PhasePack, "literal run count")
		}
		u.buf = append(u.buf, word[:]...)
		run := make([]byte, int(n)*wordSize)
		if err := u.r.ReadFull(run); err != nil {
			return errors.Truncated(errors.PhasePack, "literal run")
		}
		u.buf = append(u.buf, run...)

	default:
		var word [wordSize]byte
		for i := 0; i < wordSize; i++ {
			if tag&(1<<i) == 0 {
				continue
			}
			b, err := u.r.ReadByte()
			if err != nil {
				return errors.Truncated(errors.PhasePack, "word byte")
			}
			word[i] = b
		}
		u.buf = append(u.buf, word[:]...)
	}
	return nil
}

// MarshalPacked encodes the message in the packed transcoding of the
// flat framing.
func MarshalPacked(m *capwire.Message) ([]byte, error) {
	flat, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return Pack(make([]byte, 0, len(flat)/2), flat), nil
}

// UnmarshalPacked decodes a packed message. Unlike Unmarshal this
// cannot borrow from data: the flat bytes are reconstructed into fresh
// memory first.
func UnmarshalPacked(data []byte, limits capwire.Limits) (*capwire.Message, error) {
	flat, err := Unpack(make([]byte, 0, len(data)*2), data)
	if err != nil {
		return nil, err
	}
	return Unmarshal(flat, limits)
}

// WritePacked writes one packed message to w.
func WritePacked(w io.Writer, m *capwire.Message) error {
	data, err := MarshalPacked(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadPacked reads one packed message from r, unpacking as it goes.
func ReadPacked(r io.Reader, limits capwire.Limits) (*capwire.Message, error) {
	return Read(NewUnpackReader(r), limits)
}
