// Package stream provides position-tracked byte reading and buffered
// writing for the wire transcoders.
package stream

import (
	"encoding/binary"
	"io"
)

// Reader wraps an io.Reader with position tracking and fixed-width
// little-endian read methods.
type Reader struct {
	r   io.Reader
	pos int
}

// NewReader creates a new Reader wrapping r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Position returns the number of bytes consumed so far.
func (r *Reader) Position() int {
	return r.pos
}

// ReadFull reads exactly len(buf) bytes. Like io.ReadFull it returns
// io.EOF only when no bytes were read and io.ErrUnexpectedEOF when the
// stream ends mid-read.
func (r *Reader) ReadFull(buf []byte) error {
	n, err := io.ReadFull(r.r, buf)
	r.pos += n
	return err
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	var buf [1]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU32LE reads a little-endian uint32.
func (r *Reader) ReadU32LE() (uint32, error) {
	var buf [4]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) error {
	m, err := io.CopyN(io.Discard, r.r, int64(n))
	r.pos += int(m)
	if err == io.EOF && m < int64(n) {
		err = io.ErrUnexpectedEOF
	}
	return err
}
