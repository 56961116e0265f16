package capwire

import (
	"math"

	"github.com/capwire/capwire/errors"
)

// A Struct is a view over one struct instance: a fixed-size data
// section of packed scalar fields followed by a pointer section.
//
// Scalar accessors take the field's byte (or bit) offset within the
// data section. Reads past the declared data section return zero, and
// pointer reads past the pointer section return a null Ptr; this is
// what lets newer readers read older messages and vice versa. Scalar
// defaults use the XOR convention: a field's stored bits are its value
// XORed with the declared default, so the masked accessors recover the
// default from unwritten (all-zero) storage.
type Struct struct {
	seg        *Segment
	off        uint32
	size       ObjectSize
	depthLimit uint
}

// IsValid reports whether s is a view over an actual struct.
func (s Struct) IsValid() bool { return s.seg != nil }

// Segment returns the segment the struct's content lives in.
func (s Struct) Segment() *Segment { return s.seg }

// Size returns the struct's section sizes.
func (s Struct) Size() ObjectSize { return s.size }

// ToPtr converts the struct view to a generic pointer.
func (s Struct) ToPtr() Ptr {
	if s.seg == nil {
		return Ptr{}
	}
	return Ptr{typ: ptrStruct, strct: s}
}

// has reports whether [off, off+n) lies inside the data section.
func (s Struct) has(off, n uint32) bool {
	return s.seg != nil && uint64(off)+uint64(n) <= uint64(s.size.dataBytes())
}

// Bit returns the bit at the given bit offset into the data section.
func (s Struct) Bit(bitOff uint32) bool {
	if !s.has(bitOff/8, 1) {
		return false
	}
	return s.seg.readUint8(s.off+bitOff/8)&bitMask(bitOff) != 0
}

// BitDefault returns the bit XORed with its default.
func (s Struct) BitDefault(bitOff uint32, def bool) bool {
	return s.Bit(bitOff) != def
}

// SetBit writes the bit at the given bit offset. Writing outside the
// data section is a programming error and panics.
func (s Struct) SetBit(bitOff uint32, v bool) {
	s.checkData(bitOff/8, 1)
	b := s.seg.readUint8(s.off + bitOff/8)
	if v {
		b |= bitMask(bitOff)
	} else {
		b &^= bitMask(bitOff)
	}
	s.seg.writeUint8(s.off+bitOff/8, b)
}

// SetBitDefault writes the bit XORed with its default.
func (s Struct) SetBitDefault(bitOff uint32, v, def bool) {
	s.SetBit(bitOff, v != def)
}

// Uint8 returns the byte at off, or 0 past the data section.
func (s Struct) Uint8(off uint32) uint8 {
	if !s.has(off, 1) {
		return 0
	}
	return s.seg.readUint8(s.off + off)
}

// Uint16 returns the little-endian uint16 at off.
func (s Struct) Uint16(off uint32) uint16 {
	if !s.has(off, 2) {
		return 0
	}
	return s.seg.readUint16(s.off + off)
}

// Uint32 returns the little-endian uint32 at off.
func (s Struct) Uint32(off uint32) uint32 {
	if !s.has(off, 4) {
		return 0
	}
	return s.seg.readUint32(s.off + off)
}

// Uint64 returns the little-endian uint64 at off.
func (s Struct) Uint64(off uint32) uint64 {
	if !s.has(off, 8) {
		return 0
	}
	return s.seg.readUint64(s.off + off)
}

// Masked accessors apply the XOR default convention.

func (s Struct) Uint8Default(off uint32, def uint8) uint8 { return s.Uint8(off) ^ def }

func (s Struct) Uint16Default(off uint32, def uint16) uint16 { return s.Uint16(off) ^ def }

func (s Struct) Uint32Default(off uint32, def uint32) uint32 { return s.Uint32(off) ^ def }

func (s Struct) Uint64Default(off uint32, def uint64) uint64 { return s.Uint64(off) ^ def }

// Int accessors are sign-reinterpreted views of the unsigned ones.

func (s Struct) Int8(off uint32) int8 { return int8(s.Uint8(off)) }

func (s Struct) Int16(off uint32) int16 { return int16(s.Uint16(off)) }

func (s Struct) Int32(off uint32) int32 { return int32(s.Uint32(off)) }

func (s Struct) Int64(off uint32) int64 { return int64(s.Uint64(off)) }

func (s Struct) Int32Default(off uint32, def int32) int32 {
	return int32(s.Uint32Default(off, uint32(def)))
}

func (s Struct) Int64Default(off uint32, def int64) int64 {
	return int64(s.Uint64Default(off, uint64(def)))
}

// Float64 returns the IEEE 754 double at off.
func (s Struct) Float64(off uint32) float64 {
	return math.Float64frombits(s.Uint64(off))
}

// Float32 returns the IEEE 754 single at off.
func (s Struct) Float32(off uint32) float32 {
	return math.Float32frombits(s.Uint32(off))
}

// checkData panics if [off, off+n) is outside the data section.
// Writing a field the builder did not declare is a generator bug, not
// a data error.
func (s Struct) checkData(off, n uint32) {
	if !s.has(off, n) {
		panic(errors.OutOfBounds(errors.PhaseLayout, "struct data write",
			uint64(off)+uint64(n), uint64(s.size.dataBytes())))
	}
}

func (s Struct) SetUint8(off uint32, v uint8) {
	s.checkData(off, 1)
	s.seg.writeUint8(s.off+off, v)
}

func (s Struct) SetUint16(off uint32, v uint16) {
	s.checkData(off, 2)
	s.seg.writeUint16(s.off+off, v)
}

func (s Struct) SetUint32(off uint32, v uint32) {
	s.checkData(off, 4)
	s.seg.writeUint32(s.off+off, v)
}

func (s Struct) SetUint64(off uint32, v uint64) {
	s.checkData(off, 8)
	s.seg.writeUint64(s.off+off, v)
}

func (s Struct) SetUint8Default(off uint32, v, def uint8) { s.SetUint8(off, v^def) }

func (s Struct) SetUint16Default(off uint32, v, def uint16) { s.SetUint16(off, v^def) }

func (s Struct) SetUint32Default(off uint32, v, def uint32) { s.SetUint32(off, v^def) }

func (s Struct) SetUint64Default(off uint32, v, def uint64) { s.SetUint64(off, v^def) }

func (s Struct) SetInt32(off uint32, v int32) { s.SetUint32(off, uint32(v)) }

func (s Struct) SetInt64(off uint32, v int64) { s.SetUint64(off, uint64(v)) }

func (s Struct) SetFloat64(off uint32, v float64) { s.SetUint64(off, math.Float64bits(v)) }

func (s Struct) SetFloat32(off uint32, v float32) { s.SetUint32(off, math.Float32bits(v)) }

// ptrSectionOff returns the byte offset of pointer slot i.
func (s Struct) ptrSectionOff(i uint16) uint32 {
	return s.off + s.size.dataBytes() + uint32(i)*wordSize
}

// Ptr returns the pointer at slot i of the pointer section. Slots past
// the declared pointer section read as null.
func (s Struct) Ptr(i uint16) (Ptr, error) {
	if s.seg == nil || i >= s.size.PointerCount {
		return Ptr{}, nil
	}
	return s.seg.readPtr(s.ptrSectionOff(i), s.depthLimit)
}

// SetPtr writes a pointer into slot i. Unlike scalar writes this
// returns an error, since it can involve allocation of far-pointer
// landing pads.
func (s Struct) SetPtr(i uint16, p Ptr) error {
	if s.seg == nil || i >= s.size.PointerCount {
		return errors.OutOfBounds(errors.PhaseLayout, "struct pointer write",
			uint64(i), uint64(s.size.PointerCount))
	}
	return s.seg.writePtr(s.ptrSectionOff(i), p)
}

// Text returns the text blob in pointer slot i, or "" when unset.
func (s Struct) Text(i uint16) (string, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return "", err
	}
	return p.Text(), nil
}

// TextDefault returns the text in slot i, or def when unset.
func (s Struct) TextDefault(i uint16, def string) (string, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return "", err
	}
	if !p.IsValid() {
		return def, nil
	}
	return p.Text(), nil
}

// SetText allocates a text blob holding v and points slot i at it.
func (s Struct) SetText(i uint16, v string) error {
	t, err := NewText(s.seg, v)
	if err != nil {
		return err
	}
	return s.SetPtr(i, t.ToPtr())
}

// SetData allocates a data blob holding v and points slot i at it.
func (s Struct) SetData(i uint16, v []byte) error {
	d, err := NewData(s.seg, v)
	if err != nil {
		return err
	}
	return s.SetPtr(i, d.ToPtr())
}
