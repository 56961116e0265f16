package capwire

// CopyPtr deep-copies the object graph rooted at p into seg's message
// and returns the new pointer. Capabilities are not duplicated: the
// destination's capability table gains a new reference to the same
// client. Traversal of p runs under its message's read limits.
func CopyPtr(seg *Segment, p Ptr) (Ptr, error) {
	switch {
	case !p.IsValid():
		return Ptr{}, nil
	case p.IsStruct():
		s, err := copyStruct(seg, p.Struct())
		if err != nil {
			return Ptr{}, err
		}
		return s.ToPtr(), nil
	case p.IsList():
		l, err := copyList(seg, p.List())
		if err != nil {
			return Ptr{}, err
		}
		return l.ToPtr(), nil
	default:
		c := p.Interface().Client()
		if c == nil {
			return Ptr{}, nil
		}
		id := seg.Message().AddCap(c.AddRef())
		return NewInterface(seg, id).ToPtr(), nil
	}
}

// CopyTo deep-copies the struct into seg's message.
func (s Struct) CopyTo(seg *Segment) (Struct, error) {
	if !s.IsValid() {
		return Struct{}, nil
	}
	return copyStruct(seg, s)
}

func copyStruct(seg *Segment, src Struct) (Struct, error) {
	dst, err := NewStruct(seg, src.Size())
	if err != nil {
		return Struct{}, err
	}
	return dst, copyStructContent(dst, src)
}

func copyStructContent(dst, src Struct) error {
	sz := src.Size()
	for off := uint32(0); off < sz.dataBytes(); off += wordSize {
		dst.SetUint64(off, src.Uint64(off))
	}
	for i := uint16(0); i < sz.PointerCount; i++ {
		child, err := src.Ptr(i)
		if err != nil {
			return err
		}
		cp, err := CopyPtr(dst.Segment(), child)
		if err != nil {
			return err
		}
		if err := dst.SetPtr(i, cp); err != nil {
			return err
		}
	}
	return nil
}

func copyList(seg *Segment, src List) (List, error) {
	n := int32(src.Len())

	if src.ElemSize() == ElemSizeComposite {
		dst, err := NewCompositeList(seg, src.size, n)
		if err != nil {
			return List{}, err
		}
		for i := 0; i < int(n); i++ {
			se, err := src.Struct(i)
			if err != nil {
				return List{}, err
			}
			de, err := dst.Struct(i)
			if err != nil {
				return List{}, err
			}
			if err := copyStructContent(de, se); err != nil {
				return List{}, err
			}
		}
		return dst, nil
	}

	dst, err := NewList(seg, src.ElemSize(), n)
	if err != nil {
		return List{}, err
	}
	switch src.ElemSize() {
	case ElemSizeVoid:
	case ElemSizeBit:
		for i := 0; i < int(n); i++ {
			v, err := src.Bit(i)
			if err != nil {
				return List{}, err
			}
			if err := dst.SetBit(i, v); err != nil {
				return List{}, err
			}
		}
	case ElemSizePointer:
		for i := 0; i < int(n); i++ {
			child, err := src.Ptr(i)
			if err != nil {
				return List{}, err
			}
			cp, err := CopyPtr(dst.Segment(), child)
			if err != nil {
				return List{}, err
			}
			if err := dst.SetPtr(i, cp); err != nil {
				return List{}, err
			}
		}
	default:
		if err := copyScalars(dst, src); err != nil {
			return List{}, err
		}
	}
	return dst, nil
}

func copyScalars(dst, src List) error {
	for i := 0; i < src.Len(); i++ {
		var err error
		switch src.ElemSize() {
		case ElemSize1Byte:
			var v uint8
			if v, err = src.Uint8(i); err == nil {
				err = dst.SetUint8(i, v)
			}
		case ElemSize2Byte:
			var v uint16
			if v, err = src.Uint16(i); err == nil {
				err = dst.SetUint16(i, v)
			}
		case ElemSize4Byte:
			var v uint32
			if v, err = src.Uint32(i); err == nil {
				err = dst.SetUint32(i, v)
			}
		default:
			var v uint64
			if v, err = src.Uint64(i); err == nil {
				err = dst.SetUint64(i, v)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
