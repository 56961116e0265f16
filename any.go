package capwire

// PtrType discriminates the typed views a resolved pointer can take.
type PtrType uint8

const (
	ptrNull PtrType = iota
	ptrStruct
	ptrList
	ptrCapability
)

// A Ptr is a type-erased reference to a struct, list, or capability.
// The zero Ptr is null. Far pointers never surface here; resolution
// happens below this layer.
type Ptr struct {
	typ   PtrType
	strct Struct
	list  List
	iface Interface
}

// IsValid reports whether p is non-null.
func (p Ptr) IsValid() bool { return p.typ != ptrNull }

// IsStruct reports whether p points at a struct.
func (p Ptr) IsStruct() bool { return p.typ == ptrStruct }

// IsList reports whether p points at a list.
func (p Ptr) IsList() bool { return p.typ == ptrList }

// IsCapability reports whether p references the capability table.
func (p Ptr) IsCapability() bool { return p.typ == ptrCapability }

// Struct returns the struct view, or an invalid Struct for other
// pointer types.
func (p Ptr) Struct() Struct {
	if p.typ != ptrStruct {
		return Struct{}
	}
	return p.strct
}

// List returns the list view, or an invalid List for other pointer
// types.
func (p Ptr) List() List {
	if p.typ != ptrList {
		return List{}
	}
	return p.list
}

// TextList returns the pointer as a list of text blobs.
func (p Ptr) TextList() TextList {
	return TextList{p.List()}
}

// Interface returns the capability reference, or an invalid Interface
// for other pointer types.
func (p Ptr) Interface() Interface {
	if p.typ != ptrCapability {
		return Interface{}
	}
	return p.iface
}

// Text returns the pointer as a text blob. Non-text pointers and null
// return "". The trailing NUL the wire format carries is stripped.
func (p Ptr) Text() string {
	b := p.List().bytes()
	if len(b) == 0 {
		return ""
	}
	if b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// Data returns the pointer as a raw byte blob, or nil.
func (p Ptr) Data() []byte {
	return p.List().bytes()
}
