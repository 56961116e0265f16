// Package serialize transcodes messages to and from byte streams.
//
// Two encodings are provided. The flat encoding frames a message's
// segments behind a small table:
//
//	+-------------------------------+
//	| 4 bytes: segment count - 1    |
//	| 4 bytes per segment: words    |
//	| padding to the word boundary  |
//	| segment 0 bytes               |
//	| segment 1 bytes ...           |
//	+-------------------------------+
//
// Unmarshal is zero-copy: the returned message borrows its segments
// directly from the input buffer. Read copies, because the stream's
// memory is transient.
//
// The packed encoding is a byte-level compression of the flat bytes
// that elides zero bytes, which dominate typical messages. It knows
// nothing about pointers or segments and round-trips the flat bytes
// exactly.
//
// # Writing a message to a stream
//
//	m, _ := capwire.NewMessage(capwire.SingleSegment(nil))
//	root, _ := capwire.NewRootStruct(m, capwire.ObjectSize{DataWords: 1})
//	root.SetUint64(0, 42)
//	if err := serialize.Write(conn, m); err != nil {
//		...
//	}
//
// # Reading it back
//
//	m, err := serialize.Read(conn, capwire.Limits{})
//	if err != nil {
//		...
//	}
//	root, err := m.RootStruct()
package serialize
