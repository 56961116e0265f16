// Package capwire implements a zero-copy structured-data message
// format with capability pointers: deeply nested values (structs,
// lists, blobs, capabilities) are read and written directly against
// flat word segments, with no decode or encode pass.
//
// # Architecture Overview
//
// The repository is organized into several packages with distinct
// responsibilities:
//
//	capwire/         Core memory layout: arenas, segments, pointers,
//	                 struct/list/blob views, messages, capabilities
//	├── serialize/   Flat and packed wire transcodings of a message
//	├── rpc/         Capability RPC protocol over an ordered channel
//	└── errors/      Structured error types shared by every layer
//
// # Messages
//
// A Message binds an arena of word segments to a root pointer. Build
// one with a builder arena, then walk it or hand it to serialize:
//
//	m, _ := capwire.NewMessage(capwire.SingleSegment(nil))
//	root, _ := capwire.NewRootStruct(m, capwire.ObjectSize{DataWords: 1, PointerCount: 1})
//	root.SetUint32(0, 42)
//	root.SetText(0, "hello")
//
// Reading borrows the segment memory; nothing is copied or parsed up
// front:
//
//	m, _ := capwire.ReadMessage(segments, capwire.DefaultLimits())
//	root, _ := m.RootStruct()
//	n := root.Uint32(0)
//
// # Schema Evolution
//
// Struct accessors take field offsets and XOR default masks, the
// primitives a schema-driven code generator wraps in named, typed
// accessors. Reading a field a message never wrote yields the field's
// default, so new readers accept old messages and old readers accept
// new ones.
//
// # Safety Against Hostile Input
//
// Reader messages carry a traversal word budget and a pointer nesting
// ceiling (Limits). Every pointer dereference is bounds-checked
// against its segment and charged against the budget, so a tiny
// malicious buffer cannot encode enormous or cyclic-looking traversal
// cost. Structural failures return errors; they never panic and never
// yield partially checked views.
//
// # Capabilities
//
// A Client is a reference-counted handle to a callable target, local
// or remote, dispatched through the ClientHook interface. Answers are
// deferred results that support promise pipelining: a call can use a
// field of an unreturned answer as the target of a further call. The
// rpc package wires clients and answers across a connection.
package capwire
