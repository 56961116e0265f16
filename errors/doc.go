// Package errors provides structured error types for the capwire library.
//
// Errors are categorized by Phase (which layer raised the error) and Kind
// (error category). The split matters operationally:
//
//   - Structural kinds (out_of_bounds, read_limit, depth_limit,
//     malformed_pointer, truncated, invalid_segment) fail a single read
//     operation. They are the library's defense against corrupted or
//     hostile input and never terminate anything beyond the failed access.
//   - Protocol kinds (protocol, disconnected) mean a connection's
//     invariants can no longer be trusted; the RPC layer aborts the
//     connection and fails every pending question on it.
//   - Call kinds (application, unimplemented, canceled, released) travel
//     inside a normal Return and leave the connection healthy.
//
// Use the Builder for structured construction:
//
//	err := errors.New(errors.PhaseLayout, errors.KindOutOfBounds).
//		Path("segment 3").
//		Detail("struct data section ends at word %d", end).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ReadLimit(charged)
//	err := errors.Protocol("return for unknown question %d", id)
//
// All errors implement the standard error interface and support
// errors.Is/As; Is matches on Phase and Kind.
package errors
