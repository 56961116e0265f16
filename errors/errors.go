package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which layer of the library raised the error.
type Phase string

const (
	PhaseLayout     Phase = "layout"     // pointer resolution, struct/list access
	PhaseSerialize  Phase = "serialize"  // flat stream framing
	PhasePack       Phase = "pack"       // packed transcoding
	PhaseCapability Phase = "capability" // client/answer lifecycle
	PhaseRPC        Phase = "rpc"        // connection protocol state machine
)

// Kind categorizes the error.
type Kind string

const (
	// Structural kinds. These fail a single read and are the defense
	// against malformed or hostile input.
	KindOutOfBounds      Kind = "out_of_bounds"
	KindReadLimit        Kind = "read_limit"
	KindDepthLimit       Kind = "depth_limit"
	KindMalformedPointer Kind = "malformed_pointer"
	KindTruncated        Kind = "truncated"
	KindInvalidSegment   Kind = "invalid_segment"

	// Protocol kinds. These poison a connection.
	KindProtocol     Kind = "protocol"
	KindDisconnected Kind = "disconnected"

	// Call kinds. These ride inside a Return and leave the connection alive.
	KindApplication   Kind = "application"
	KindUnimplemented Kind = "unimplemented"
	KindCanceled      Kind = "canceled"
	KindReleased      Kind = "released"
)

// Error is the structured error type used throughout the library.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two Errors match when
// their Phase and Kind agree, so sentinel values like
// &Error{Phase: PhaseLayout, Kind: KindReadLimit} work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsStructural reports whether e is a structural/bounds error rather than
// a protocol or call error.
func IsStructural(e error) bool {
	err, ok := e.(*Error)
	if !ok {
		return false
	}
	switch err.Kind {
	case KindOutOfBounds, KindReadLimit, KindDepthLimit,
		KindMalformedPointer, KindTruncated, KindInvalidSegment:
		return true
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the access path (segment ids, field names, list indices).
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns.

// OutOfBounds reports a pointer or index that resolves outside its segment.
func OutOfBounds(phase Phase, what string, offset, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("%s: offset %d out of bounds (length %d)", what, offset, length),
	}
}

// ReadLimit reports an exhausted traversal budget.
func ReadLimit(words uint64) *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindReadLimit,
		Detail: fmt.Sprintf("read traversal limit exceeded (charging %d words)", words),
	}
}

// DepthLimit reports pointer nesting past the configured ceiling.
func DepthLimit() *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindDepthLimit,
		Detail: "pointer nesting depth limit exceeded",
	}
}

// MalformedPointer reports a pointer word whose tag or fields are invalid
// for the position it occupies.
func MalformedPointer(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindMalformedPointer,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// InvalidSegment reports a reference to a segment id the arena does not have.
func InvalidSegment(phase Phase, id uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidSegment,
		Detail: fmt.Sprintf("segment %d not in arena", id),
	}
}

// Truncated reports an input stream that ends mid-element.
func Truncated(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTruncated,
		Detail: fmt.Sprintf("truncated %s", what),
	}
}

// Protocol reports a violation of the RPC protocol invariants. The
// connection that produced it can no longer be trusted.
func Protocol(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindProtocol,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Disconnected reports an operation against a dead connection.
func Disconnected(cause error) *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindDisconnected,
		Detail: "connection closed",
		Cause:  cause,
	}
}

// Application wraps a callee failure for transmission inside a Return.
func Application(detail string) *Error {
	return &Error{
		Phase:  PhaseCapability,
		Kind:   KindApplication,
		Detail: detail,
	}
}

// Unimplemented reports a method the target capability does not provide.
func Unimplemented(what string) *Error {
	return &Error{
		Phase:  PhaseCapability,
		Kind:   KindUnimplemented,
		Detail: what,
	}
}

// Canceled reports a call abandoned before completion.
func Canceled(what string) *Error {
	return &Error{
		Phase:  PhaseCapability,
		Kind:   KindCanceled,
		Detail: what,
	}
}

// Released reports use of a client after its last reference was dropped.
func Released(what string) *Error {
	return &Error{
		Phase:  PhaseCapability,
		Kind:   KindReleased,
		Detail: what,
	}
}
