package capwire

import (
	"context"
	"strconv"
	"sync"

	"github.com/capwire/capwire/errors"
)

// A CapabilityID is an index into a message's capability table.
type CapabilityID uint32

// An Interface is a reference to a client in a message's capability
// table, embeddable in the message as a capability pointer.
type Interface struct {
	seg *Segment
	cap CapabilityID
}

// NewInterface creates a capability pointer referencing entry id of
// s's message. No allocation is performed.
func NewInterface(s *Segment, id CapabilityID) Interface {
	return Interface{seg: s, cap: id}
}

// IsValid reports whether the interface came from a message.
func (i Interface) IsValid() bool { return i.seg != nil }

// Capability returns the capability table index.
func (i Interface) Capability() CapabilityID { return i.cap }

// ToPtr converts the interface to a generic pointer.
func (i Interface) ToPtr() Ptr {
	if i.seg == nil {
		return Ptr{}
	}
	return Ptr{typ: ptrCapability, iface: i}
}

// Client returns the client stored in the message's capability table,
// or nil if the index is out of range. The reference stays owned by
// the table; callers that keep it must AddRef.
func (i Interface) Client() *Client {
	if i.seg == nil {
		return nil
	}
	tab := i.seg.msg.caps
	if int64(i.cap) >= int64(len(tab)) {
		return nil
	}
	return tab[i.cap]
}

// A Method identifies an interface method, with optional
// human-readable names for diagnostics.
type Method struct {
	InterfaceID uint64
	MethodID    uint16

	InterfaceName string
	MethodName    string
}

// String formats the method for error messages and logs.
func (m *Method) String() string {
	buf := make([]byte, 0, 64)
	if m.InterfaceName == "" {
		buf = append(buf, '@', '0', 'x')
		buf = strconv.AppendUint(buf, m.InterfaceID, 16)
	} else {
		buf = append(buf, m.InterfaceName...)
	}
	buf = append(buf, '.')
	if m.MethodName == "" {
		buf = append(buf, '@')
		buf = strconv.AppendUint(buf, uint64(m.MethodID), 10)
	} else {
		buf = append(buf, m.MethodName...)
	}
	return string(buf)
}

// A Call holds the record of an outgoing method call. Args is set when
// the arguments are already placed in a message (the receiving side);
// ArgsFunc and ArgsSize are set by application code issuing a call,
// letting the transport place the arguments directly in the outgoing
// message.
type Call struct {
	Method Method

	Args     Struct
	ArgsFunc func(Struct) error
	ArgsSize ObjectSize
}

// PlaceArgs returns the argument struct, allocating it in seg as
// needed. When seg is nil a fresh single-segment message is used.
func (c *Call) PlaceArgs(seg *Segment) (Struct, error) {
	if c.ArgsFunc == nil {
		return c.Args, nil
	}
	if seg == nil {
		m, err := NewMessage(SingleSegment(nil))
		if err != nil {
			return Struct{}, err
		}
		var serr error
		seg, serr = m.Segment(0)
		if serr != nil {
			return Struct{}, serr
		}
	}
	st, err := NewStruct(seg, c.ArgsSize)
	if err != nil {
		return Struct{}, err
	}
	if err := c.ArgsFunc(st); err != nil {
		return Struct{}, err
	}
	return st, nil
}

// Copy returns a call whose arguments are placed, allocating in seg if
// needed. Calls without an ArgsFunc are returned unchanged.
func (c *Call) Copy(seg *Segment) (*Call, error) {
	if c.ArgsFunc == nil {
		return c, nil
	}
	args, err := c.PlaceArgs(seg)
	if err != nil {
		return nil, err
	}
	return &Call{Method: c.Method, Args: args}, nil
}

// A ClientHook is the dispatch target behind a Client: a local
// implementation, a remote forwarder, or a promise. Hooks must be safe
// for concurrent use.
//
// Calls are delivered in the order they are made: an implementation
// must guarantee that if foo() then bar() is called through it,
// delivery of foo() is acknowledged before delivery of bar().
type ClientHook interface {
	// Call starts executing a method and returns a deferred answer.
	// The call's arguments are placed before Call returns.
	Call(ctx context.Context, call *Call) Answer

	// Resolved returns a channel closed when this promise hook settles
	// on a concrete target, or nil for hooks that are already settled.
	// It must return the same channel on every call.
	Resolved() <-chan struct{}

	// ResolvedClient returns the settled target. Only valid after the
	// Resolved channel is closed; the reference stays owned by the
	// hook.
	ResolvedClient() *Client

	// Brand returns an implementation-specific identity used to
	// recognize a hook's origin (e.g. the RPC connection that made it).
	Brand() any

	// Shutdown releases resources; called once, after the last client
	// reference is dropped.
	Shutdown()
}

// sharedHook is the reference-counted state shared by every Client
// handle pointing at one hook.
type sharedHook struct {
	hook ClientHook

	mu   sync.Mutex
	refs int
}

func (sh *sharedHook) addRef() {
	sh.mu.Lock()
	sh.refs++
	sh.mu.Unlock()
}

func (sh *sharedHook) release() {
	sh.mu.Lock()
	sh.refs--
	dead := sh.refs == 0
	sh.mu.Unlock()
	if dead {
		sh.hook.Shutdown()
	}
}

// A Client is a reference to a capability: a handle the application
// passes around, embeds in messages, and eventually releases. A nil
// Client is a null capability.
type Client struct {
	mu       sync.Mutex
	h        *sharedHook
	released bool
}

// NewClient creates the first reference to a capability backed by
// hook. A nil hook yields a nil client.
func NewClient(hook ClientHook) *Client {
	if hook == nil {
		return nil
	}
	return &Client{h: &sharedHook{hook: hook, refs: 1}}
}

// shared returns the client's hook state, or nil if the client is nil
// or released.
func (c *Client) shared() *sharedHook {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	return c.h
}

// settled follows the resolution chain from sh as far as it has
// already settled, without blocking.
func settled(sh *sharedHook) *sharedHook {
	for sh != nil {
		ch := sh.hook.Resolved()
		if ch == nil {
			return sh
		}
		select {
		case <-ch:
			r := sh.hook.ResolvedClient()
			if r == nil {
				return nil
			}
			next := r.shared()
			if next == nil || next == sh {
				return next
			}
			sh = next
		default:
			return sh
		}
	}
	return nil
}

// Call starts executing a method on the capability and returns a
// deferred answer. Calls on nil or released clients fail immediately.
func (c *Client) Call(ctx context.Context, call *Call) Answer {
	if c == nil {
		return ErrorAnswer(errors.Released("call on null client"))
	}
	sh := c.shared()
	if sh == nil {
		return ErrorAnswer(errors.Released("call on released client"))
	}
	sh = settled(sh)
	if sh == nil {
		return ErrorAnswer(errors.Released("call on client resolved to null"))
	}
	return sh.hook.Call(ctx, call)
}

// TryAddRef creates a new reference, or returns nil if the client was
// already released. Useful for caches that hold clients without owning
// a reference.
func (c *Client) TryAddRef() *Client {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.h.addRef()
	return &Client{h: c.h}
}

// AddRef creates a new reference to the same capability.
func (c *Client) AddRef() *Client {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		panic("capwire: AddRef on released client")
	}
	c.h.addRef()
	return &Client{h: c.h}
}

// Release drops this reference. When the last reference to the
// capability goes away its hook is shut down; for imports that also
// notifies the peer. Release on a nil client is a no-op; releasing
// twice panics.
func (c *Client) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		panic("capwire: double release of client")
	}
	c.released = true
	h := c.h
	c.h = nil
	c.mu.Unlock()
	h.release()
}

// IsValid reports whether c is a live reference.
func (c *Client) IsValid() bool {
	return c.shared() != nil
}

// IsSame reports whether c and c2 refer to the same capability, as far
// as their resolution chains have settled.
func (c *Client) IsSame(c2 *Client) bool {
	return settled(c.shared()) == settled(c2.shared())
}

// Brand returns the settled hook's brand, or nil.
func (c *Client) Brand() any {
	sh := settled(c.shared())
	if sh == nil {
		return nil
	}
	return sh.hook.Brand()
}

// IsResolved reports whether the client's resolution chain has fully
// settled, without blocking.
func (c *Client) IsResolved() bool {
	sh := settled(c.shared())
	return sh == nil || sh.hook.Resolved() == nil
}

// Resolve blocks until the capability's resolution chain is fully
// settled or ctx is done.
func (c *Client) Resolve(ctx context.Context) error {
	sh := c.shared()
	for sh != nil {
		ch := sh.hook.Resolved()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		r := sh.hook.ResolvedClient()
		if r == nil {
			return nil
		}
		next := r.shared()
		if next == sh {
			return nil
		}
		sh = next
	}
	return nil
}

// errorClient fails every call with a fixed error.
type errorClient struct {
	err error
}

// ErrorClient returns a client that always fails with err.
func ErrorClient(err error) *Client {
	return NewClient(&errorClient{err: err})
}

func (ec *errorClient) Call(context.Context, *Call) Answer {
	return ErrorAnswer(ec.err)
}

func (ec *errorClient) Resolved() <-chan struct{} { return nil }

func (ec *errorClient) ResolvedClient() *Client { return nil }

func (ec *errorClient) Brand() any { return ec }

func (ec *errorClient) Shutdown() {}
