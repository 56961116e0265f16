package capwire

import (
	"context"
	"sync"

	"github.com/capwire/capwire/errors"
)

// A ServerCall carries one dispatched call into a method
// implementation.
type ServerCall struct {
	args    Struct
	results Struct
	reseg   *Segment
}

// Args returns the call's argument struct.
func (sc *ServerCall) Args() Struct {
	return sc.args
}

// AllocResults allocates the result struct in a fresh message. Methods
// that return nothing may skip it.
func (sc *ServerCall) AllocResults(sz ObjectSize) (Struct, error) {
	if sc.results.IsValid() {
		return sc.results, nil
	}
	st, err := NewRootStruct(sc.resultMessage(), sz)
	if err != nil {
		return Struct{}, err
	}
	sc.results = st
	return st, nil
}

// ResultSegment returns a segment of the result message, for building
// capabilities or blobs referenced from the results.
func (sc *ServerCall) ResultSegment() (*Segment, error) {
	seg, err := sc.resultMessage().Segment(0)
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (sc *ServerCall) resultMessage() *Message {
	if sc.reseg == nil {
		m, err := NewMessage(SingleSegment(nil))
		if err != nil {
			// SingleSegment allocation of one word cannot fail.
			panic(err)
		}
		seg, err := m.Segment(0)
		if err != nil {
			panic(err)
		}
		sc.reseg = seg
	}
	return sc.reseg.Message()
}

// A MethodImpl is one method's implementation. It runs on its own
// goroutine; returning an error produces an exception answer.
type MethodImpl func(ctx context.Context, call *ServerCall) error

// A ServerMethod binds a method identity to its implementation.
type ServerMethod struct {
	Method
	Impl MethodImpl
}

type methodKey struct {
	iface  uint64
	method uint16
}

// server is a local dispatch target: the in-process implementation of
// a capability. Calls are delivered one at a time in the order they
// arrive; a call is acknowledged when its method returns.
type server struct {
	methods map[methodKey]*ServerMethod
	brand   any

	mu   sync.Mutex
	prev <-chan struct{} // delivery ack of the most recent call
}

// NewServer returns a client dispatching to the given local method
// implementations. brand may be nil; it is returned from the client's
// Brand for introspection.
func NewServer(methods []ServerMethod, brand any) *Client {
	srv := &server{
		methods: make(map[methodKey]*ServerMethod, len(methods)),
		brand:   brand,
	}
	for i := range methods {
		m := &methods[i]
		srv.methods[methodKey{m.InterfaceID, m.MethodID}] = m
	}
	return NewClient(srv)
}

func (srv *server) Call(ctx context.Context, call *Call) Answer {
	sm := srv.methods[methodKey{call.Method.InterfaceID, call.Method.MethodID}]
	if sm == nil {
		return ErrorAnswer(errors.Unimplemented(call.Method.String()))
	}

	args, err := call.PlaceArgs(nil)
	if err != nil {
		return ErrorAnswer(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := NewPromise(cancel)

	done := make(chan struct{})
	srv.mu.Lock()
	prev := srv.prev
	srv.prev = done
	srv.mu.Unlock()

	go func() {
		defer cancel()
		defer close(done)
		if prev != nil {
			<-prev
		}
		sc := &ServerCall{args: args}
		if err := sm.Impl(ctx, sc); err != nil {
			p.Reject(err)
			return
		}
		p.Fulfill(sc.results)
	}()
	return p
}

func (srv *server) Resolved() <-chan struct{} { return nil }

func (srv *server) ResolvedClient() *Client { return nil }

func (srv *server) Brand() any { return srv.brand }

func (srv *server) Shutdown() {}
