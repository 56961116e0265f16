package capwire

import (
	"context"
	"strconv"
	"sync"

	"github.com/capwire/capwire/errors"
)

// An Answer is the deferred result of a call. Answers may be used
// before they resolve: PipelineCall issues a dependent call on a field
// of the not-yet-available result, preserving issue order. Answers
// must be safe for concurrent use.
type Answer interface {
	// Struct blocks until the call finishes and returns the result.
	Struct() (Struct, error)

	// Done returns a channel closed when the call is finished. It must
	// always return the same channel.
	Done() <-chan struct{}

	// PipelineCall sends a call to the capability reached by applying
	// transform to the eventual result.
	PipelineCall(ctx context.Context, transform []PipelineOp, call *Call) Answer

	// Release signals that the caller no longer needs the answer.
	// Unreturned remote calls are cancelled; the result's capabilities
	// are dropped.
	Release()
}

// A PipelineOp is one step in descending from an answer's root to a
// pipelined capability: a pointer-field index.
type PipelineOp struct {
	Field uint16
}

// String returns a human-readable description of op.
func (op PipelineOp) String() string {
	return "get field " + strconv.FormatUint(uint64(op.Field), 10)
}

// Transform applies a sequence of pipeline operations to a pointer.
func Transform(p Ptr, transform []PipelineOp) (Ptr, error) {
	n := len(transform)
	if n == 0 {
		return p, nil
	}
	s := p.Struct()
	for _, op := range transform[:n-1] {
		field, err := s.Ptr(op.Field)
		if err != nil {
			return Ptr{}, err
		}
		s = field.Struct()
	}
	return s.Ptr(transform[n-1].Field)
}

// clientFromResolution descends a resolved result to the pipelined
// capability, turning failures into error clients.
func clientFromResolution(obj Ptr, err error, transform []PipelineOp) *Client {
	if err != nil {
		return ErrorClient(err)
	}
	out, terr := Transform(obj, transform)
	if terr != nil {
		return ErrorClient(terr)
	}
	c := out.Interface().Client()
	if c == nil {
		return ErrorClient(errors.Released("pipelined field is not a capability"))
	}
	return c
}

// A Promise is a fulfillable Answer. Pipelined calls made before
// resolution are queued and dispatched in issue order once the
// promise settles, before Done is closed.
type Promise struct {
	done   chan struct{}
	cancel func()

	mu       sync.Mutex
	resolved bool
	result   Struct
	err      error
	queue    []func()
}

// NewPromise creates an unresolved answer. cancel, if non-nil, is
// invoked when the answer is released before resolution.
func NewPromise(cancel func()) *Promise {
	return &Promise{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Fulfill resolves the promise with a result.
func (p *Promise) Fulfill(s Struct) {
	p.resolve(s, nil)
}

// Reject resolves the promise with an error.
func (p *Promise) Reject(err error) {
	if err == nil {
		panic("capwire: Promise.Reject(nil)")
	}
	p.resolve(Struct{}, err)
}

func (p *Promise) resolve(s Struct, err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		panic("capwire: promise resolved twice")
	}
	p.result, p.err = s, err
	// Drain queued pipeline dispatches in issue order. New arrivals
	// during the drain append behind and are picked up before the
	// promise reports resolved.
	for len(p.queue) > 0 {
		q := p.queue
		p.queue = nil
		p.mu.Unlock()
		for _, thunk := range q {
			thunk()
		}
		p.mu.Lock()
	}
	p.resolved = true
	p.mu.Unlock()
	close(p.done)
}

// Struct blocks until the promise resolves.
func (p *Promise) Struct() (Struct, error) {
	<-p.done
	return p.result, p.err
}

// Done returns the resolution channel.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// PipelineCall issues a dependent call on the eventual result.
func (p *Promise) PipelineCall(ctx context.Context, transform []PipelineOp, call *Call) Answer {
	// Queued dispatch must not hold onto a caller-owned ArgsFunc past
	// return; place the arguments now.
	placed, err := call.Copy(nil)
	if err != nil {
		return ErrorAnswer(err)
	}

	p.mu.Lock()
	if !p.resolved {
		child := NewPromise(nil)
		p.queue = append(p.queue, func() {
			c := clientFromResolution(p.result.ToPtr(), p.err, transform)
			pipe(c.Call(ctx, placed), child)
		})
		p.mu.Unlock()
		return child
	}
	result, rerr := p.result, p.err
	p.mu.Unlock()

	return clientFromResolution(result.ToPtr(), rerr, transform).Call(ctx, placed)
}

// Release cancels an unresolved promise.
func (p *Promise) Release() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	resolved := p.resolved
	p.mu.Unlock()
	if !resolved && cancel != nil {
		cancel()
	}
}

// pipe forwards ans's eventual result into child.
func pipe(ans Answer, child *Promise) {
	go func() {
		s, err := ans.Struct()
		if err != nil {
			child.Reject(err)
		} else {
			child.Fulfill(s)
		}
	}()
}

// immediateAnswer is an already-resolved answer.
type immediateAnswer struct {
	s Struct
}

// ImmediateAnswer returns an answer that is already resolved to s.
func ImmediateAnswer(s Struct) Answer {
	return immediateAnswer{s: s}
}

func (ans immediateAnswer) Struct() (Struct, error) { return ans.s, nil }

func (ans immediateAnswer) Done() <-chan struct{} { return closedSignal }

func (ans immediateAnswer) PipelineCall(ctx context.Context, transform []PipelineOp, call *Call) Answer {
	return clientFromResolution(ans.s.ToPtr(), nil, transform).Call(ctx, call)
}

func (ans immediateAnswer) Release() {}

// errorAnswer is an answer that has already failed.
type errorAnswer struct {
	err error
}

// ErrorAnswer returns an answer that always fails with err.
func ErrorAnswer(err error) Answer {
	return errorAnswer{err: err}
}

func (ans errorAnswer) Struct() (Struct, error) { return Struct{}, ans.err }

func (ans errorAnswer) Done() <-chan struct{} { return closedSignal }

func (ans errorAnswer) PipelineCall(context.Context, []PipelineOp, *Call) Answer {
	return ans
}

func (ans errorAnswer) Release() {}

// pipelineClient is a client view of one pipelined field of an answer.
type pipelineClient struct {
	ans       Answer
	transform []PipelineOp

	once   sync.Once
	target *Client
}

// PipelineClient returns a client whose calls are pipelined through
// ans at the given transform. The client resolves once the answer
// does and takes ownership of ans: releasing the last client
// reference releases the answer.
func PipelineClient(ans Answer, transform []PipelineOp) *Client {
	return NewClient(&pipelineClient{ans: ans, transform: transform})
}

func (pc *pipelineClient) join() *Client {
	pc.once.Do(func() {
		s, err := pc.ans.Struct()
		pc.target = clientFromResolution(s.ToPtr(), err, pc.transform)
	})
	return pc.target
}

func (pc *pipelineClient) Call(ctx context.Context, call *Call) Answer {
	return pc.ans.PipelineCall(ctx, pc.transform, call)
}

func (pc *pipelineClient) Resolved() <-chan struct{} {
	return pc.ans.Done()
}

func (pc *pipelineClient) ResolvedClient() *Client {
	return pc.join()
}

func (pc *pipelineClient) Brand() any {
	select {
	case <-pc.ans.Done():
		return pc.join().Brand()
	default:
		return pc
	}
}

func (pc *pipelineClient) Shutdown() {
	pc.ans.Release()
}

// promiseClient queues calls until it is told its concrete target,
// then forwards them in arrival order.
type promiseClient struct {
	resolved chan struct{}

	mu       sync.Mutex
	target   *Client
	err      error
	queue    []queuedCall
	done     bool
	shutdown bool
}

type queuedCall struct {
	ctx   context.Context
	call  *Call
	child *Promise
}

// A ClientPromise settles a promise client created by
// NewPromiseClient.
type ClientPromise struct {
	pc *promiseClient
}

// NewPromiseClient returns a client whose target is not yet known and
// the resolver that will supply it. Calls made before resolution are
// delivered, in order, once Fulfill or Reject is called.
func NewPromiseClient() (*Client, *ClientPromise) {
	pc := &promiseClient{resolved: make(chan struct{})}
	return NewClient(pc), &ClientPromise{pc: pc}
}

// Fulfill hands the promise client its concrete target. The promise
// takes ownership of the reference.
func (cp *ClientPromise) Fulfill(target *Client) {
	cp.pc.settle(target, nil)
}

// Reject fails the promise client and every queued call.
func (cp *ClientPromise) Reject(err error) {
	cp.pc.settle(nil, err)
}

func (pc *promiseClient) settle(target *Client, err error) {
	pc.mu.Lock()
	if pc.done {
		pc.mu.Unlock()
		panic("capwire: promise client settled twice")
	}
	pc.target, pc.err = target, err
	for len(pc.queue) > 0 {
		q := pc.queue
		pc.queue = nil
		pc.mu.Unlock()
		for _, qc := range q {
			pipe(pc.dispatch(qc.ctx, qc.call), qc.child)
		}
		pc.mu.Lock()
	}
	pc.done = true
	// The last client reference may already be gone; the target then
	// has no owner left and is dropped here, after the queue drained.
	released := pc.shutdown
	if released {
		pc.target = nil
	}
	pc.mu.Unlock()
	close(pc.resolved)
	if released && target != nil {
		target.Release()
	}
}

func (pc *promiseClient) dispatch(ctx context.Context, call *Call) Answer {
	if pc.err != nil {
		return ErrorAnswer(pc.err)
	}
	if pc.target == nil {
		return ErrorAnswer(errors.Released("promise resolved to null client"))
	}
	return pc.target.Call(ctx, call)
}

func (pc *promiseClient) Call(ctx context.Context, call *Call) Answer {
	placed, err := call.Copy(nil)
	if err != nil {
		return ErrorAnswer(err)
	}
	pc.mu.Lock()
	if !pc.done {
		child := NewPromise(nil)
		pc.queue = append(pc.queue, queuedCall{ctx: ctx, call: placed, child: child})
		pc.mu.Unlock()
		return child
	}
	pc.mu.Unlock()
	return pc.dispatch(ctx, placed)
}

func (pc *promiseClient) Resolved() <-chan struct{} {
	return pc.resolved
}

func (pc *promiseClient) ResolvedClient() *Client {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.target
}

func (pc *promiseClient) Brand() any { return pc }

func (pc *promiseClient) Shutdown() {
	pc.mu.Lock()
	pc.shutdown = true
	var target *Client
	if pc.done {
		target = pc.target
		pc.target = nil
	}
	pc.mu.Unlock()
	if target != nil {
		target.Release()
	}
}

var closedSignal = newClosedSignal()

func newClosedSignal() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
