package capwire

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/capwire/capwire/errors"
)

const (
	calcInterfaceID = 0xbf5147cb06fdebc5
	calcAdd         = 0
	calcMakeValue   = 1

	valueInterfaceID = 0xc3653b30d7d5b6a1
	valueRead        = 0
)

// newCalcServer exposes add(a, b) and makeValue(n), the latter
// returning a capability whose read() yields n.
func newCalcServer() *Client {
	return NewServer([]ServerMethod{
		{
			Method: Method{InterfaceID: calcInterfaceID, MethodID: calcAdd},
			Impl: func(_ context.Context, sc *ServerCall) error {
				res, err := sc.AllocResults(ObjectSize{DataWords: 1})
				if err != nil {
					return err
				}
				res.SetInt64(0, sc.Args().Int64(0)+sc.Args().Int64(8))
				return nil
			},
		},
		{
			Method: Method{InterfaceID: calcInterfaceID, MethodID: calcMakeValue},
			Impl: func(_ context.Context, sc *ServerCall) error {
				res, err := sc.AllocResults(ObjectSize{PointerCount: 1})
				if err != nil {
					return err
				}
				seg, err := sc.ResultSegment()
				if err != nil {
					return err
				}
				id := seg.Message().AddCap(newValueServer(sc.Args().Int64(0)))
				return res.SetPtr(0, NewInterface(seg, id).ToPtr())
			},
		},
	}, "calc")
}

func newValueServer(n int64) *Client {
	return NewServer([]ServerMethod{
		{
			Method: Method{InterfaceID: valueInterfaceID, MethodID: valueRead},
			Impl: func(_ context.Context, sc *ServerCall) error {
				res, err := sc.AllocResults(ObjectSize{DataWords: 1})
				if err != nil {
					return err
				}
				res.SetInt64(0, n)
				return nil
			},
		},
	}, nil)
}

func callAdd(ctx context.Context, c *Client, a, b int64) Answer {
	return c.Call(ctx, &Call{
		Method:   Method{InterfaceID: calcInterfaceID, MethodID: calcAdd},
		ArgsSize: ObjectSize{DataWords: 2},
		ArgsFunc: func(s Struct) error {
			s.SetInt64(0, a)
			s.SetInt64(8, b)
			return nil
		},
	})
}

func TestServerDispatch(t *testing.T) {
	calc := newCalcServer()
	defer calc.Release()

	ans := callAdd(context.Background(), calc, 40, 2)
	res, err := ans.Struct()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := res.Int64(0); got != 42 {
		t.Errorf("add(40, 2) = %d, want 42", got)
	}
}

func TestServerUnimplemented(t *testing.T) {
	calc := newCalcServer()
	defer calc.Release()

	ans := calc.Call(context.Background(), &Call{
		Method: Method{InterfaceID: calcInterfaceID, MethodID: 99},
	})
	_, err := ans.Struct()
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindUnimplemented {
		t.Fatalf("unknown method: err = %v, want unimplemented", err)
	}
}

func TestServerCallOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	slow := NewServer([]ServerMethod{
		{
			Method: Method{InterfaceID: 1, MethodID: 0},
			Impl: func(_ context.Context, sc *ServerCall) error {
				n := sc.Args().Int64(0)
				if n == 0 {
					// Stall the first call; later calls must still
					// wait their turn behind it.
					time.Sleep(20 * time.Millisecond)
				}
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			},
		},
	}, nil)
	defer slow.Release()

	const n = 8
	answers := make([]Answer, n)
	for i := 0; i < n; i++ {
		i := int64(i)
		answers[i] = slow.Call(context.Background(), &Call{
			Method:   Method{InterfaceID: 1, MethodID: 0},
			ArgsSize: ObjectSize{DataWords: 1},
			ArgsFunc: func(s Struct) error {
				s.SetInt64(0, i)
				return nil
			},
		})
	}
	for i, ans := range answers {
		if _, err := ans.Struct(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != int64(i) {
			t.Fatalf("delivery order = %v, want ascending", order)
		}
	}
}

func TestPipelineCall(t *testing.T) {
	calc := newCalcServer()
	defer calc.Release()

	ans := calc.Call(context.Background(), &Call{
		Method:   Method{InterfaceID: calcInterfaceID, MethodID: calcMakeValue},
		ArgsSize: ObjectSize{DataWords: 1},
		ArgsFunc: func(s Struct) error {
			s.SetInt64(0, 7)
			return nil
		},
	})

	// Call read() on the result's field 0 before the outer answer is
	// necessarily resolved.
	pipelined := ans.PipelineCall(context.Background(), []PipelineOp{{Field: 0}}, &Call{
		Method: Method{InterfaceID: valueInterfaceID, MethodID: valueRead},
	})
	res, err := pipelined.Struct()
	if err != nil {
		t.Fatalf("pipelined read: %v", err)
	}
	if got := res.Int64(0); got != 7 {
		t.Errorf("pipelined read = %d, want 7", got)
	}
}

func TestPipelineClientSettles(t *testing.T) {
	calc := newCalcServer()
	defer calc.Release()

	ans := calc.Call(context.Background(), &Call{
		Method:   Method{InterfaceID: calcInterfaceID, MethodID: calcMakeValue},
		ArgsSize: ObjectSize{DataWords: 1},
		ArgsFunc: func(s Struct) error {
			s.SetInt64(0, 11)
			return nil
		},
	})
	value := PipelineClient(ans, []PipelineOp{{Field: 0}})
	defer value.Release()

	read := value.Call(context.Background(), &Call{
		Method: Method{InterfaceID: valueInterfaceID, MethodID: valueRead},
	})
	res, err := read.Struct()
	if err != nil {
		t.Fatalf("read through pipeline client: %v", err)
	}
	if got := res.Int64(0); got != 11 {
		t.Errorf("read = %d, want 11", got)
	}

	if err := value.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestPipelineOnNonCapabilityField(t *testing.T) {
	calc := newCalcServer()
	defer calc.Release()

	ans := callAdd(context.Background(), calc, 1, 2)
	pipelined := ans.PipelineCall(context.Background(), []PipelineOp{{Field: 0}}, &Call{
		Method: Method{InterfaceID: valueInterfaceID, MethodID: valueRead},
	})
	if _, err := pipelined.Struct(); err == nil {
		t.Fatal("pipelining on a data-only result succeeded")
	}
}

func TestPromiseClientQueuesUntilFulfilled(t *testing.T) {
	promise, resolver := NewPromiseClient()
	defer promise.Release()

	ans := callAdd(context.Background(), promise, 20, 22)
	select {
	case <-ans.Done():
		t.Fatal("answer resolved before the promise client was fulfilled")
	case <-time.After(10 * time.Millisecond):
	}

	calc := newCalcServer()
	resolver.Fulfill(calc)

	res, err := ans.Struct()
	if err != nil {
		t.Fatalf("queued call: %v", err)
	}
	if got := res.Int64(0); got != 42 {
		t.Errorf("queued add = %d, want 42", got)
	}

	// A post-resolution call goes straight through.
	res, err = callAdd(context.Background(), promise, 1, 1).Struct()
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Int64(0); got != 2 {
		t.Errorf("direct add = %d, want 2", got)
	}
}

func TestPromiseClientReject(t *testing.T) {
	promise, resolver := NewPromiseClient()
	defer promise.Release()

	ans := callAdd(context.Background(), promise, 1, 2)
	resolver.Reject(errors.Disconnected(stderrors.New("peer went away")))

	if _, err := ans.Struct(); err == nil {
		t.Fatal("call on rejected promise succeeded")
	}
}

func TestPromiseClientReleaseBeforeFulfill(t *testing.T) {
	promise, resolver := NewPromiseClient()

	ans := callAdd(context.Background(), promise, 20, 22)
	promise.Release()

	// The target handed to Fulfill has no owning reference left, so
	// settling must release it once the queued call drains.
	hook := &shutdownHook{shut: make(chan struct{})}
	resolver.Fulfill(NewClient(hook))

	select {
	case <-hook.shut:
	default:
		t.Fatal("target not released after fulfilling a released promise client")
	}
	if _, err := ans.Struct(); err == nil {
		t.Fatal("queued call on the test hook succeeded")
	}
}

// shutdownHook records whether Shutdown ran.
type shutdownHook struct {
	shut chan struct{}
}

func (h *shutdownHook) Call(context.Context, *Call) Answer {
	return ErrorAnswer(errors.Unimplemented("test hook"))
}

func (h *shutdownHook) Resolved() <-chan struct{} { return nil }

func (h *shutdownHook) ResolvedClient() *Client { return nil }

func (h *shutdownHook) Brand() any { return h }

func (h *shutdownHook) Shutdown() { close(h.shut) }

func TestClientRefCounting(t *testing.T) {
	hook := &shutdownHook{shut: make(chan struct{})}
	c := NewClient(hook)
	ref := c.AddRef()

	c.Release()
	select {
	case <-hook.shut:
		t.Fatal("hook shut down with a live reference outstanding")
	default:
	}
	if !ref.IsValid() {
		t.Fatal("second reference invalid after first released")
	}

	ref.Release()
	select {
	case <-hook.shut:
	default:
		t.Fatal("hook not shut down after last release")
	}
}

func TestReleasedClientFailsCalls(t *testing.T) {
	c := newCalcServer()
	c.Release()

	_, err := callAdd(context.Background(), c, 1, 2).Struct()
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindReleased {
		t.Fatalf("call on released client: err = %v, want released", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.IsValid() {
		t.Error("nil client reports valid")
	}
	c.Release()
	if c.AddRef() != nil {
		t.Error("AddRef on nil client returned non-nil")
	}
	if _, err := c.Call(context.Background(), &Call{}).Struct(); err == nil {
		t.Error("call on nil client succeeded")
	}
}

func TestErrorClient(t *testing.T) {
	boom := errors.Application("boom")
	c := ErrorClient(boom)
	defer c.Release()

	_, err := c.Call(context.Background(), &Call{}).Struct()
	if !stderrors.Is(err, boom) {
		t.Fatalf("error client returned %v, want %v", err, boom)
	}
}

func TestInterfaceRoundTrip(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	calc := newCalcServer()
	defer m.ReleaseCaps()

	id := m.AddCap(calc)
	if err := root.SetPtr(0, NewInterface(root.Segment(), id).ToPtr()); err != nil {
		t.Fatal(err)
	}

	p, err := root.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsCapability() {
		t.Fatal("pointer is not a capability")
	}
	got := p.Interface().Client()
	if got == nil || !got.IsSame(calc) {
		t.Fatal("capability table round trip lost the client")
	}
}
