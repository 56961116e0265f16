package rpc

import (
	"context"
	"sync"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
)

// A question is the caller-side record of an in-flight call. It
// implements capwire.Answer: pipelined calls made before the Return
// arrives are sent over the wire targeting the promised answer, so no
// round trip is spent waiting for the intermediate result.
type question struct {
	c  *Conn
	id uint32
	p  *capwire.Promise

	mu       sync.Mutex
	returned bool
	// finishSent records that a Finish went over the wire; released
	// records that the local holder is done with the answer. The
	// connection finishes a question as soon as its Return arrives,
	// before the holder releases it.
	finishSent bool
	released   bool
	// resultMsg keeps the Return's message alive while views into it
	// exist.
	resultMsg *capwire.Message
}

func (q *question) Struct() (capwire.Struct, error) {
	return q.p.Struct()
}

func (q *question) Done() <-chan struct{} {
	return q.p.Done()
}

// PipelineCall issues a dependent call on the eventual result. Before
// the Return arrives the call is forwarded to the peer against the
// promised answer; afterwards it dispatches through the imported
// result directly.
func (q *question) PipelineCall(ctx context.Context, transform []capwire.PipelineOp, call *capwire.Call) capwire.Answer {
	q.mu.Lock()
	returned, released := q.returned, q.released
	q.mu.Unlock()
	if released {
		return capwire.ErrorAnswer(errors.Released("pipelined call on released question"))
	}
	if returned {
		return q.p.PipelineCall(ctx, transform, call)
	}
	ans, err := q.c.sendCall(ctx, call, func(body capwire.Struct) error {
		return setTarget(body, 0, 0, false, q.id, transform)
	})
	if err != nil {
		return capwire.ErrorAnswer(err)
	}
	return ans
}

// Release finishes the question: the peer may drop the answer and
// release the result's capabilities. Releasing before the Return
// arrives cancels the remote call. The id stays allocated until the
// Return comes back; the peer always sends one, and retiring the id
// early would let a crossing Return land on a recycled question.
func (q *question) Release() {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return
	}
	q.released = true
	sendFinish := !q.finishSent
	q.finishSent = true
	returned := q.returned
	resultMsg := q.resultMsg
	q.resultMsg = nil
	q.mu.Unlock()

	if sendFinish {
		q.c.sendFinish(q.id, true)
	}
	if !returned {
		q.p.Reject(errors.Canceled("question finished before return"))
	}
	if resultMsg != nil {
		resultMsg.ReleaseCaps()
	}
}

// handleReturn resolves the question from an incoming Return body.
func (q *question) handleReturn(body capwire.Struct, payloadMsg *capwire.Message) error {
	q.mu.Lock()
	if q.returned {
		q.mu.Unlock()
		return errors.Protocol("duplicate return for question %d", q.id)
	}
	q.returned = true
	released := q.released
	q.mu.Unlock()

	if released {
		// Released before the Return arrived; the promise was already
		// rejected and the peer was told to drop result caps, so any
		// payload here is discarded without decoding.
		return nil
	}

	switch body.Uint16(4) {
	case returnResults:
		p, err := body.Ptr(0)
		if err != nil {
			return err
		}
		// Receiver-hosted capabilities in the result are loopbacks:
		// direct local calls on them could overtake calls pipelined on
		// this question, so they come back embargoed.
		content, err := q.c.decodePayload(p.Struct(), payloadMsg, func(tgt capwire.Struct) error {
			return setTarget(tgt, 0, 0, false, q.id, nil)
		})
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.resultMsg = payloadMsg
		q.mu.Unlock()
		q.p.Fulfill(content)
	case returnException:
		p, err := body.Ptr(0)
		if err != nil {
			return err
		}
		q.p.Reject(readException(p.Struct()))
	case returnCanceled:
		q.p.Reject(errors.Canceled("call canceled by callee"))
	default:
		return errors.Protocol("unknown return variant %d", body.Uint16(4))
	}
	return nil
}

// importClient is the hook behind a capability imported from the peer.
// Calls are forwarded as Call messages targeting the import id.
type importClient struct {
	c  *Conn
	id uint32

	// promise imports settle when a Resolve message arrives.
	isPromise bool
	resolved  chan struct{}

	mu       sync.Mutex
	target   *capwire.Client
	settled  bool
	shutdown bool
}

func (ic *importClient) Call(ctx context.Context, call *capwire.Call) capwire.Answer {
	ans, err := ic.c.sendCall(ctx, call, func(body capwire.Struct) error {
		return setTarget(body, 0, ic.id, true, 0, nil)
	})
	if err != nil {
		return capwire.ErrorAnswer(err)
	}
	return ans
}

func (ic *importClient) Resolved() <-chan struct{} {
	if !ic.isPromise {
		return nil
	}
	return ic.resolved
}

func (ic *importClient) ResolvedClient() *capwire.Client {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.target
}

// resolve settles a promise import on its final target. It reports
// false if the import was already settled.
func (ic *importClient) resolve(target *capwire.Client) bool {
	ic.mu.Lock()
	if ic.settled {
		ic.mu.Unlock()
		return false
	}
	ic.settled = true
	ic.target = target
	ic.mu.Unlock()
	close(ic.resolved)
	return true
}

// importBrand identifies an import's connection and id, letting the
// payload encoder turn a client back into a receiver-hosted
// descriptor.
type importBrand struct {
	c  *Conn
	id uint32
}

func (ic *importClient) Brand() any { return importBrand{ic.c, ic.id} }

// Shutdown notifies the peer that every local reference to the import
// is gone, coalescing all received wire references into one Release.
func (ic *importClient) Shutdown() {
	ic.mu.Lock()
	if ic.shutdown {
		ic.mu.Unlock()
		return
	}
	ic.shutdown = true
	target := ic.target
	ic.target = nil
	ic.mu.Unlock()

	ic.c.releaseImport(ic.id)
	if target != nil {
		target.Release()
	}
}
