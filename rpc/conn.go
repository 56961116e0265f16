package rpc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
)

// Options configures a connection.
type Options struct {
	// BootstrapClient is served to the peer's Bootstrap request. The
	// connection takes ownership of the reference.
	BootstrapClient *capwire.Client
}

// A Conn is one end of an RPC connection: a protocol state machine
// reacting to messages delivered in order by the transport. It tracks
// in-flight questions and answers, the capabilities exported to and
// imported from the peer, and active embargoes.
type Conn struct {
	t         Transport
	bootstrap *capwire.Client

	sendMu sync.Mutex // serializes Transport.Send

	mu        sync.Mutex
	closed    bool
	abortErr  error
	questions []*question
	qfree     []uint32
	answers   map[uint32]*answerEntry
	exports   []*exportEntry
	efree     []uint32
	imports   map[uint32]*importEntry
	embargoes []*embargoEntry
	embFree   []uint32

	done chan struct{}
}

// exportEntry is one capability made visible to the peer. wireRefs
// counts how many references the peer holds; the entry dies when the
// peer releases them all.
type exportEntry struct {
	client    *capwire.Client
	wireRefs  int
	isPromise bool
}

// importEntry is one capability the peer made visible to us. refs
// counts descriptors received, all owed back in a single Release.
type importEntry struct {
	client *capwire.Client
	hook   *importClient
	refs   int
}

// NewConn creates a connection over t and starts its receive loop.
// opts may be nil.
func NewConn(t Transport, opts *Options) *Conn {
	c := &Conn{
		t:       t,
		answers: make(map[uint32]*answerEntry),
		imports: make(map[uint32]*importEntry),
		done:    make(chan struct{}),
	}
	if opts != nil {
		c.bootstrap = opts.BootstrapClient
	}
	go c.receive()
	return c
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down, failing every pending question.
func (c *Conn) Close() error {
	c.fail(errors.Disconnected(nil))
	return nil
}

// Bootstrap asks the peer for its bootstrap capability. The result is
// usable immediately; calls pipeline on the pending answer.
func (c *Conn) Bootstrap(ctx context.Context) *capwire.Client {
	q, err := c.newQuestion()
	if err != nil {
		return capwire.ErrorClient(err)
	}
	m, body, err := newProtoMessage(msgBootstrap, bootstrapSize)
	if err != nil {
		return capwire.ErrorClient(err)
	}
	body.SetUint32(0, q.id)
	if err := c.send(m); err != nil {
		return capwire.ErrorClient(err)
	}
	Logger().Debug("bootstrap sent", zap.Uint32("question", q.id))
	return capwire.PipelineClient(q, []capwire.PipelineOp{{Field: 0}})
}

// newQuestion allocates a question id from the freelist table.
func (c *Conn) newQuestion() (*question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.shutdownErr()
	}
	q := &question{c: c, p: capwire.NewPromise(nil)}
	if n := len(c.qfree); n > 0 {
		q.id = c.qfree[n-1]
		c.qfree = c.qfree[:n-1]
		c.questions[q.id] = q
	} else {
		q.id = uint32(len(c.questions))
		c.questions = append(c.questions, q)
	}
	return q, nil
}

func (c *Conn) forgetQuestion(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < len(c.questions) && c.questions[id] != nil {
		c.questions[id] = nil
		c.qfree = append(c.qfree, id)
	}
}

func (c *Conn) questionByID(id uint32) *question {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.questions) {
		return nil
	}
	return c.questions[id]
}

func (c *Conn) shutdownErr() error {
	if c.abortErr != nil {
		return c.abortErr
	}
	return errors.Disconnected(nil)
}

// send serializes one outgoing protocol message.
func (c *Conn) send(m *capwire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.t.Send(m)
	m.ReleaseCaps()
	return err
}

// sendCall builds and sends a Call message. The target is written by
// fillTarget; the arguments are placed directly in the outgoing
// message. A new question tracking the answer is returned.
func (c *Conn) sendCall(ctx context.Context, call *capwire.Call, fillTarget func(capwire.Struct) error) (capwire.Answer, error) {
	q, err := c.newQuestion()
	if err != nil {
		return nil, err
	}
	m, body, err := newProtoMessage(msgCall, callSize)
	if err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}
	body.SetUint32(0, q.id)
	body.SetUint16(4, call.Method.MethodID)
	body.SetUint64(8, call.Method.InterfaceID)
	if err := fillTarget(body); err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}

	args, err := placeArgs(body.Segment(), call)
	if err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}
	payload, _, err := c.encodePayload(body.Segment(), args.ToPtr())
	if err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}
	if err := body.SetPtr(1, payload.ToPtr()); err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}
	if err := c.send(m); err != nil {
		c.forgetQuestion(q.id)
		return nil, err
	}
	Logger().Debug("call sent",
		zap.Uint32("question", q.id),
		zap.String("method", call.Method.String()))
	return q, nil
}

// placeArgs puts the call's arguments into seg's message, copying if
// they were already placed elsewhere.
func placeArgs(seg *capwire.Segment, call *capwire.Call) (capwire.Struct, error) {
	if call.ArgsFunc != nil {
		return call.PlaceArgs(seg)
	}
	return call.Args.CopyTo(seg)
}

func (c *Conn) sendFinish(id uint32, releaseResultCaps bool) {
	m, body, err := newProtoMessage(msgFinish, finishSize)
	if err != nil {
		return
	}
	body.SetUint32(0, id)
	body.SetBit(32, releaseResultCaps)
	if err := c.send(m); err != nil {
		Logger().Debug("finish send failed", zap.Uint32("question", id), zap.Error(err))
	}
}

// releaseImport tells the peer every reference to import id is gone.
func (c *Conn) releaseImport(id uint32) {
	c.mu.Lock()
	ent := c.imports[id]
	var refs int
	if ent != nil {
		refs = ent.refs
		delete(c.imports, id)
	}
	closed := c.closed
	c.mu.Unlock()
	if ent == nil || closed {
		return
	}
	m, body, err := newProtoMessage(msgRelease, releaseSize)
	if err != nil {
		return
	}
	body.SetUint32(0, id)
	body.SetUint32(4, uint32(refs))
	if err := c.send(m); err != nil {
		Logger().Debug("release send failed", zap.Uint32("import", id), zap.Error(err))
	}
}

// receive is the connection's message pump. Messages are handled
// strictly in arrival order; that ordering is what the embargo
// protocol builds on.
func (c *Conn) receive() {
	for {
		m, err := c.t.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.handle(m); err != nil {
			if errors.IsStructural(err) {
				err = errors.New(errors.PhaseRPC, errors.KindProtocol).
					Cause(err).
					Detail("malformed message").
					Build()
			}
			c.abort(err)
			return
		}
	}
}

func (c *Conn) handle(m *capwire.Message) error {
	which, body, err := protoBody(m)
	if err != nil {
		return err
	}
	switch which {
	case msgBootstrap:
		return c.handleBootstrap(body)
	case msgCall:
		return c.handleCall(body, m)
	case msgReturn:
		return c.handleReturn(body, m)
	case msgFinish:
		c.handleFinish(body)
		return nil
	case msgResolve:
		return c.handleResolve(body, m)
	case msgRelease:
		return c.handleRelease(body)
	case msgDisembargo:
		return c.handleDisembargo(body)
	case msgAbort:
		p, _ := body.Ptr(0)
		err := readException(p.Struct())
		Logger().Warn("connection aborted by peer", zap.Error(err))
		c.fail(err)
		return nil
	case msgUnimplemented:
		Logger().Warn("peer does not implement message",
			zap.String("which", msgWhich(body.Uint16(0)).String()))
		return nil
	default:
		// Echo unknown messages back rather than killing the
		// connection; newer peers degrade gracefully.
		Logger().Debug("unimplemented message received", zap.Uint16("which", uint16(which)))
		um, ubody, err := newProtoMessage(msgUnimplemented, capwire.ObjectSize{DataWords: 1})
		if err != nil {
			return nil
		}
		ubody.SetUint16(0, uint16(which))
		_ = c.send(um)
		return nil
	}
}

func (c *Conn) handleReturn(body capwire.Struct, m *capwire.Message) error {
	id := body.Uint32(0)
	q := c.questionByID(id)
	if q == nil {
		return errors.Protocol("return for unknown question %d", id)
	}
	if err := q.handleReturn(body, m); err != nil {
		return err
	}
	// The answer is resolved; let the peer drop it. Result caps stay
	// referenced through the import entries just created. The id is
	// reusable only once a Finish has been sent and this Return has
	// arrived, so the retirement happens here either way.
	q.mu.Lock()
	sent := q.finishSent
	q.finishSent = true
	q.mu.Unlock()
	if !sent {
		c.sendFinish(id, false)
	}
	c.forgetQuestion(id)
	return nil
}

func (c *Conn) handleRelease(body capwire.Struct) error {
	id := body.Uint32(0)
	count := int(body.Uint32(4))

	c.mu.Lock()
	if int(id) >= len(c.exports) || c.exports[id] == nil {
		c.mu.Unlock()
		// Idempotent: the export may already be gone.
		return nil
	}
	ent := c.exports[id]
	ent.wireRefs -= count
	if ent.wireRefs > 0 {
		c.mu.Unlock()
		return nil
	}
	bad := ent.wireRefs < 0
	c.exports[id] = nil
	c.efree = append(c.efree, id)
	c.mu.Unlock()

	if bad {
		return errors.Protocol("release drops more references than export %d has", id)
	}
	ent.client.Release()
	return nil
}

// abort reports a protocol violation to the peer, then tears the
// connection down.
func (c *Conn) abort(err error) {
	Logger().Warn("aborting connection", zap.Error(err))
	if m, body, merr := newProtoMessage(msgAbort, capwire.ObjectSize{PointerCount: 1}); merr == nil {
		if setException(body, 0, err) == nil {
			_ = c.send(m)
		}
	}
	c.fail(err)
}

// fail shuts the connection down with err, rejecting every pending
// question and dropping all tables.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.abortErr = err
	questions := c.questions
	c.questions = nil
	answers := c.answers
	c.answers = nil
	exports := c.exports
	c.exports = nil
	imports := c.imports
	c.imports = nil
	embargoes := c.embargoes
	c.embargoes = nil
	bootstrap := c.bootstrap
	c.bootstrap = nil
	c.mu.Unlock()

	_ = c.t.Close()

	for _, q := range questions {
		if q == nil {
			continue
		}
		q.mu.Lock()
		returned, released := q.returned, q.released
		q.released = true
		q.finishSent = true
		q.mu.Unlock()
		if !returned && !released {
			q.p.Reject(err)
		}
	}
	for _, a := range answers {
		a.abandon()
	}
	for _, e := range exports {
		if e != nil {
			e.client.Release()
		}
	}
	// Import entries die with the connection; no Release messages can
	// be sent once the transport is gone.
	_ = imports
	for _, emb := range embargoes {
		if emb != nil {
			emb.resolver.Reject(err)
			emb.target.Release()
		}
	}
	if bootstrap != nil {
		bootstrap.Release()
	}
	close(c.done)
}
