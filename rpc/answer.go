package rpc

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
)

// answerEntry is the callee-side record of a received call: the local
// dispatch in flight, kept until the caller sends Finish so late
// pipelined calls still find their target.
type answerEntry struct {
	c      *Conn
	id     uint32
	ans    capwire.Answer
	cancel context.CancelFunc
	// argsMsg owns the received argument capabilities until the local
	// dispatch finishes.
	argsMsg *capwire.Message

	mu            sync.Mutex
	returned      bool
	finished      bool
	resultExports []uint32
}

// newAnswer registers an answer id chosen by the peer. Reusing a live
// id is a protocol violation.
func (c *Conn) newAnswer(id uint32) (*answerEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.shutdownErr()
	}
	if _, ok := c.answers[id]; ok {
		return nil, errors.Protocol("question id %d is already in use", id)
	}
	ent := &answerEntry{c: c, id: id}
	c.answers[id] = ent
	return ent, nil
}

func (c *Conn) answerByID(id uint32) *answerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers[id]
}

func (c *Conn) handleBootstrap(body capwire.Struct) error {
	id := body.Uint32(0)
	ent, err := c.newAnswer(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	bootstrap := c.bootstrap.TryAddRef()
	c.mu.Unlock()
	if bootstrap == nil {
		ent.ans = capwire.ErrorAnswer(errors.Unimplemented("no bootstrap capability"))
	} else {
		res, err := bootstrapResult(bootstrap)
		if err != nil {
			bootstrap.Release()
			ent.ans = capwire.ErrorAnswer(err)
		} else {
			ent.ans = capwire.ImmediateAnswer(res)
		}
	}
	go ent.respond()
	return nil
}

// bootstrapResult wraps the bootstrap capability in a one-pointer
// result struct, so bootstrap answers pipeline like any other.
func bootstrapResult(client *capwire.Client) (capwire.Struct, error) {
	m, err := capwire.NewMessage(capwire.SingleSegment(nil))
	if err != nil {
		return capwire.Struct{}, err
	}
	root, err := capwire.NewRootStruct(m, capwire.ObjectSize{PointerCount: 1})
	if err != nil {
		return capwire.Struct{}, err
	}
	id := m.AddCap(client)
	if err := root.SetPtr(0, capwire.NewInterface(root.Segment(), id).ToPtr()); err != nil {
		return capwire.Struct{}, err
	}
	return root, nil
}

func (c *Conn) handleCall(body capwire.Struct, m *capwire.Message) error {
	id := body.Uint32(0)
	method := capwire.Method{
		InterfaceID: body.Uint64(8),
		MethodID:    body.Uint16(4),
	}

	tp, err := body.Ptr(0)
	if err != nil {
		return err
	}
	importID, isImport, targetQID, transform, err := readTarget(tp.Struct())
	if err != nil {
		return err
	}

	pp, err := body.Ptr(1)
	if err != nil {
		return err
	}
	args, err := c.decodePayload(pp.Struct(), m, nil)
	if err != nil {
		return err
	}

	ent, err := c.newAnswer(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	ent.cancel = cancel
	ent.argsMsg = m
	call := &capwire.Call{Method: method, Args: args}

	if isImport {
		client := c.exportClient(importID)
		if client == nil {
			c.removeAnswer(id)
			cancel()
			return errors.Protocol("call targets unknown export %d", importID)
		}
		ent.ans = client.Call(ctx, call)
		client.Release()
	} else {
		target := c.answerByID(targetQID)
		if target == nil || target == ent {
			c.removeAnswer(id)
			cancel()
			return errors.Protocol("call targets unknown answer %d", targetQID)
		}
		ent.ans = target.ans.PipelineCall(ctx, transform, call)
	}
	Logger().Debug("call received",
		zap.Uint32("answer", id),
		zap.String("method", method.String()))
	go ent.respond()
	return nil
}

// exportClient borrows a new reference to export id's client.
func (c *Conn) exportClient(id uint32) *capwire.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.exports) || c.exports[id] == nil {
		return nil
	}
	return c.exports[id].client.TryAddRef()
}

// respond waits for the local dispatch and sends the Return. Every
// call gets exactly one Return, even when the caller's Finish arrives
// first: the caller keeps the question id allocated until the Return
// crosses, so suppressing it would leak the id.
func (ent *answerEntry) respond() {
	s, err := ent.ans.Struct()

	m, body, merr := newProtoMessage(msgReturn, returnSize)
	if merr != nil {
		ent.releaseArgs()
		return
	}
	body.SetUint32(0, ent.id)

	// finished and resultExports are decided under one lock hold:
	// handleFinish either sees the exports recorded here, or arrives
	// first and gets a canceled Return that exported nothing.
	ent.mu.Lock()
	canceled := ent.finished
	if canceled {
		body.SetUint16(4, returnCanceled)
	} else if err == nil {
		body.SetUint16(4, returnResults)
		content, cerr := s.CopyTo(body.Segment())
		if cerr != nil {
			err = cerr
		} else {
			payload, used, perr := ent.c.encodePayload(body.Segment(), content.ToPtr())
			if perr != nil {
				err = perr
			} else if perr := body.SetPtr(0, payload.ToPtr()); perr != nil {
				err = perr
			} else {
				ent.resultExports = used
			}
		}
	}
	ent.returned = true
	ent.mu.Unlock()

	if err != nil && !canceled {
		var e *errors.Error
		if stderrors.As(err, &e) && e.Kind == errors.KindCanceled {
			body.SetUint16(4, returnCanceled)
		} else {
			body.SetUint16(4, returnException)
			if serr := setException(body, 0, err); serr != nil {
				ent.releaseArgs()
				return
			}
		}
	}
	if serr := ent.c.send(m); serr != nil {
		Logger().Debug("return send failed", zap.Uint32("answer", ent.id), zap.Error(serr))
	}
	ent.releaseArgs()
}

// releaseArgs drops the argument capabilities once the dispatch is
// over and they are no longer reachable through this answer.
func (ent *answerEntry) releaseArgs() {
	if ent.argsMsg != nil {
		ent.argsMsg.ReleaseCaps()
	}
}

func (c *Conn) handleFinish(body capwire.Struct) {
	id := body.Uint32(0)
	releaseResultCaps := body.Bit(32)

	ent := c.removeAnswer(id)
	if ent == nil {
		// Idempotent: the answer may already be gone.
		return
	}
	ent.mu.Lock()
	returned := ent.returned
	ent.finished = true
	used := ent.resultExports
	ent.resultExports = nil
	ent.mu.Unlock()

	if !returned && ent.cancel != nil {
		ent.cancel()
	}
	ent.ans.Release()
	if returned {
		// The result message's own capability references are no
		// longer needed; exports hold their own.
		if s, err := ent.ans.Struct(); err == nil && s.IsValid() {
			s.Segment().Message().ReleaseCaps()
		}
		if releaseResultCaps {
			for _, eid := range used {
				c.dropExportRef(eid)
			}
		}
	}
}

func (c *Conn) removeAnswer(id uint32) *answerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent := c.answers[id]
	if ent != nil {
		delete(c.answers, id)
	}
	return ent
}

// abandon tears an answer down during connection shutdown.
func (ent *answerEntry) abandon() {
	ent.mu.Lock()
	if ent.finished {
		ent.mu.Unlock()
		return
	}
	ent.finished = true
	ent.mu.Unlock()
	if ent.cancel != nil {
		ent.cancel()
	}
	if ent.ans != nil {
		ent.ans.Release()
	}
}
