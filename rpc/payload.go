package rpc

import (
	"context"

	"go.uber.org/zap"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
)

// embargoEntry holds a barrier raised on a loopback capability: calls
// queue on the promise until the Disembargo echo confirms all earlier
// pipelined calls have drained through the peer.
type embargoEntry struct {
	resolver *capwire.ClientPromise
	target   *capwire.Client
}

// encodePayload wraps content in a payload struct and describes every
// capability in the message's table. It returns the export ids
// referenced, so a Finish with releaseResultCaps can drop them.
func (c *Conn) encodePayload(seg *capwire.Segment, content capwire.Ptr) (capwire.Struct, []uint32, error) {
	pl, err := capwire.NewStruct(seg, payloadSize)
	if err != nil {
		return capwire.Struct{}, nil, err
	}
	if err := pl.SetPtr(0, content); err != nil {
		return capwire.Struct{}, nil, err
	}

	caps := seg.Message().CapTable()
	if len(caps) == 0 {
		return pl, nil, nil
	}
	list, err := capwire.NewCompositeList(seg, capDescriptorSize, int32(len(caps)))
	if err != nil {
		return capwire.Struct{}, nil, err
	}
	var used []uint32
	for i, client := range caps {
		d, err := list.Struct(i)
		if err != nil {
			return capwire.Struct{}, nil, err
		}
		eid, exported, err := c.fillCapDescriptor(d, client)
		if err != nil {
			return capwire.Struct{}, nil, err
		}
		if exported {
			used = append(used, eid)
		}
	}
	if err := pl.SetPtr(1, list.ToPtr()); err != nil {
		return capwire.Struct{}, nil, err
	}
	return pl, used, nil
}

// fillCapDescriptor writes one capability descriptor. Imports from
// this connection go back as receiver-hosted ids; everything else is
// exported.
func (c *Conn) fillCapDescriptor(d capwire.Struct, client *capwire.Client) (uint32, bool, error) {
	if client == nil || !client.IsValid() {
		d.SetUint16(0, capDescNone)
		return 0, false, nil
	}
	if ib, ok := client.Brand().(importBrand); ok && ib.c == c {
		d.SetUint16(0, capDescReceiverHosted)
		d.SetUint32(4, ib.id)
		return 0, false, nil
	}
	id, isPromise, err := c.addExport(client)
	if err != nil {
		return 0, false, err
	}
	if isPromise {
		d.SetUint16(0, capDescSenderPromise)
	} else {
		d.SetUint16(0, capDescSenderHosted)
	}
	d.SetUint32(4, id)
	return id, true, nil
}

// addExport makes client visible to the peer, reusing an existing
// entry when the same capability is already exported. New promise
// exports get a watcher that sends Resolve once they settle.
func (c *Conn) addExport(client *capwire.Client) (uint32, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false, c.shutdownErr()
	}
	for id, ent := range c.exports {
		if ent != nil && ent.client.IsSame(client) {
			ent.wireRefs++
			isPromise := ent.isPromise
			c.mu.Unlock()
			return uint32(id), isPromise, nil
		}
	}
	ent := &exportEntry{
		client:    client.AddRef(),
		wireRefs:  1,
		isPromise: !client.IsResolved(),
	}
	var id uint32
	if n := len(c.efree); n > 0 {
		id = c.efree[n-1]
		c.efree = c.efree[:n-1]
		c.exports[id] = ent
	} else {
		id = uint32(len(c.exports))
		c.exports = append(c.exports, ent)
	}
	c.mu.Unlock()

	if ent.isPromise {
		go c.watchPromiseExport(id, ent.client)
	}
	return id, ent.isPromise, nil
}

// watchPromiseExport sends Resolve for a promise export once it
// settles on a concrete target.
func (c *Conn) watchPromiseExport(id uint32, client *capwire.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	resolveErr := client.Resolve(ctx)

	m, body, err := newProtoMessage(msgResolve, resolveSize)
	if err != nil {
		return
	}
	body.SetUint32(0, id)
	if resolveErr != nil {
		body.SetUint16(4, resolveException)
		if setException(body, 0, resolveErr) != nil {
			return
		}
	} else {
		body.SetUint16(4, resolveCap)
		d, derr := capwire.NewStruct(body.Segment(), capDescriptorSize)
		if derr != nil {
			return
		}
		if _, _, derr := c.fillCapDescriptor(d, client); derr != nil {
			return
		}
		if body.SetPtr(0, d.ToPtr()) != nil {
			return
		}
	}
	if err := c.send(m); err != nil {
		Logger().Debug("resolve send failed", zap.Uint32("export", id), zap.Error(err))
	}
}

// dropExportRef removes one wire reference from an export.
func (c *Conn) dropExportRef(id uint32) {
	c.mu.Lock()
	if int(id) >= len(c.exports) || c.exports[id] == nil {
		c.mu.Unlock()
		return
	}
	ent := c.exports[id]
	ent.wireRefs--
	if ent.wireRefs > 0 {
		c.mu.Unlock()
		return
	}
	c.exports[id] = nil
	c.efree = append(c.efree, id)
	c.mu.Unlock()
	ent.client.Release()
}

// decodePayload rebuilds the capability table described by a payload
// and returns the content struct. embargoTarget, when non-nil, marks
// this payload as a promise resolution: receiver-hosted capabilities
// in it are loopbacks that must be embargoed until the peer confirms
// earlier pipelined calls have drained.
func (c *Conn) decodePayload(pl capwire.Struct, m *capwire.Message, embargoTarget func(capwire.Struct) error) (capwire.Struct, error) {
	if !pl.IsValid() {
		return capwire.Struct{}, nil
	}
	tp, err := pl.Ptr(1)
	if err != nil {
		return capwire.Struct{}, err
	}
	if tp.IsList() {
		list := tp.List()
		caps := make([]*capwire.Client, list.Len())
		for i := range caps {
			d, err := list.Struct(i)
			if err != nil {
				return capwire.Struct{}, err
			}
			caps[i], err = c.clientFromDescriptor(d, embargoTarget)
			if err != nil {
				return capwire.Struct{}, err
			}
		}
		m.SetCapTable(caps)
	}

	cp, err := pl.Ptr(0)
	if err != nil {
		return capwire.Struct{}, err
	}
	return cp.Struct(), nil
}

// clientFromDescriptor turns one received capability descriptor into a
// live client.
func (c *Conn) clientFromDescriptor(d capwire.Struct, embargoTarget func(capwire.Struct) error) (*capwire.Client, error) {
	switch d.Uint16(0) {
	case capDescNone:
		return nil, nil
	case capDescSenderHosted:
		return c.addImport(d.Uint32(4), false)
	case capDescSenderPromise:
		return c.addImport(d.Uint32(4), true)
	case capDescReceiverHosted:
		id := d.Uint32(4)
		client := c.exportClient(id)
		if client == nil {
			return nil, errors.Protocol("descriptor references unknown export %d", id)
		}
		if embargoTarget == nil {
			return client, nil
		}
		return c.embargo(client, embargoTarget)
	case capDescReceiverAnswer:
		p, err := d.Ptr(0)
		if err != nil {
			return nil, err
		}
		pa := p.Struct()
		if !pa.IsValid() {
			return nil, errors.Protocol("receiver answer descriptor missing body")
		}
		qid, transform, err := readPromisedAnswer(pa)
		if err != nil {
			return nil, err
		}
		ent := c.answerByID(qid)
		if ent == nil {
			return nil, errors.Protocol("descriptor references unknown answer %d", qid)
		}
		return capwire.PipelineClient(ent.ans, transform), nil
	default:
		return nil, errors.Protocol("unknown capability descriptor variant %d", d.Uint16(0))
	}
}

// addImport creates or references the import entry for id.
func (c *Conn) addImport(id uint32, isPromise bool) (*capwire.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.shutdownErr()
	}
	if ent, ok := c.imports[id]; ok {
		if ref := ent.client.TryAddRef(); ref != nil {
			ent.refs++
			return ref, nil
		}
		// The last local reference died concurrently; fall through and
		// build a fresh entry.
	}
	hook := &importClient{c: c, id: id, isPromise: isPromise}
	if isPromise {
		hook.resolved = make(chan struct{})
	}
	client := capwire.NewClient(hook)
	c.imports[id] = &importEntry{client: client, hook: hook, refs: 1}
	return client, nil
}

// embargo wraps a loopback client in a queueing promise and starts the
// Disembargo round trip that will lift it.
func (c *Conn) embargo(client *capwire.Client, fillTarget func(capwire.Struct) error) (*capwire.Client, error) {
	promise, resolver := capwire.NewPromiseClient()
	ent := &embargoEntry{resolver: resolver, target: client}

	c.mu.Lock()
	var id uint32
	if n := len(c.embFree); n > 0 {
		id = c.embFree[n-1]
		c.embFree = c.embFree[:n-1]
		c.embargoes[id] = ent
	} else {
		id = uint32(len(c.embargoes))
		c.embargoes = append(c.embargoes, ent)
	}
	c.mu.Unlock()

	m, body, err := newProtoMessage(msgDisembargo, disembargoSize)
	if err != nil {
		return nil, err
	}
	body.SetUint32(0, id)
	body.SetUint16(4, disembargoSenderLoopback)
	if err := fillTarget(body); err != nil {
		return nil, err
	}
	if err := c.send(m); err != nil {
		return nil, err
	}
	Logger().Debug("embargo raised", zap.Uint32("embargo", id))
	return promise, nil
}

func (c *Conn) handleDisembargo(body capwire.Struct) error {
	id := body.Uint32(0)
	switch body.Uint16(4) {
	case disembargoSenderLoopback:
		// Validate the target, then echo. The channel's ordering
		// guarantees every call pipelined before the peer raised the
		// embargo has already been forwarded, so the echo is the
		// drain barrier the peer is waiting for.
		tp, err := body.Ptr(0)
		if err != nil {
			return err
		}
		if _, _, _, _, err := readTarget(tp.Struct()); err != nil {
			return err
		}
		m, echo, err := newProtoMessage(msgDisembargo, disembargoSize)
		if err != nil {
			return err
		}
		echo.SetUint32(0, id)
		echo.SetUint16(4, disembargoReceiverLoopback)
		return c.send(m)

	case disembargoReceiverLoopback:
		c.mu.Lock()
		var ent *embargoEntry
		if int(id) < len(c.embargoes) {
			ent = c.embargoes[id]
			c.embargoes[id] = nil
			c.embFree = append(c.embFree, id)
		}
		c.mu.Unlock()
		if ent == nil {
			return errors.Protocol("disembargo echo for unknown embargo %d", id)
		}
		Logger().Debug("embargo lifted", zap.Uint32("embargo", id))
		ent.resolver.Fulfill(ent.target)
		return nil

	default:
		return errors.Protocol("unknown disembargo variant %d", body.Uint16(4))
	}
}

func (c *Conn) handleResolve(body capwire.Struct, m *capwire.Message) error {
	id := body.Uint32(0)

	c.mu.Lock()
	ent := c.imports[id]
	c.mu.Unlock()
	if ent == nil || !ent.hook.isPromise {
		// The import may have been released already; nothing to
		// settle.
		return nil
	}

	switch body.Uint16(4) {
	case resolveCap:
		p, err := body.Ptr(0)
		if err != nil {
			return err
		}
		target, err := c.clientFromDescriptor(p.Struct(), func(tgt capwire.Struct) error {
			return setTarget(tgt, 0, id, true, 0, nil)
		})
		if err != nil {
			return err
		}
		if !ent.hook.resolve(target) {
			target.Release()
			return errors.Protocol("promise import %d resolved twice", id)
		}
	case resolveException:
		p, err := body.Ptr(0)
		if err != nil {
			return err
		}
		if !ent.hook.resolve(capwire.ErrorClient(readException(p.Struct()))) {
			return errors.Protocol("promise import %d resolved twice", id)
		}
	default:
		return errors.Protocol("unknown resolve variant %d", body.Uint16(4))
	}
	return nil
}
