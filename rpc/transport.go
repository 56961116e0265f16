package rpc

import (
	"io"
	"sync"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/serialize"
)

// A Transport delivers whole messages between two endpoints, in order,
// reliably, without duplication. Send and Recv may be called
// concurrently with each other but not with themselves; Close unblocks
// a pending Recv.
type Transport interface {
	Send(*capwire.Message) error
	Recv() (*capwire.Message, error)
	Close() error
}

// streamTransport frames messages over a byte stream using the flat
// or packed encoding.
type streamTransport struct {
	rwc    io.ReadWriteCloser
	packed bool
	limits capwire.Limits
}

// NewStreamTransport frames flat-encoded messages over rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{rwc: rwc}
}

// NewPackedStreamTransport frames packed-encoded messages over rwc.
func NewPackedStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{rwc: rwc, packed: true}
}

func (t *streamTransport) Send(m *capwire.Message) error {
	if t.packed {
		return serialize.WritePacked(t.rwc, m)
	}
	return serialize.Write(t.rwc, m)
}

func (t *streamTransport) Recv() (*capwire.Message, error) {
	if t.packed {
		return serialize.ReadPacked(t.rwc, t.limits)
	}
	return serialize.Read(t.rwc, t.limits)
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

// pipe is one end of an in-process duplex transport. Messages cross
// through the serialized encoding, so a pipe behaves exactly like a
// byte stream, including capability table rebuilding on the far side.
type pipe struct {
	send chan<- []byte
	recv <-chan []byte

	mu     sync.Mutex
	closed chan struct{}
	peer   *pipe
}

// NewPipe creates a connected pair of in-process transports.
func NewPipe() (Transport, Transport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipe{send: ab, recv: ba, closed: make(chan struct{})}
	b := &pipe{send: ba, recv: ab, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipe) Send(m *capwire.Message) error {
	data, err := serialize.Marshal(m)
	if err != nil {
		return err
	}
	// The mutex orders Send against Close so a send never hits a
	// closed channel.
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return errors.Disconnected(io.ErrClosedPipe)
	default:
	}
	select {
	case <-p.peer.closed:
		return errors.Disconnected(io.ErrClosedPipe)
	case p.send <- data:
		return nil
	}
}

func (p *pipe) Recv() (*capwire.Message, error) {
	select {
	case <-p.closed:
		return nil, errors.Disconnected(io.ErrClosedPipe)
	case data, ok := <-p.recv:
		if !ok {
			return nil, errors.Disconnected(io.ErrClosedPipe)
		}
		return serialize.Unmarshal(data, capwire.Limits{})
	}
}

func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return nil
	default:
	}
	close(p.closed)
	close(p.send)
	return nil
}
