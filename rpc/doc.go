// Package rpc runs the capability protocol over a message transport.
//
// A Conn is one end of a two-party session. Each side may expose a
// bootstrap capability; the peer obtains it with Bootstrap and makes
// calls on it, receiving further capabilities in results. Every
// capability crossing the wire is tracked in per-connection export and
// import tables, reference counted so both sides agree on lifetime.
//
// # Transports
//
// A Transport delivers whole messages in order. NewStreamTransport
// frames messages over any io.ReadWriteCloser with the flat encoding;
// NewPackedStreamTransport does the same with the packed encoding.
// NewPipe returns a connected in-process pair, useful for tests and
// for wiring two components through the full protocol without a
// socket.
//
// # Sessions
//
//	srv := rpc.NewConn(t1, &rpc.Options{BootstrapClient: client})
//	cli := rpc.NewConn(t2, nil)
//
//	remote := cli.Bootstrap(ctx)
//	defer remote.Release()
//	ans := remote.Call(ctx, call)
//
// Calls on a not-yet-returned answer pipeline: they are sent to the
// peer addressed at the promised result, so a chain of dependent
// calls costs one round trip, not one per call. When a promise
// resolves to a capability hosted by the caller itself, the
// connection embargoes it until the peer confirms all earlier
// pipelined calls have drained, preserving delivery order.
//
// A protocol violation aborts the connection: the peer is told why,
// every pending question fails, and both tables are dropped. Close
// does the same without the accusation.
package rpc
