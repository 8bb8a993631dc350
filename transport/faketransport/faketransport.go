// Package faketransport is an in-process fake implementing the transport
// package's collaborator interfaces, used by subchannel, balancer, and
// executor tests in place of a real HTTP/2 transport. It is the "in-process
// fake transport" component the expanded spec adds so the core's
// connection-lifecycle logic can be exercised deterministically without a
// network.
package faketransport

import (
	"context"
	"io"
	"sync"

	"github.com/relaygrpc/core/transport"
)

// Connection is a test double for transport.Connection whose lifecycle is
// driven entirely by explicit calls from the test (Succeed, Fail, GoAway,
// CloseWith) rather than by real I/O.
type Connection struct {
	mu        sync.Mutex
	events    chan transport.Event
	closeOnce sync.Once
	closed    chan struct{}
	streams   []*Stream
}

func newConnection() *Connection {
	return &Connection{
		events: make(chan transport.Event, 8),
		closed: make(chan struct{}),
	}
}

// Succeed publishes a connectSucceeded event.
func (c *Connection) Succeed() {
	c.events <- transport.Event{Kind: transport.EventConnectSucceeded}
}

// Fail publishes a connectFailed event carrying err.
func (c *Connection) Fail(err error) {
	c.events <- transport.Event{Kind: transport.EventConnectFailed, Err: err}
}

// GoAway publishes a goingAway event.
func (c *Connection) GoAway() {
	c.events <- transport.Event{Kind: transport.EventGoingAway}
}

// CloseWith publishes a closed(reason) event. wasIdle is only meaningful for
// transport.ClosedError, matching the disposition table in spec.md §4.C.
func (c *Connection) CloseWith(reason transport.ClosedReason, wasIdle bool) {
	c.events <- transport.Event{Kind: transport.EventClosed, Reason: reason, WasIdle: wasIdle}
}

// Events implements transport.Connection.
func (c *Connection) Events() <-chan transport.Event { return c.events }

// Run implements transport.Connection. It blocks until the fake is closed or
// ctx is cancelled, the way a real connection's read loop would.
func (c *Connection) Run(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements transport.Connection. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// MakeStream implements transport.Connection, returning an in-memory Stream
// the test can drive with Stream.Push and inspect with Stream.Sent.
func (c *Connection) MakeStream(ctx context.Context, desc transport.Descriptor, opts transport.StreamOptions) (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil, transport.ErrFailedPrecondition
	default:
	}
	st := &Stream{desc: desc, recv: make(chan any, 8), recvErr: make(chan error, 1), recvEOF: make(chan struct{})}
	c.streams = append(c.streams, st)
	return st, nil
}

// LastStream returns the most recently created Stream on this connection, or
// nil if none has been created.
func (c *Connection) LastStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

// Stream is a test double for transport.Stream.
type Stream struct {
	mu        sync.Mutex
	desc      transport.Descriptor
	sent      []any
	recv      chan any
	recvErr   chan error
	recvEOF   chan struct{}
	eofOnce   sync.Once
	closed    bool
}

// Push enqueues msg to be returned by the next Recv call, as if the fake
// peer had sent it.
func (s *Stream) Push(msg any) { s.recv <- msg }

// Fail enqueues an error to be returned by the next Recv call.
func (s *Stream) Fail(err error) { s.recvErr <- err }

// EndRecv causes every Recv call after every already-pushed message has been
// drained to return io.EOF, as if the fake peer had finished sending.
func (s *Stream) EndRecv() { s.eofOnce.Do(func() { close(s.recvEOF) }) }

// Sent returns every message handed to Send so far, in order.
func (s *Stream) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

// Send implements transport.Stream.
func (s *Stream) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrFailedPrecondition
	}
	s.sent = append(s.sent, msg)
	return nil
}

// Recv implements transport.Stream. Once EndRecv has been called, Recv
// drains any already-pushed messages first and only then returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (any, error) {
	select {
	case msg := <-s.recv:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.recv:
		return msg, nil
	case err := <-s.recvErr:
		return nil, err
	case <-s.recvEOF:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSend implements transport.Stream.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Connector is a test double for transport.Connector. Each call to
// EstablishConnection creates a new Connection that the test drives
// manually; Dialed records every address dialed, in order, so tests can
// assert on address-iteration behavior (e.g. the subchannel's round-robin
// cycling through an endpoint's addresses).
type Connector struct {
	mu       sync.Mutex
	dialed   []string
	onDial   func(addr string) (*Connection, error)
	byAddr   map[string][]*Connection
}

// NewConnector constructs a Connector. If onDial is nil, EstablishConnection
// always succeeds in creating a (not-yet-connected) Connection; the test
// must still call Succeed/Fail on it to drive the handshake outcome.
func NewConnector(onDial func(addr string) (*Connection, error)) *Connector {
	return &Connector{onDial: onDial, byAddr: make(map[string][]*Connection)}
}

// EstablishConnection implements transport.Connector.
func (c *Connector) EstablishConnection(ctx context.Context, addr string) (transport.Connection, error) {
	c.mu.Lock()
	c.dialed = append(c.dialed, addr)
	c.mu.Unlock()

	if c.onDial != nil {
		conn, err := c.onDial(addr)
		if err != nil {
			return nil, err
		}
		c.track(addr, conn)
		return conn, nil
	}
	conn := newConnection()
	c.track(addr, conn)
	return conn, nil
}

func (c *Connector) track(addr string, conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byAddr[addr] = append(c.byAddr[addr], conn)
}

// Dialed returns every address EstablishConnection was called with, in
// order.
func (c *Connector) Dialed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.dialed))
	copy(out, c.dialed)
	return out
}

// LastConnectionTo returns the most recent Connection dialed for addr, or
// nil if none has been dialed.
func (c *Connector) LastConnectionTo(addr string) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := c.byAddr[addr]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// NewConnection exposes connection construction for tests that build
// Connections directly (e.g. via a custom onDial hook).
func NewConnection() *Connection { return newConnection() }
