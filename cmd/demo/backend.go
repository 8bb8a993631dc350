package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaygrpc/core/transport"
)

// echoConnector is the demo's simulated backend: an in-process stand-in for
// a real dialed gRPC server, playing the role the expanded spec's
// faketransport package plays in tests, but driving itself (connects
// automatically, echoes every request back prefixed "ack:") instead of being
// manually stepped by a test. It lets the demo exercise the balancer and
// executor without a real network listener, matching spec.md §1's framing
// and HTTP/2 transport out of scope.
type echoConnector struct {
	mu           sync.Mutex
	down         map[string]bool
	requestCount int
}

func newEchoConnector(requestCount int) *echoConnector {
	return &echoConnector{down: make(map[string]bool), requestCount: requestCount}
}

// setDown marks addr as refusing new connections, for demonstrating the
// retry throttle and subchannel backoff.
func (c *echoConnector) setDown(addr string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[addr] = down
}

func (c *echoConnector) isDown(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down[addr]
}

func (c *echoConnector) EstablishConnection(ctx context.Context, addr string) (transport.Connection, error) {
	conn := &echoConnection{
		addr:         addr,
		requestCount: c.requestCount,
		events:       make(chan transport.Event, 4),
		closed:       make(chan struct{}),
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		if c.isDown(addr) {
			conn.events <- transport.Event{Kind: transport.EventConnectFailed, Err: fmt.Errorf("%s: connection refused", addr)}
			return
		}
		conn.events <- transport.Event{Kind: transport.EventConnectSucceeded}
	}()
	return conn, nil
}

type echoConnection struct {
	addr         string
	requestCount int
	events       chan transport.Event
	closeOnce    sync.Once
	closed       chan struct{}
}

func (c *echoConnection) Events() <-chan transport.Event { return c.events }

func (c *echoConnection) Run(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *echoConnection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *echoConnection) MakeStream(ctx context.Context, desc transport.Descriptor, opts transport.StreamOptions) (transport.Stream, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrFailedPrecondition
	default:
	}
	return &echoStream{addr: c.addr, total: c.requestCount, recv: make(chan any, 8)}, nil
}

// echoStream echoes every sent message back prefixed "ack:", and reports
// io.EOF once it has delivered as many responses as the scenario's request
// count — the demo knows in advance how many requests each attempt sends, so
// it can simulate a well-behaved server that closes its send side once it
// has answered all of them.
type echoStream struct {
	addr  string
	total int

	mu        sync.Mutex
	delivered int
	recv      chan any
	closed    bool
}

func (s *echoStream) Send(ctx context.Context, msg any) error {
	go func() {
		time.Sleep(2 * time.Millisecond)
		s.recv <- fmt.Sprintf("ack:%s:%v", s.addr, msg)
	}()
	return nil
}

func (s *echoStream) Recv(ctx context.Context) (any, error) {
	s.mu.Lock()
	if s.total > 0 && s.delivered >= s.total {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	select {
	case msg := <-s.recv:
		s.mu.Lock()
		s.delivered++
		s.mu.Unlock()
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *echoStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
