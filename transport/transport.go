// Package transport defines the thin collaborator interface the core
// expects from a concrete wire transport (HTTP/2 framing and TLS are out of
// scope per spec.md §1). The core only needs "establish a connection",
// "issue a bidirectional stream", and "events".
package transport

import (
	"context"
	"errors"
)

// ClosedReason classifies why a Connection reported Closed, per the
// disposition table in spec.md §4.C.
type ClosedReason int

const (
	// ClosedIdleTimeout means the connection was closed because it sat idle
	// past the configured idle timeout.
	ClosedIdleTimeout ClosedReason = iota
	// ClosedKeepaliveTimeout means a keepalive ping went unanswered.
	ClosedKeepaliveTimeout
	// ClosedError means the connection failed. WasIdle distinguishes a
	// failure while idle (treated like ClosedIdleTimeout by the subchannel)
	// from a failure while carrying traffic.
	ClosedError
	// ClosedInitiatedLocally means the owner called Connection.Close.
	ClosedInitiatedLocally
	// ClosedRemote means the peer closed the connection (e.g. TCP FIN,
	// GOAWAY followed by connection close).
	ClosedRemote
)

// String implements fmt.Stringer for log messages.
func (r ClosedReason) String() string {
	switch r {
	case ClosedIdleTimeout:
		return "idleTimeout"
	case ClosedKeepaliveTimeout:
		return "keepaliveTimeout"
	case ClosedError:
		return "error"
	case ClosedInitiatedLocally:
		return "initiatedLocally"
	case ClosedRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// EventKind enumerates the kinds of Event a Connection can publish.
type EventKind int

const (
	// EventConnectSucceeded reports that the connection attempt succeeded.
	EventConnectSucceeded EventKind = iota
	// EventConnectFailed reports that the connection attempt failed.
	EventConnectFailed
	// EventGoingAway reports that the peer sent a GOAWAY-equivalent signal.
	EventGoingAway
	// EventClosed reports that the connection has closed. See Reason.
	EventClosed
)

// Event is one item on a Connection's event stream, per spec.md §4.C's
// Inputs table (connectSucceeded, connectFailed, goingAway, closed(reason)).
type Event struct {
	Kind EventKind

	// Err is set on EventConnectFailed; the dial or handshake error.
	Err error

	// Reason is set on EventClosed.
	Reason ClosedReason

	// WasIdle is set on EventClosed when Reason is ClosedError; it
	// distinguishes a failure while idle from a failure under load, per the
	// disposition table in spec.md §4.C.
	WasIdle bool
}

// StreamOptions carries per-stream options opaque to the core (deadlines,
// wait-for-ready, compression, ...). The concrete transport interprets them;
// the core only plumbs them through.
type StreamOptions struct {
	WaitForReady bool
}

// Descriptor identifies the RPC method being invoked, opaque to the core.
type Descriptor struct {
	FullMethod string
}

// Stream is a single bidirectional RPC stream opened on a Connection. The
// core does not interpret message payloads (serialization is out of scope
// per spec.md §1); it only needs to send and receive opaque frames and
// observe stream-level closure.
type Stream interface {
	// Send writes one message frame to the stream.
	Send(ctx context.Context, msg any) error
	// Recv reads the next message frame from the stream. It returns io.EOF
	// (or an error wrapping it) when the peer has finished sending.
	Recv(ctx context.Context) (any, error)
	// CloseSend signals that no further messages will be sent.
	CloseSend() error
}

// Connection is a single live connection to one endpoint's address, owned
// exclusively by one Subchannel.
type Connection interface {
	// Events returns the connection's event stream. There is exactly one
	// event stream per Connection; it is closed when the connection is
	// closed.
	Events() <-chan Event
	// Run drives the connection (reading frames off the wire, delivering
	// keepalives, etc.) until ctx is cancelled or Close is called. Run
	// returns when the connection is fully torn down.
	Run(ctx context.Context) error
	// Close tears the connection down. Idempotent.
	Close() error
	// MakeStream opens a new bidirectional stream on this connection. It
	// fails with ErrUnavailable if the connection is not ready.
	MakeStream(ctx context.Context, desc Descriptor, opts StreamOptions) (Stream, error)
}

// Connector establishes connections to addresses. A Subchannel holds one
// Connector and uses it to dial each address in its backoff/address-iterator
// loop.
type Connector interface {
	// EstablishConnection dials addr and returns a Connection. The returned
	// Connection has not necessarily completed its handshake yet; completion
	// is reported asynchronously via Connection.Events.
	EstablishConnection(ctx context.Context, addr string) (Connection, error)
}

// Sentinel errors shared by the transport-facing packages (subchannel,
// balancer, executor), per spec.md §7.
var (
	// ErrUnavailable means the subchannel has no ready connection; the
	// caller may retry after backoff.
	ErrUnavailable = errors.New("transport: unavailable")
	// ErrFailedPrecondition means the transport is closing/closed; new
	// streams are rejected.
	ErrFailedPrecondition = errors.New("transport: failed precondition")
	// ErrCancelled means a waiting operation was cancelled.
	ErrCancelled = errors.New("transport: cancelled")
)
