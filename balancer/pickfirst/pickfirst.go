// Package pickfirst implements the pick-first load balancer described in
// spec.md §4.D: it connects to the first endpoint of each resolver update
// (the other endpoints are not tried), and only moves to a replacement once
// a new candidate has proven it can connect — so a resolver update never
// drops traffic that the current endpoint is still serving fine.
package pickfirst

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"google.golang.org/grpc/backoff"

	"github.com/relaygrpc/core/connectivity"
	"github.com/relaygrpc/core/resolver"
	"github.com/relaygrpc/core/subchannel"
	"github.com/relaygrpc/core/transport"
)

// ErrNoEndpoints is returned by Pick when no endpoint has ever been
// resolved.
var ErrNoEndpoints = errors.New("pickfirst: no endpoints")

// Balancer is a pick-first load balancer over one address family. It keeps
// at most two subchannels, named after spec.md §4.D's own roles: current
// (serving picks and publishing State) and next (warming up, promoted to
// current only once it reports Ready). It is not safe to share across
// unrelated logical targets, but all of its own methods are safe for
// concurrent use.
type Balancer struct {
	connector transport.Connector
	cfg       backoff.Config
	logger    *slog.Logger

	mu       sync.Mutex
	current  *entry // serves Pick and State
	next     *entry // warming candidate; promoted to current on Ready
	endpoint resolver.Endpoint
	closed   bool
}

type entry struct {
	sc     *subchannel.Subchannel
	cancel context.CancelFunc
}

// New constructs an empty Balancer; call UpdateEndpoints to give it
// candidates to connect to.
func New(connector transport.Connector, cfg backoff.Config, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{connector: connector, cfg: cfg, logger: logger}
}

// UpdateEndpoints gives the balancer a fresh, priority-ordered candidate
// list from the resolver. Pick-first only ever considers endpoints[0]; if it
// equals the endpoint the balancer is already using (per resolver.Endpoint's
// unordered-address-multiset equality), this is a no-op.
//
// Otherwise, per spec.md §4.D: if there is no current subchannel yet, the new
// one is installed as current directly. If current exists but is idle
// (connectivity.Idle), it is replaced immediately — there is no live
// traffic to protect. Otherwise the new subchannel becomes next and
// warms up in the background; current keeps serving Pick and State until
// next reports Ready, at which point it is promoted and the old current is
// closed (see promoteWhenReady).
func (b *Balancer) UpdateEndpoints(endpoints []resolver.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(endpoints) == 0 {
		return
	}
	target := endpoints[0]
	if b.current != nil && b.endpoint.Equal(target) {
		return
	}
	b.endpoint = target

	addrs := make([]string, len(target.Addresses))
	for i, a := range target.Addresses {
		addrs[i] = a.HostPort
	}

	sc := subchannel.New(b.connector, addrs, b.cfg, b.logger)
	ctx, cancel := context.WithCancel(context.Background())
	candidate := &entry{sc: sc, cancel: cancel}
	go sc.Run(ctx)
	sc.RequestConnection()

	switch {
	case b.current == nil:
		b.current = candidate

	case b.current.sc.State() == connectivity.Idle:
		old := b.current
		b.current = candidate
		go func() { old.cancel(); old.sc.Shutdown() }()

	default:
		if b.next != nil {
			stale := b.next
			go func() { stale.cancel(); stale.sc.Shutdown() }()
		}
		b.next = candidate
		go b.promoteWhenReady(candidate)
	}
}

// promoteWhenReady waits for candidate (installed as next) to report Ready,
// then promotes it to current and closes the subchannel it replaced. If
// candidate is superseded by a later update before it settles, or it shuts
// down without ever becoming Ready, this returns without promoting anything
// — the superseding update (or Close) is responsible for tearing candidate
// down.
func (b *Balancer) promoteWhenReady(candidate *entry) {
	ch := candidate.sc.WatchState()
	var last connectivity.State
	for state := range ch {
		last = state
		if state == connectivity.Ready || state == connectivity.Shutdown {
			break
		}
	}

	b.mu.Lock()
	if b.next != candidate {
		b.mu.Unlock()
		return
	}
	if last != connectivity.Ready {
		b.next = nil
		b.mu.Unlock()
		return
	}
	old := b.current
	b.current = candidate
	b.next = nil
	b.mu.Unlock()

	old.cancel()
	old.sc.Shutdown()
}

// Pick returns a connection to issue a stream on, per pickSubchannel() in
// spec.md §4.D: current iff it is connectivity.Ready. If current exists but
// is idle, Pick nudges it to connect instead of leaving it to wait for
// RequestConnection from elsewhere.
func (b *Balancer) Pick() (transport.Connection, error) {
	b.mu.Lock()
	current := b.current
	b.mu.Unlock()

	if current == nil {
		return nil, ErrNoEndpoints
	}
	if current.sc.State() == connectivity.Idle {
		current.sc.RequestConnection()
	}
	return current.sc.Pick()
}

// State reports the aggregate connectivity state pick-first exposes to its
// owner: simply the current subchannel's state, per spec.md §4.D — current
// is the subchannel still serving traffic, so its state is published even
// while a replacement (next) is warming up in the background (spec.md §8
// scenario S4).
func (b *Balancer) State() connectivity.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return connectivity.Idle
	}
	return b.current.sc.State()
}

// Close shuts down every subchannel the balancer owns. Idempotent.
func (b *Balancer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	current, next := b.current, b.next
	b.current, b.next = nil, nil
	b.mu.Unlock()

	if current != nil {
		current.cancel()
		current.sc.Shutdown()
	}
	if next != nil {
		next.cancel()
		next.sc.Shutdown()
	}
}
