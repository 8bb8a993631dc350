// Package roundrobin implements the round-robin load balancer described in
// spec.md §4.E: it connects to every resolved address concurrently and
// spreads picks evenly across whichever ones are currently Ready, using a
// freshly randomized starting offset each time the ready set changes so that
// many clients built from the same resolver result don't all start on the
// same address.
package roundrobin

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/backoff"

	"github.com/relaygrpc/core/connectivity"
	"github.com/relaygrpc/core/resolver"
	"github.com/relaygrpc/core/subchannel"
	"github.com/relaygrpc/core/transport"
)

// Balancer is a round-robin load balancer over a flat set of addresses
// drawn from every resolved endpoint.
type Balancer struct {
	connector transport.Connector
	cfg       backoff.Config
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // keyed by address host:port
	closed  bool

	picker atomic.Pointer[picker]
}

type entry struct {
	sc     *subchannel.Subchannel
	cancel context.CancelFunc

	// markedForRemoval is set under Balancer.mu when an address has dropped
	// out of the wanted set but isn't being closed immediately (spec.md
	// §4.E: serving capacity must never drop to zero unnecessarily). It is
	// actually removed the instant any subchannel next reports Ready.
	markedForRemoval bool

	mu            sync.Mutex
	reportedState connectivity.State
}

// New constructs an empty Balancer; call UpdateEndpoints to give it
// addresses to connect to.
func New(connector transport.Connector, cfg backoff.Config, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Balancer{connector: connector, cfg: cfg, logger: logger, entries: make(map[string]*entry)}
	b.picker.Store(&picker{})
	return b
}

// UpdateEndpoints reconciles the balancer's subchannels against the flat set
// of addresses across every resolved endpoint, per spec.md §4.E:
// `toAdd` addresses get a new subchannel that starts connecting immediately.
// For `toRemove` addresses, if there are more removals than additions the
// excess is closed right away (there's no incoming capacity to justify
// waiting for); the rest are only marked for removal and stay serving picks
// until some subchannel (old or new) next reports Ready, so serving capacity
// never drops to zero unnecessarily.
func (b *Balancer) UpdateEndpoints(endpoints []resolver.Endpoint) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	wanted := make(map[string]bool)
	for _, ep := range endpoints {
		for _, addr := range ep.Addresses {
			wanted[addr.HostPort] = true
		}
	}

	var toRemove []string
	for addr, e := range b.entries {
		if !wanted[addr] && !e.markedForRemoval {
			toRemove = append(toRemove, addr)
		}
	}
	var toAdd []string
	for addr := range wanted {
		if _, ok := b.entries[addr]; !ok {
			toAdd = append(toAdd, addr)
		}
	}

	excess := len(toRemove) - len(toAdd)
	if excess < 0 {
		excess = 0
	}
	sort.Strings(toRemove) // deterministic split between immediate and deferred
	var immediate []*entry
	for i, addr := range toRemove {
		e := b.entries[addr]
		if i < excess {
			delete(b.entries, addr)
			immediate = append(immediate, e)
		} else {
			e.markedForRemoval = true
		}
	}

	for _, addr := range toAdd {
		sc := subchannel.New(b.connector, []string{addr}, b.cfg, b.logger)
		ctx, cancel := context.WithCancel(context.Background())
		e := &entry{sc: sc, cancel: cancel, reportedState: connectivity.Idle}
		b.entries[addr] = e
		go sc.Run(ctx)
		sc.RequestConnection()
		go b.watch(e)
	}

	b.rebuildPickerLocked()
	b.mu.Unlock()

	for _, e := range immediate {
		e.cancel()
		e.sc.Shutdown()
	}
}

// watch tracks one entry's connectivity state for as long as its subchannel
// lives, rebuilding the picker whenever the ready set might have changed and
// sweeping away any marked-for-removal entries once this one reports Ready.
// Per spec.md §4.E, a transition from TransientFailure straight to
// Connecting (the subchannel silently retrying) is not treated as a state
// change for aggregation purposes — it would otherwise make the balancer's
// reported state flap between TransientFailure and Connecting on every
// backoff retry.
func (b *Balancer) watch(e *entry) {
	ch := e.sc.WatchState()
	for raw := range ch {
		e.mu.Lock()
		prev := e.reportedState
		reported := raw
		if raw == connectivity.Connecting && prev == connectivity.TransientFailure {
			reported = prev
		}
		e.reportedState = reported
		e.mu.Unlock()

		if raw == connectivity.Ready {
			b.removeMarkedForRemoval()
		}

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		b.rebuildPicker()
	}
}

// removeMarkedForRemoval closes and forgets every entry marked for deferred
// removal, the instant any subchannel reports Ready (spec.md §4.E).
func (b *Balancer) removeMarkedForRemoval() {
	b.mu.Lock()
	var toClose []*entry
	for addr, e := range b.entries {
		if e.markedForRemoval {
			toClose = append(toClose, e)
			delete(b.entries, addr)
		}
	}
	if len(toClose) > 0 {
		b.rebuildPickerLocked()
	}
	b.mu.Unlock()

	for _, e := range toClose {
		e.cancel()
		e.sc.Shutdown()
	}
}

func (b *Balancer) rebuildPicker() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildPickerLocked()
}

func (b *Balancer) rebuildPickerLocked() {
	var ready []*subchannel.Subchannel
	for _, e := range b.entries {
		if e.sc.State() == connectivity.Ready {
			ready = append(ready, e.sc)
		}
	}
	b.picker.Store(newPicker(ready))
}

// Pick returns a connection from the current ready set, round-robin. If the
// ready set is empty, it nudges every known idle subchannel to connect
// before reporting unavailable, per pickSubchannel()'s "if current exists
// and is idle, also instructs it to connect" behavior in spec.md §4.D,
// generalized to every address this balancer tracks.
func (b *Balancer) Pick() (transport.Connection, error) {
	conn, err := b.picker.Load().pick()
	if err == nil {
		return conn, nil
	}
	b.requestConnectionForIdle()
	return conn, err
}

func (b *Balancer) requestConnectionForIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.sc.State() == connectivity.Idle {
			e.sc.RequestConnection()
		}
	}
}

// State reports the balancer's aggregate connectivity state across every
// tracked address, per the precedence rule in connectivity.Aggregate, using
// each entry's reported (TF-flap-suppressed) state rather than its raw one.
func (b *Balancer) State() connectivity.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make([]connectivity.State, 0, len(b.entries))
	for _, e := range b.entries {
		e.mu.Lock()
		states = append(states, e.reportedState)
		e.mu.Unlock()
	}
	return connectivity.Aggregate(states)
}

// Close shuts down every subchannel the balancer owns. Idempotent.
func (b *Balancer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.sc.Shutdown()
	}
	b.picker.Store(&picker{})
}

// picker hands out the ready subchannel set in round-robin order, starting
// from a randomized offset chosen when the set was built.
type picker struct {
	ready []*subchannel.Subchannel
	next  uint32
}

func newPicker(ready []*subchannel.Subchannel) *picker {
	p := &picker{ready: ready}
	if len(ready) > 0 {
		p.next = uint32(rand.Intn(len(ready)))
	}
	return p
}

func (p *picker) pick() (transport.Connection, error) {
	if p == nil || len(p.ready) == 0 {
		return nil, transport.ErrUnavailable
	}
	idx := atomic.AddUint32(&p.next, 1) - 1
	return p.ready[int(idx)%len(p.ready)].Pick()
}
