// Package subchannel implements the connection-lifecycle state machine
// described in spec.md §4.C: one Subchannel owns at most one live
// transport.Connection to one endpoint, cycles through its address list on
// failure, and backs off between attempts. It reuses
// google.golang.org/grpc/connectivity.State for its state values and
// google.golang.org/grpc/backoff.Config for its backoff parameters, the same
// way the grpc-go client itself is configured, rather than reinventing
// either (the delay computation itself lives in grpc-go's unexported
// internal/backoff package, so this package reimplements just that formula
// against the public Config fields — see DESIGN.md).
package subchannel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc/backoff"

	"github.com/relaygrpc/core/connectivity"
	"github.com/relaygrpc/core/transport"
)

// ErrShutdown names the shutdown-terminality invariant: once a Subchannel
// reaches connectivity.Shutdown it never leaves it. No method of this
// package returns it; Pick reports transport.ErrUnavailable in every state
// other than Ready, Shutdown included.
var ErrShutdown = errors.New("subchannel: shutdown")

// disposition is what the driver does after a Connection reports
// EventClosed, keyed by transport.ClosedReason and (for ClosedError) whether
// the connection was idle when it failed, per the closed-disposition table
// in spec.md §4.C.
type disposition int

const (
	dispositionGoIdle           disposition = iota // settle in Idle; wait for RequestConnection
	dispositionBackoff                             // enter TransientFailure and back off before retrying
	dispositionShutdownTerminal                    // connected | closed(initiatedLocally): the whole subchannel shuts down
)

// dispositionFor classifies a closed event reported while connected and not
// already draining (goingAway). A connection closed while draining always
// resolves to dispositionGoIdle regardless of reason, per the table's
// `goingAway | any -> notConnected | idle` row; that case is handled by the
// caller before dispositionFor is consulted.
func dispositionFor(ev transport.Event) disposition {
	switch ev.Reason {
	case transport.ClosedIdleTimeout, transport.ClosedRemote:
		return dispositionGoIdle
	case transport.ClosedError:
		if ev.WasIdle {
			return dispositionGoIdle
		}
		return dispositionBackoff
	case transport.ClosedKeepaliveTimeout:
		return dispositionBackoff
	case transport.ClosedInitiatedLocally:
		return dispositionShutdownTerminal
	default:
		return dispositionBackoff
	}
}

// Signal is a subchannel-level output distinct from a connectivity.State
// transition, per spec.md §4.C's Outputs (`goingAway`, `requiresNameResolution`
// alongside `connectivityStateChanged`). Name resolution itself is out of
// scope (spec.md §1 lists resolver implementations as an external
// collaborator), so this package only exposes the signal for a load balancer
// to forward toward whatever resolver it is wired to.
type Signal int

const (
	// SignalGoingAway means the connected peer signalled a GOAWAY-equivalent
	// and the Subchannel is now draining that connection.
	SignalGoingAway Signal = iota
	// SignalRequiresNameResolution means the balancer above this Subchannel
	// should trigger re-resolution: the peer GOAWAY'd, or a connection
	// failed in a way that warrants fresh addresses (keepalive timeout or an
	// error while carrying traffic).
	SignalRequiresNameResolution
)

func (s Signal) String() string {
	switch s {
	case SignalGoingAway:
		return "goingAway"
	case SignalRequiresNameResolution:
		return "requiresNameResolution"
	default:
		return "unknown"
	}
}

// Subchannel owns at most one live transport.Connection to one endpoint. It
// is driven by a single background goroutine started by Run; all public
// methods are safe to call from any goroutine.
type Subchannel struct {
	connector transport.Connector
	addrs     []string
	cfg       backoff.Config
	logger    *slog.Logger

	requestCh  chan struct{}
	shutdownCh chan struct{}
	shutdownOnce sync.Once
	done       chan struct{}

	mu             sync.Mutex
	state          connectivity.State
	conn           transport.Connection
	lastErr        error
	watchers       []chan connectivity.State
	signalWatchers []chan Signal
}

// New constructs a Subchannel for the given dialable addresses, starting in
// connectivity.Idle. addrs must be non-empty.
func New(connector transport.Connector, addrs []string, cfg backoff.Config, logger *slog.Logger) *Subchannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subchannel{
		connector:  connector,
		addrs:      addrs,
		cfg:        cfg,
		logger:     logger,
		requestCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
		state:      connectivity.Idle,
	}
}

// State returns the Subchannel's current connectivity state.
func (s *Subchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WatchState registers a channel that receives the subsequent state
// transitions. The channel is buffered (capacity 1, latest-value-wins) so a
// slow reader never blocks the driver, and a reader that falls behind sees
// only the latest state; it is closed when the Subchannel shuts down.
func (s *Subchannel) WatchState() <-chan connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan connectivity.State, 1)
	if s.state == connectivity.Shutdown {
		ch <- s.state
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

// WatchSignals registers a channel that receives every subsequent Signal
// (goingAway, requiresNameResolution). Unlike WatchState, signals are
// discrete events rather than coalescible state, so the channel is buffered
// and a send that would block is dropped rather than coalesced — a watcher
// that falls behind misses intermediate signals instead of stalling the
// driver loop. The channel is closed when the Subchannel shuts down.
func (s *Subchannel) WatchSignals() <-chan Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Signal, 8)
	if s.state == connectivity.Shutdown {
		close(ch)
		return ch
	}
	s.signalWatchers = append(s.signalWatchers, ch)
	return ch
}

func (s *Subchannel) emitSignal(sig Signal) {
	s.mu.Lock()
	watchers := s.signalWatchers
	s.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- sig:
		default:
			s.logger.Warn("dropped subchannel signal, watcher too slow", "signal", sig)
		}
	}
}

// RequestConnection nudges an Idle Subchannel to start connecting. Called
// while the Subchannel is connecting or ready, it leaves at most one pending
// request, which makes the Subchannel reconnect as soon as it next returns
// to Idle. After shutdown it has no effect.
func (s *Subchannel) RequestConnection() {
	select {
	case s.requestCh <- struct{}{}:
	default:
	}
}

// Shutdown terminates the Subchannel: it closes any live connection, stops
// the driver goroutine, and moves the state to connectivity.Shutdown.
// Idempotent.
func (s *Subchannel) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	<-s.done
}

// Run drives the Subchannel until ctx is cancelled or Shutdown is called. It
// must be started exactly once, typically in its own goroutine. Run returns
// nil when the Subchannel reaches connectivity.Shutdown.
func (s *Subchannel) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.setState(connectivity.Shutdown)

	retries := 0
	for {
		if s.State() == connectivity.Idle {
			select {
			case <-s.requestCh:
			case <-ctx.Done():
				return ctx.Err()
			case <-s.shutdownCh:
				return nil
			}
		}

		conn, err := s.dialNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			retries++
			s.setState(connectivity.TransientFailure)
			if !s.sleepBackoff(ctx, retries) {
				return nil
			}
			continue
		}

		disp, runErr := s.runConnection(ctx, conn)
		if runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
			return runErr
		}

		select {
		case <-s.shutdownCh:
			return nil
		default:
		}

		switch disp {
		case dispositionGoIdle:
			retries = 0
			s.setState(connectivity.Idle)
		case dispositionShutdownTerminal:
			// connected | closed(initiatedLocally): the subchannel itself
			// shuts down, not just the one connection.
			return nil
		case dispositionBackoff:
			retries++
			s.setState(connectivity.TransientFailure)
			if !s.sleepBackoff(ctx, retries) {
				return nil
			}
		}
	}
}

// dialNext advances the address cursor and attempts to establish a
// connection, blocking until the connection reports connectSucceeded or
// connectFailed.
func (s *Subchannel) dialNext(ctx context.Context) (transport.Connection, error) {
	s.mu.Lock()
	addr := s.addrs[0]
	s.addrs = append(s.addrs[1:], addr) // round-robin through this endpoint's addresses
	s.mu.Unlock()

	s.setState(connectivity.Connecting)
	conn, err := s.connector.EstablishConnection(ctx, addr)
	if err != nil {
		s.logger.Warn("subchannel dial failed", "addr", addr, "error", err)
		return nil, err
	}

	select {
	case ev, ok := <-conn.Events():
		if !ok {
			return nil, errors.New("subchannel: connection closed its event stream before connecting")
		}
		switch ev.Kind {
		case transport.EventConnectSucceeded:
			return conn, nil
		case transport.EventConnectFailed:
			_ = conn.Close()
			if ev.Err != nil {
				return nil, ev.Err
			}
			return nil, transport.ErrUnavailable
		default:
			_ = conn.Close()
			return nil, errors.New("subchannel: unexpected event while connecting")
		}
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	case <-s.shutdownCh:
		_ = conn.Close()
		return nil, errors.New("subchannel: shut down while connecting")
	}
}

// runConnection marks the Subchannel Ready and pumps the connection's event
// stream until it closes, returning the disposition the caller should act on.
func (s *Subchannel) runConnection(ctx context.Context, conn transport.Connection) (disposition, error) {
	s.setConn(conn)
	defer s.setConn(nil)
	s.setState(connectivity.Ready)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- conn.Run(ctx) }()

	draining := false
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return dispositionBackoff, nil
			}
			switch ev.Kind {
			case transport.EventGoingAway:
				draining = true
				s.emitSignal(SignalGoingAway)
				s.emitSignal(SignalRequiresNameResolution)
			case transport.EventClosed:
				_ = conn.Close()
				<-runErrCh
				if draining {
					// goingAway | any -> notConnected, emit idle.
					return dispositionGoIdle, nil
				}
				disp := dispositionFor(ev)
				if disp == dispositionBackoff {
					s.emitSignal(SignalRequiresNameResolution)
				}
				return disp, nil
			}
		case err := <-runErrCh:
			_ = conn.Close()
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return dispositionBackoff, err
			}
			return dispositionBackoff, nil
		case <-ctx.Done():
			_ = conn.Close()
			<-runErrCh
			return dispositionBackoff, ctx.Err()
		case <-s.shutdownCh:
			_ = conn.Close()
			<-runErrCh
			return dispositionGoIdle, nil
		}
	}
}

// sleepBackoff waits out the backoff delay for the given retry count,
// returning false if the wait was cut short by shutdown or context
// cancellation (in which case the caller should stop driving).
func (s *Subchannel) sleepBackoff(ctx context.Context, retries int) bool {
	delay := computeBackoff(s.cfg, retries)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.shutdownCh:
		return false
	}
}

func (s *Subchannel) setConn(conn transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Pick returns the Subchannel's live connection for issuing a stream. It
// fails with transport.ErrUnavailable unless the Subchannel is currently
// connectivity.Ready, matching the picker contract balancers build on top of
// Subchannel (spec.md §4.D, §4.E).
func (s *Subchannel) Pick() (transport.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != connectivity.Ready || s.conn == nil {
		return nil, transport.ErrUnavailable
	}
	return s.conn, nil
}

func (s *Subchannel) setState(state connectivity.State) {
	s.mu.Lock()
	if s.state == connectivity.Shutdown {
		s.mu.Unlock()
		return
	}
	s.state = state
	watchers := s.watchers
	sigWatchers := s.signalWatchers
	if state == connectivity.Shutdown {
		s.watchers = nil
		s.signalWatchers = nil
	}
	s.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- state:
		default:
			// Latest-value-wins: drain the stale value and retry once.
			select {
			case <-w:
			default:
			}
			select {
			case w <- state:
			default:
			}
		}
		if state == connectivity.Shutdown {
			close(w)
		}
	}
	if state == connectivity.Shutdown {
		for _, w := range sigWatchers {
			close(w)
		}
	}
}

// computeBackoff reproduces grpc-go's exponential-backoff-with-jitter
// formula (delay = min(BaseDelay * Multiplier^retries, MaxDelay), then
// scaled by a uniform random factor in [1-Jitter, 1+Jitter]) against the
// public backoff.Config fields, since the computation itself lives in
// grpc-go's unexported internal/backoff package.
func computeBackoff(cfg backoff.Config, retries int) time.Duration {
	if retries == 0 {
		return 0
	}
	backoffDur := float64(cfg.BaseDelay)
	max := float64(cfg.MaxDelay)
	for i := 0; i < retries && backoffDur < max; i++ {
		backoffDur *= cfg.Multiplier
	}
	if backoffDur > max {
		backoffDur = max
	}
	jitter := (rand.Float64()*2 - 1) * cfg.Jitter
	backoffDur += backoffDur * jitter
	if backoffDur < 0 {
		backoffDur = 0
	}
	return time.Duration(backoffDur)
}
