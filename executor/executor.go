// Package executor implements the retry/hedge executor that the expanded
// spec adds on top of the core primitives: it drives one logical RPC across
// one or more attempts, each subscribing to the same broadcast.Sequence of
// request messages so a retried or hedged attempt can replay everything sent
// so far, gated by a throttle.Throttle so a degraded backend doesn't get
// retried into the ground, picking a connection through whatever Picker
// (pick-first or round-robin balancer) the caller wired up.
package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaygrpc/core/broadcast"
	"github.com/relaygrpc/core/throttle"
	"github.com/relaygrpc/core/transport"
)

// Picker is the subset of the pickfirst and roundrobin balancers the
// executor needs: a single connection to issue a stream on.
type Picker interface {
	Pick() (transport.Connection, error)
}

// Policy configures retry/hedge behavior for one Executor.
type Policy struct {
	// MaxAttempts caps the number of attempts, including the first. Must be
	// at least 1.
	MaxAttempts int
	// HedgeDelay, if positive, starts a new concurrent attempt after this
	// much time has passed without the previous attempt finishing, instead
	// of waiting for it to fail first (hedging rather than sequential
	// retrying).
	HedgeDelay time.Duration
	// RetryableCodes lists the status codes worth retrying. A nil map
	// retries only codes.Unavailable, matching gRPC's default retryable set
	// for idempotent RPCs.
	RetryableCodes map[codes.Code]bool
}

func (p Policy) isRetryable(code codes.Code) bool {
	if p.RetryableCodes == nil {
		return code == codes.Unavailable
	}
	return p.RetryableCodes[code]
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Executor drives attempts for one logical RPC.
type Executor struct {
	picker   Picker
	throttle *throttle.Throttle
	policy   Policy
	logger   *slog.Logger
}

// New constructs an Executor. throttle may be nil, in which case retries are
// never throttle-limited (only Policy.MaxAttempts bounds them).
func New(picker Picker, th *throttle.Throttle, policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{picker: picker, throttle: th, policy: policy, logger: logger}
}

// Outcome is the result of one complete Execute call.
type Outcome struct {
	// Responses is every response message received by the attempt that
	// ultimately succeeded (or, if every attempt failed, by the last one).
	Responses []any
	// Err is the final status error, nil on success.
	Err error
	// Attempts is how many attempts were launched. In hedging mode this
	// includes hedges the throttle refused, which never ran.
	Attempts int
}

// maxConcurrentHedges bounds how many attempts a hedged Execute call keeps
// in flight at once. spec.md §1 calls out the broadcast sequence as
// supporting "at-most-five concurrent subscribers on a single producer";
// each in-flight hedge holds one subscription on requests, so this is the
// same bound applied at the executor.
const maxConcurrentHedges = 5

// Execute drives the RPC described by desc, sending every message yielded
// into requests (which the caller continues to Yield/Finish concurrently)
// across as many attempts as Policy allows, and returns once one attempt
// succeeds or every attempt has been exhausted. If Policy.HedgeDelay is
// positive, additional attempts are fanned out concurrently rather than
// waiting for the previous one to fail (see executeHedged); otherwise
// attempts run one at a time (executeSequential).
func (e *Executor) Execute(ctx context.Context, desc transport.Descriptor, requests *broadcast.Sequence[any]) Outcome {
	if e.policy.HedgeDelay > 0 {
		return e.executeHedged(ctx, desc, requests)
	}
	return e.executeSequential(ctx, desc, requests)
}

// executeHedged runs Execute's hedging mode: the first attempt starts
// immediately, and every HedgeDelay thereafter (while fewer than
// maxConcurrentHedges attempts total, and throttle permits it) another
// attempt starts concurrently, all sharing the same requests subscription
// mechanism so each replays everything sent so far. The first attempt to
// succeed wins and cancels the rest; if every attempt fails, the last
// failure observed is returned.
func (e *Executor) executeHedged(ctx context.Context, desc transport.Descriptor, requests *broadcast.Sequence[any]) Outcome {
	maxAttempts := e.policy.maxAttempts()
	if maxAttempts > maxConcurrentHedges {
		maxAttempts = maxConcurrentHedges
	}

	attemptCtx, cancelAttempts := context.WithCancel(ctx)
	defer cancelAttempts()

	type attemptOutcome struct {
		num    int
		result attemptResult
	}
	done := make(chan attemptOutcome, maxAttempts)

	launch := func(num int) {
		if num > 1 && e.throttle != nil && !e.throttle.IsRetryPermitted() {
			e.logger.Debug("hedge throttled", "attempt", num)
			done <- attemptOutcome{num: num, result: attemptResult{err: status.Error(codes.Unavailable, "hedge throttled")}}
			return
		}
		go func() {
			done <- attemptOutcome{num: num, result: e.runAttempt(attemptCtx, desc, requests, num)}
		}()
	}

	launch(1)
	launched := 1
	completed := 0
	var last Outcome

	timer := time.NewTimer(e.policy.HedgeDelay)
	defer timer.Stop()

	for completed < launched {
		select {
		case out := <-done:
			completed++
			last = Outcome{Responses: out.result.responses, Err: out.result.err, Attempts: launched}
			if out.result.err == nil {
				if e.throttle != nil {
					e.throttle.RecordSuccess()
				}
				cancelAttempts()
				for completed < launched {
					<-done
					completed++
				}
				return last
			}
			if e.throttle != nil {
				e.throttle.RecordFailure()
			}

		case <-timer.C:
			if launched < maxAttempts {
				launched++
				launch(launched)
				timer.Reset(e.policy.HedgeDelay)
			}
		}
	}
	return last
}

// executeSequential is Execute's non-hedging mode: attempts run one at a
// time, each waiting for the previous one to fail before starting.
func (e *Executor) executeSequential(ctx context.Context, desc transport.Descriptor, requests *broadcast.Sequence[any]) Outcome {
	var last Outcome
	for attemptNum := 1; attemptNum <= e.policy.maxAttempts(); attemptNum++ {
		if attemptNum > 1 {
			if e.throttle != nil && !e.throttle.IsRetryPermitted() {
				e.logger.Debug("retry throttled", "attempt", attemptNum)
				break
			}
		}

		result := e.runAttempt(ctx, desc, requests, attemptNum)
		last = Outcome{Responses: result.responses, Err: result.err, Attempts: attemptNum}

		if result.err == nil {
			if e.throttle != nil {
				e.throttle.RecordSuccess()
			}
			return last
		}

		code := status.Code(result.err)
		if e.throttle != nil {
			e.throttle.RecordFailure()
		}
		if !e.policy.isRetryable(code) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

type attemptResult struct {
	responses []any
	err       error
}

// runAttempt runs exactly one attempt: it subscribes to requests so it
// replays every message sent so far, opens a stream, and pumps send and
// receive concurrently until the stream ends.
func (e *Executor) runAttempt(ctx context.Context, desc transport.Descriptor, requests *broadcast.Sequence[any], attemptNum int) attemptResult {
	attemptID := uuid.NewString()
	logger := e.logger.With("attempt_id", attemptID, "attempt_num", attemptNum, "method", desc.FullMethod)

	conn, err := e.picker.Pick()
	if err != nil {
		logger.Warn("no connection available for attempt", "error", err)
		return attemptResult{err: status.Error(codes.Unavailable, err.Error())}
	}

	stream, err := conn.MakeStream(ctx, desc, transport.StreamOptions{})
	if err != nil {
		logger.Warn("failed to open stream for attempt", "error", err)
		return attemptResult{err: status.Error(codes.Unavailable, err.Error())}
	}

	subID := requests.Subscribe()
	defer requests.CancelSubscription(subID)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(attemptCtx)

	g.Go(func() error {
		return pumpSend(gctx, requests, subID, stream)
	})

	var mu sync.Mutex
	var responses []any
	g.Go(func() error {
		return pumpRecv(gctx, stream, func(msg any) {
			mu.Lock()
			responses = append(responses, msg)
			mu.Unlock()
		})
	})

	runErr := g.Wait()
	_ = stream.CloseSend()

	if runErr != nil {
		return attemptResult{responses: responses, err: classifyErr(runErr)}
	}
	return attemptResult{responses: responses}
}

// pumpSend forwards every message the broadcast sequence yields (including
// ones yielded before this attempt subscribed — replay) to the stream, until
// the sequence finishes.
func pumpSend(ctx context.Context, requests *broadcast.Sequence[any], subID broadcast.SubscriberID, stream transport.Stream) error {
	for {
		msg, _, err := requests.Next(ctx, subID)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := stream.Send(ctx, msg); err != nil {
			return err
		}
	}
}

// pumpRecv reads every response message off the stream, invoking deliver for
// each, until the stream ends.
func pumpRecv(ctx context.Context, stream transport.Stream, deliver func(any)) error {
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		deliver(msg)
	}
}

func classifyErr(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
