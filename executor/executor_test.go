package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaygrpc/core/broadcast"
	"github.com/relaygrpc/core/executor"
	"github.com/relaygrpc/core/throttle"
	"github.com/relaygrpc/core/transport"
	"github.com/relaygrpc/core/transport/faketransport"
)

type fixedPicker struct {
	conn transport.Connection
	err  error
}

func (p fixedPicker) Pick() (transport.Connection, error) { return p.conn, p.err }

type sequencePicker struct {
	mu    sync.Mutex
	conns []transport.Connection
	errs  []error
	i     int
}

func (p *sequencePicker) Pick() (transport.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.i
	if idx >= len(p.conns) {
		idx = len(p.conns) - 1
	}
	p.i++
	return p.conns[idx], p.errs[idx]
}

func waitForStream(t *testing.T, conn *faketransport.Connection, timeout time.Duration) *faketransport.Stream {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st := conn.LastStream(); st != nil {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no stream was ever created")
	return nil
}

func TestExecutor_SingleAttemptSuccess(t *testing.T) {
	conn := faketransport.NewConnection()
	exec := executor.New(fixedPicker{conn: conn}, nil, executor.Policy{MaxAttempts: 1}, nil)

	requests := broadcast.NewSequence[any](4)
	ctx := context.Background()
	go func() {
		requests.Yield(ctx, "request-1")
		requests.Finish(nil)
	}()

	outcomeCh := make(chan executor.Outcome, 1)
	go func() {
		outcomeCh <- exec.Execute(ctx, transport.Descriptor{FullMethod: "/svc/Method"}, requests)
	}()

	st := waitForStream(t, conn, time.Second)
	st.Push("response-1")
	st.EndRecv()

	select {
	case out := <-outcomeCh:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if len(out.Responses) != 1 || out.Responses[0] != "response-1" {
			t.Fatalf("got responses %v, want [response-1]", out.Responses)
		}
		if len(st.Sent()) != 1 || st.Sent()[0] != "request-1" {
			t.Fatalf("got sent %v, want [request-1]", st.Sent())
		}
	case <-time.After(time.Second):
		t.Fatal("Execute never returned")
	}
}

func TestExecutor_RetriesOnUnavailableThenSucceeds(t *testing.T) {
	failConn := faketransport.NewConnection()
	okConn := faketransport.NewConnection()
	picker := &sequencePicker{conns: []transport.Connection{failConn, okConn}, errs: []error{nil, nil}}

	th := throttle.New(10, 0.1)
	exec := executor.New(picker, th, executor.Policy{MaxAttempts: 3}, nil)

	requests := broadcast.NewSequence[any](4)
	ctx := context.Background()
	go func() {
		requests.Yield(ctx, "req")
		requests.Finish(nil)
	}()

	outcomeCh := make(chan executor.Outcome, 1)
	go func() {
		outcomeCh <- exec.Execute(ctx, transport.Descriptor{FullMethod: "/svc/Method"}, requests)
	}()

	st := waitForStream(t, failConn, time.Second)
	st.Fail(status.Error(codes.Unavailable, "backend down"))

	st2 := waitForStream(t, okConn, time.Second)
	st2.EndRecv()

	select {
	case out := <-outcomeCh:
		if out.Err != nil {
			t.Fatalf("unexpected error after retry: %v", out.Err)
		}
		if out.Attempts != 2 {
			t.Fatalf("attempts = %d, want 2", out.Attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute never returned")
	}
}

func TestExecutor_NonRetryableCodeStopsImmediately(t *testing.T) {
	conn := faketransport.NewConnection()
	exec := executor.New(fixedPicker{conn: conn}, nil, executor.Policy{MaxAttempts: 5}, nil)

	requests := broadcast.NewSequence[any](4)
	ctx := context.Background()
	go func() {
		requests.Yield(ctx, "req")
		requests.Finish(nil)
	}()

	outcomeCh := make(chan executor.Outcome, 1)
	go func() {
		outcomeCh <- exec.Execute(ctx, transport.Descriptor{FullMethod: "/svc/Method"}, requests)
	}()

	st := waitForStream(t, conn, time.Second)
	st.Fail(status.Error(codes.InvalidArgument, "bad request"))

	select {
	case out := <-outcomeCh:
		if out.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1 (non-retryable code must not retry)", out.Attempts)
		}
		if status.Code(out.Err) != codes.InvalidArgument {
			t.Fatalf("code = %v, want InvalidArgument", status.Code(out.Err))
		}
	case <-time.After(time.Second):
		t.Fatal("Execute never returned")
	}
}

// TestExecutor_HedgeFansOutConcurrentAttempts exercises HedgeDelay: the
// first attempt's stream never resolves, so a second attempt must be fanned
// out concurrently (not after the first one fails) and its success must win
// the race.
func TestExecutor_HedgeFansOutConcurrentAttempts(t *testing.T) {
	slowConn := faketransport.NewConnection()
	fastConn := faketransport.NewConnection()
	picker := &sequencePicker{conns: []transport.Connection{slowConn, fastConn}, errs: []error{nil, nil}}

	exec := executor.New(picker, nil, executor.Policy{MaxAttempts: 2, HedgeDelay: 10 * time.Millisecond}, nil)

	requests := broadcast.NewSequence[any](4)
	ctx := context.Background()
	go func() {
		requests.Yield(ctx, "req")
		requests.Finish(nil)
	}()

	outcomeCh := make(chan executor.Outcome, 1)
	go func() {
		outcomeCh <- exec.Execute(ctx, transport.Descriptor{FullMethod: "/svc/Method"}, requests)
	}()

	// Never respond on the first attempt's stream; it must not block the
	// second attempt from starting after HedgeDelay elapses.
	waitForStream(t, slowConn, time.Second)

	st2 := waitForStream(t, fastConn, time.Second)
	st2.Push("hedged-response")
	st2.EndRecv()

	select {
	case out := <-outcomeCh:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if len(out.Responses) != 1 || out.Responses[0] != "hedged-response" {
			t.Fatalf("got responses %v, want [hedged-response]", out.Responses)
		}
		if out.Attempts != 2 {
			t.Fatalf("attempts = %d, want 2", out.Attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute never returned after the hedged attempt succeeded")
	}
}

// TestExecutor_HedgeCapsConcurrentAttemptsAtFive ensures hedging never fans
// out more than maxConcurrentHedges attempts even when Policy.MaxAttempts
// asks for more (spec.md §1: the broadcast sequence supports at most five
// concurrent subscribers on one producer).
func TestExecutor_HedgeCapsConcurrentAttemptsAtFive(t *testing.T) {
	conns := make([]transport.Connection, 8)
	errs := make([]error, 8)
	fake := make([]*faketransport.Connection, 8)
	for i := range conns {
		c := faketransport.NewConnection()
		fake[i] = c
		conns[i] = c
	}
	picker := &sequencePicker{conns: conns, errs: errs}

	exec := executor.New(picker, nil, executor.Policy{MaxAttempts: 8, HedgeDelay: 5 * time.Millisecond}, nil)

	requests := broadcast.NewSequence[any](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		requests.Yield(ctx, "req")
	}()

	go exec.Execute(ctx, transport.Descriptor{FullMethod: "/svc/Method"}, requests)

	// Give hedging well past 5 rounds of HedgeDelay to prove it stops at 5.
	time.Sleep(80 * time.Millisecond)

	started := 0
	for _, c := range fake {
		if c.LastStream() != nil {
			started++
		}
	}
	if started > maxHedgesForTest {
		t.Fatalf("started %d concurrent attempts, want at most %d", started, maxHedgesForTest)
	}
}

const maxHedgesForTest = 5

func TestExecutor_NoConnectionIsUnavailable(t *testing.T) {
	exec := executor.New(fixedPicker{err: errors.New("no ready subchannel")}, nil, executor.Policy{MaxAttempts: 1}, nil)

	requests := broadcast.NewSequence[any](4)
	requests.Finish(nil)

	out := exec.Execute(context.Background(), transport.Descriptor{FullMethod: "/svc/Method"}, requests)
	if status.Code(out.Err) != codes.Unavailable {
		t.Fatalf("code = %v, want Unavailable", status.Code(out.Err))
	}
}
