package broadcast_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/relaygrpc/core/broadcast"
)

func TestSequence_BasicFanOut(t *testing.T) {
	seq := broadcast.NewSequence[string](4)
	a := seq.Subscribe()
	b := seq.Subscribe()

	ctx := context.Background()
	if err := seq.Yield(ctx, "one"); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if err := seq.Yield(ctx, "two"); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	seq.Finish(nil)

	for _, sub := range []broadcast.SubscriberID{a, b} {
		v, id, err := seq.Next(ctx, sub)
		if err != nil || v != "one" || id != 0 {
			t.Fatalf("sub %d: got (%q, %d, %v), want (one, 0, nil)", sub, v, id, err)
		}
		v, id, err = seq.Next(ctx, sub)
		if err != nil || v != "two" || id != 1 {
			t.Fatalf("sub %d: got (%q, %d, %v), want (two, 1, nil)", sub, v, id, err)
		}
		_, _, err = seq.Next(ctx, sub)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("sub %d: got err %v, want io.EOF", sub, err)
		}
	}
}

func TestSequence_SubscriberReceivesBeforeYield(t *testing.T) {
	seq := broadcast.NewSequence[int](4)
	sub := seq.Subscribe()
	ctx := context.Background()

	type result struct {
		v   int
		id  broadcast.ElementID
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, id, err := seq.Next(ctx, sub)
		resCh <- result{v, id, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := seq.Yield(ctx, 42); err != nil {
		t.Fatalf("Yield: %v", err)
	}

	select {
	case r := <-resCh:
		if r.err != nil || r.v != 42 || r.id != 0 {
			t.Fatalf("got %+v, want {42 0 <nil>}", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for suspended Next to resume")
	}
}

func TestSequence_SlowSubscriberIsDroppedOnOverflow(t *testing.T) {
	seq := broadcast.NewSequence[int](2)
	fast := seq.Subscribe()
	slow := seq.Subscribe()
	ctx := context.Background()

	// Fast subscriber drains every element immediately; slow never reads.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			if _, _, err := seq.Next(ctx, fast); err != nil {
				t.Errorf("fast Next: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		if err := seq.Yield(ctx, i); err != nil {
			t.Fatalf("Yield %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // let the fast reader keep pace
	}
	wg.Wait()

	_, _, err := seq.Next(ctx, slow)
	if !errors.Is(err, broadcast.ErrConsumingTooSlow) {
		t.Fatalf("slow Next: got %v, want ErrConsumingTooSlow", err)
	}
}

func TestSequence_ProducerSuspendsWhenAllSubscribersAreLaggards(t *testing.T) {
	seq := broadcast.NewSequence[int](1)
	sub := seq.Subscribe()
	ctx := context.Background()

	if err := seq.Yield(ctx, 0); err != nil {
		t.Fatalf("Yield 0: %v", err)
	}

	yieldDone := make(chan error, 1)
	go func() {
		yieldDone <- seq.Yield(ctx, 1)
	}()

	select {
	case <-yieldDone:
		t.Fatal("Yield returned before the laggard subscriber advanced")
	case <-time.After(50 * time.Millisecond):
	}

	v, id, err := seq.Next(ctx, sub)
	if err != nil || v != 0 || id != 0 {
		t.Fatalf("Next: got (%d, %d, %v), want (0, 0, nil)", v, id, err)
	}

	select {
	case err := <-yieldDone:
		if err != nil {
			t.Fatalf("Yield: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer never resumed after the laggard advanced")
	}

	v, id, err = seq.Next(ctx, sub)
	if err != nil || v != 1 || id != 1 {
		t.Fatalf("Next: got (%d, %d, %v), want (1, 1, nil)", v, id, err)
	}
}

func TestSequence_YieldAfterFinishFails(t *testing.T) {
	seq := broadcast.NewSequence[int](1)
	seq.Finish(nil)
	if err := seq.Yield(context.Background(), 1); !errors.Is(err, broadcast.ErrProductionAlreadyFinished) {
		t.Fatalf("got %v, want ErrProductionAlreadyFinished", err)
	}
}

func TestSequence_CancelSubscriptionWakesWaitingNext(t *testing.T) {
	seq := broadcast.NewSequence[int](4)
	sub := seq.Subscribe()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, _, err := seq.Next(ctx, sub)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	seq.CancelSubscription(sub)

	select {
	case err := <-errCh:
		if !errors.Is(err, broadcast.ErrCancelled) {
			t.Fatalf("got %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never resumed after CancelSubscription")
	}
}

func TestSequence_IsSafeForNextSubscriber(t *testing.T) {
	seq := broadcast.NewSequence[int](1)
	if !seq.IsSafeForNextSubscriber() {
		t.Fatal("fresh sequence should be safe for a next subscriber")
	}

	sub := seq.Subscribe()
	if seq.IsSafeForNextSubscriber() {
		t.Fatal("a sequence with an active subscriber should not be safe")
	}
	seq.CancelSubscription(sub)
	if !seq.IsSafeForNextSubscriber() {
		t.Fatal("sequence should be safe again once the only subscriber cancels")
	}

	// Force an eviction by overflowing the buffer with no subscribers left
	// to protect the oldest element: with no subscribers at all, a yield
	// that overflows the buffer evicts the oldest element immediately.
	ctx := context.Background()
	if err := seq.Yield(ctx, 1); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if err := seq.Yield(ctx, 2); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if seq.IsSafeForNextSubscriber() {
		t.Fatal("sequence should no longer be safe once an element has been evicted")
	}
}

func TestSequence_CancelledYieldDoesNotPublish(t *testing.T) {
	seq := broadcast.NewSequence[int](1)
	sub := seq.Subscribe()
	ctx := context.Background()

	if err := seq.Yield(ctx, 0); err != nil {
		t.Fatalf("Yield 0: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	yieldDone := make(chan error, 1)
	go func() {
		yieldDone <- seq.Yield(cancelCtx, 1)
	}()

	select {
	case <-yieldDone:
		t.Fatal("Yield returned before being suspended behind the laggard subscriber")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-yieldDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Yield: got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Yield never returned after its context was cancelled")
	}

	// The cancelled value must never have been published: the only element
	// visible to the subscriber is the first one, followed by whatever the
	// next successful Yield appends with the same ElementID.
	v, id, err := seq.Next(ctx, sub)
	if err != nil || v != 0 || id != 0 {
		t.Fatalf("Next: got (%d, %d, %v), want (0, 0, nil)", v, id, err)
	}
	if err := seq.Yield(ctx, 2); err != nil {
		t.Fatalf("Yield 2: %v", err)
	}
	v, id, err = seq.Next(ctx, sub)
	if err != nil || v != 2 || id != 1 {
		t.Fatalf("Next: got (%d, %d, %v), want (2, 1, nil) — the cancelled value leaked into the buffer", v, id, err)
	}
}

func TestSequence_CancelledNextRemovesSubscriptionAndWakesProducer(t *testing.T) {
	seq := broadcast.NewSequence[int](1)
	sub := seq.Subscribe()
	ctx := context.Background()

	if err := seq.Yield(ctx, 0); err != nil {
		t.Fatalf("Yield 0: %v", err)
	}

	// sub is now the sole laggard at element 0; a second Yield must suspend
	// the producer until sub advances or goes away.
	yieldDone := make(chan error, 1)
	go func() {
		yieldDone <- seq.Yield(ctx, 1)
	}()

	select {
	case <-yieldDone:
		t.Fatal("Yield returned before the laggard subscriber advanced or cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	nextCtx, cancel := context.WithCancel(ctx)
	nextDone := make(chan error, 1)
	go func() {
		_, _, err := seq.Next(nextCtx, sub)
		nextDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-nextDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next: got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never returned after its context was cancelled")
	}

	select {
	case err := <-yieldDone:
		if err != nil {
			t.Fatalf("Yield: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer stayed suspended after its sole laggard's Next was cancelled away")
	}

	if _, _, err := seq.Next(ctx, sub); err == nil {
		t.Fatal("a cancelled Next call must remove the subscription entirely")
	}
}

func TestSequence_InvalidateAllSubscriptions(t *testing.T) {
	seq := broadcast.NewSequence[int](4)
	sub := seq.Subscribe()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, _, err := seq.Next(ctx, sub)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	seq.InvalidateAllSubscriptions()

	select {
	case err := <-errCh:
		if !errors.Is(err, broadcast.ErrProductionAlreadyFinished) {
			t.Fatalf("got %v, want ErrProductionAlreadyFinished", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never resumed after InvalidateAllSubscriptions")
	}

	if err := seq.Yield(ctx, 1); !errors.Is(err, broadcast.ErrProductionAlreadyFinished) {
		t.Fatalf("Yield after invalidate: got %v, want ErrProductionAlreadyFinished", err)
	}
}
