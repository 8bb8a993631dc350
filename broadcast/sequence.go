// Package broadcast implements the single-producer, multi-subscriber
// broadcast sequence described in spec.md §4.A: a bounded ring buffer with
// per-subscriber read cursors, backpressure on the producer, and a
// drop-slow-subscriber policy. It is the primitive the retry/hedge executor
// (executor package) uses to fan one logical request out to up to five
// concurrent attempts.
//
// All mutations are serialised by a single mutex per Sequence. The critical
// section only mutates state and builds a list of "wake" actions; those
// actions (channel sends) are always performed after the mutex is released,
// per the concurrency design in spec.md §5 — no lock is held across a
// suspend point.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/relaygrpc/core/internal/xid"
)

// ElementID is a monotone identifier assigned to each yielded element,
// starting at 0.
type ElementID int64

// SubscriberID identifies one Subscription returned by Subscribe.
type SubscriberID int64

// ProducerToken identifies one suspension of the producer inside Yield. It
// has no meaning outside the package; it exists so the design's "fresh,
// monotone ProducerToken" requirement (spec.md §4.A) is observable in tests.
type ProducerToken int64

// Sentinel errors, per spec.md §7.
var (
	// ErrConsumingTooSlow is returned to a subscriber that has fallen behind
	// the buffer (its nextElementID is below the lowest buffered ElementID).
	ErrConsumingTooSlow = errors.New("broadcast: consuming too slow")
	// ErrProductionAlreadyFinished is returned from Yield after Finish has
	// already been called, and from Next to subscribers left waiting when
	// the shared state is invalidated without a clean Finish.
	ErrProductionAlreadyFinished = errors.New("broadcast: production already finished")
	// ErrCancelled is returned to a cancelled Next or Yield caller.
	ErrCancelled = context.Canceled
)

type state int

const (
	stateInitial state = iota
	stateSubscribed
	stateStreaming
	stateFinished
)

type pendingElement[T any] struct {
	id    ElementID
	value T
}

type nextResult[T any] struct {
	value T
	id    ElementID
	end   bool
	err   error
}

type subscription[T any] struct {
	id            SubscriberID
	nextElementID ElementID
	waiter        chan nextResult[T]
}

type producerWaiter struct {
	token ProducerToken
	done  chan error
}

// Sequence is a bounded broadcast sequence of elements of type T. The zero
// value is not usable; construct one with NewSequence.
type Sequence[T any] struct {
	mu sync.Mutex

	bufferSize int
	state      state

	elements []pendingElement[T] // elements[0].id == lowestID when non-empty
	lowestID ElementID
	nextID   ElementID

	subs         map[SubscriberID]*subscription[T]
	droppedMarks map[SubscriberID]bool
	subIDs       xid.Counter

	producerWaiter   *producerWaiter
	producerTokenSeq xid.Counter

	finished  bool
	finishErr error
}

// NewSequence constructs a Sequence with the given buffer capacity. Per
// spec.md §3, bufferSize must be positive; values less than 1 are clamped to
// 1, treating a non-positive capacity as "use the minimum" rather than as a
// construction error.
func NewSequence[T any](bufferSize int) *Sequence[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Sequence[T]{
		bufferSize:   bufferSize,
		subs:         make(map[SubscriberID]*subscription[T]),
		droppedMarks: make(map[SubscriberID]bool),
	}
}

// Yield appends value to the sequence. It may suspend the calling goroutine
// when the buffer is full and every current subscriber is a laggard (stuck
// at the lowest buffered element); the suspension is released when any
// subscriber advances, or when ctx is cancelled. Yield returns
// ErrProductionAlreadyFinished if Finish has already been called.
func (s *Sequence[T]) Yield(ctx context.Context, value T) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrProductionAlreadyFinished
	}

	if s.state == stateInitial || s.state == stateSubscribed {
		s.state = stateStreaming
	}

	id := s.nextID
	s.nextID++
	s.elements = append(s.elements, pendingElement[T]{id: id, value: value})

	return s.resolveOverflowLoop(ctx, id, value)
}

// resolveOverflowLoop handles the bookkeeping after an element has been
// appended: waking any subscriber that was waiting for exactly this element,
// and resolving a buffer overflow by evicting the oldest element, failing
// pure laggards, or suspending the producer until a consumer advances. It
// re-enters itself (without re-appending) after a producer suspension is
// released. Called with s.mu held; always returns with s.mu released.
func (s *Sequence[T]) resolveOverflowLoop(ctx context.Context, id ElementID, value T) error {
	for {
		if len(s.elements) <= s.bufferSize {
			actions := s.wakeWaitingSubscribersLocked(id, value)
			s.mu.Unlock()
			runAll(actions)
			return nil
		}

		lowest := s.elements[0].id
		var laggards []*subscription[T]
		for _, sub := range s.subs {
			if sub.nextElementID == lowest {
				laggards = append(laggards, sub)
			}
		}

		switch {
		case len(laggards) == 0:
			s.evictOldestLocked()
			actions := s.wakeWaitingSubscribersLocked(id, value)
			s.mu.Unlock()
			runAll(actions)
			return nil

		case len(s.subs) > 0 && len(laggards) == len(s.subs):
			token := ProducerToken(s.producerTokenSeq.Next())
			done := make(chan error, 1)
			s.producerWaiter = &producerWaiter{token: token, done: done}
			s.mu.Unlock()

			select {
			case err := <-done:
				if err != nil {
					return err
				}
				s.mu.Lock()
				continue
			case <-ctx.Done():
				s.mu.Lock()
				if s.producerWaiter != nil && s.producerWaiter.token == token {
					s.producerWaiter = nil
				}
				s.removeUnpublishedLocked(id)
				s.mu.Unlock()
				return ctx.Err()
			}

		default:
			for _, sub := range laggards {
				delete(s.subs, sub.id)
				s.droppedMarks[sub.id] = true
			}
			s.evictOldestLocked()
			actions := s.wakeWaitingSubscribersLocked(id, value)
			s.mu.Unlock()
			runAll(actions)
			return nil
		}
	}
}

// wakeWaitingSubscribersLocked resumes every subscriber suspended in Next
// whose nextElementID equals the just-appended element's id — the only
// element that could satisfy them, since a subscriber only suspends when its
// cursor sits exactly one past the highest buffered id. Must be called with
// s.mu held; the returned actions must be run after it is released.
func (s *Sequence[T]) wakeWaitingSubscribersLocked(id ElementID, value T) []func() {
	var actions []func()
	for _, sub := range s.subs {
		if sub.waiter != nil && sub.nextElementID == id {
			ch := sub.waiter
			sub.waiter = nil
			sub.nextElementID++
			actions = append(actions, func() { ch <- nextResult[T]{value: value, id: id} })
		}
	}
	return actions
}

// removeUnpublishedLocked undoes the append Yield performed before a
// cancelled suspend, so a cancelled producer never leaves its element
// visible to subscribers (spec requires cancellation to remove the producer
// "without publishing its element"). id is always the tail element, since
// Yield appends once per call and this package has a single producer. Must
// be called with s.mu held.
func (s *Sequence[T]) removeUnpublishedLocked(id ElementID) {
	if len(s.elements) == 0 {
		return
	}
	last := s.elements[len(s.elements)-1]
	if last.id != id {
		return
	}
	s.elements = s.elements[:len(s.elements)-1]
	if s.nextID == id+1 {
		s.nextID = id
	}
}

func (s *Sequence[T]) evictOldestLocked() {
	if len(s.elements) == 0 {
		return
	}
	s.elements = s.elements[1:]
	s.lowestID++
}

func (s *Sequence[T]) elementAtLocked(id ElementID) (pendingElement[T], bool) {
	if len(s.elements) == 0 {
		return pendingElement[T]{}, false
	}
	lowest := s.elements[0].id
	highest := s.elements[len(s.elements)-1].id
	if id < lowest || id > highest {
		return pendingElement[T]{}, false
	}
	return s.elements[id-lowest], true
}

// Finish terminates production. err is nil for a clean end-of-sequence, or
// the terminal failure to deliver to every subscriber still waiting and to
// every future Next call once the buffer has drained. Finish is idempotent;
// calls after the first are no-ops.
func (s *Sequence[T]) Finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.finishErr = err
	s.state = stateFinished

	var actions []func()
	for _, sub := range s.subs {
		if sub.waiter != nil {
			ch := sub.waiter
			sub.waiter = nil
			actions = append(actions, func() { ch <- nextResult[T]{end: true, err: err} })
		}
	}
	s.mu.Unlock()
	runAll(actions)
}

// Subscribe creates a new Subscription and returns its SubscriberID. A fresh
// subscriber always starts at ElementID 0 — so that a retry/hedge attempt
// that subscribes later can still replay the sequence from the beginning —
// which is exactly what IsSafeForNextSubscriber reports on.
func (s *Sequence[T]) Subscribe() SubscriberID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateInitial {
		s.state = stateSubscribed
	}
	id := SubscriberID(s.subIDs.Next())
	s.subs[id] = &subscription[T]{id: id, nextElementID: 0}
	return id
}

// Next returns the next element for subscriber id, suspending the caller
// until one is available, the sequence finishes, ctx is cancelled, or the
// subscriber is dropped for falling behind the buffer (ErrConsumingTooSlow).
// Next returns io.EOF once the sequence has finished cleanly and the
// subscriber has drained every buffered element.
func (s *Sequence[T]) Next(ctx context.Context, id SubscriberID) (T, ElementID, error) {
	s.mu.Lock()

	sub, ok := s.subs[id]
	if !ok {
		return s.nextForAbsentSubscriberLocked(id)
	}

	if elem, found := s.elementAtLocked(sub.nextElementID); found {
		wasLaggard := sub.nextElementID == s.elements[0].id
		sub.nextElementID++

		var wake *producerWaiter
		if wasLaggard && s.producerWaiter != nil {
			wake = s.producerWaiter
			s.producerWaiter = nil
		}
		s.mu.Unlock()
		if wake != nil {
			wake.done <- nil
		}
		return elem.value, elem.id, nil
	}

	if len(s.elements) > 0 && sub.nextElementID < s.elements[0].id {
		delete(s.subs, id)
		s.mu.Unlock()
		var zero T
		return zero, 0, ErrConsumingTooSlow
	}

	if s.finished {
		s.mu.Unlock()
		var zero T
		if s.finishErr != nil {
			return zero, 0, s.finishErr
		}
		return zero, 0, io.EOF
	}

	waitCh := make(chan nextResult[T], 1)
	sub.waiter = waitCh
	s.mu.Unlock()

	select {
	case res := <-waitCh:
		var zero T
		if res.err != nil {
			return zero, 0, res.err
		}
		if res.end {
			return zero, 0, io.EOF
		}
		return res.value, res.id, nil
	case <-ctx.Done():
		s.mu.Lock()
		var wake *producerWaiter
		if sub2, ok := s.subs[id]; ok && sub2.waiter == waitCh {
			wake = s.removeSubscriptionLocked(sub2)
		}
		s.mu.Unlock()
		if wake != nil {
			wake.done <- nil
		}
		var zero T
		return zero, 0, ctx.Err()
	}
}

// nextForAbsentSubscriberLocked is called with s.mu held for a subscriber id
// with no live Subscription (already dropped, cancelled, or never existed).
// It always unlocks s.mu before returning.
func (s *Sequence[T]) nextForAbsentSubscriberLocked(id SubscriberID) (T, ElementID, error) {
	var zero T
	if s.droppedMarks[id] {
		delete(s.droppedMarks, id)
		s.mu.Unlock()
		return zero, 0, ErrConsumingTooSlow
	}
	finished, finishErr := s.finished, s.finishErr
	s.mu.Unlock()

	if finished {
		if finishErr != nil {
			return zero, 0, finishErr
		}
		return zero, 0, io.EOF
	}
	return zero, 0, fmt.Errorf("broadcast: unknown subscriber %d", id)
}

// CancelSubscription removes subscriber id, resuming any suspended Next call
// with ErrCancelled and waking a producer that was suspended while id was a
// laggard (it has now gone away).
func (s *Sequence[T]) CancelSubscription(id SubscriberID) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	wake := s.removeSubscriptionLocked(sub)
	waiter := sub.waiter
	s.mu.Unlock()

	if waiter != nil {
		waiter <- nextResult[T]{err: ErrCancelled}
	}
	if wake != nil {
		wake.done <- nil
	}
}

// removeSubscriptionLocked deletes sub from the subscriber table and, if it
// was a laggard while a producer is suspended (see resolveOverflowLoop),
// returns that producer's waiter so the caller can release it after
// unlocking; the released producer re-checks the buffer and suspends again
// if every remaining subscriber is still a laggard. Shared by CancelSubscription and Next's
// ctx-cancellation path, which must remove the subscription and wake a
// blocked producer identically. Must be called with s.mu held.
func (s *Sequence[T]) removeSubscriptionLocked(sub *subscription[T]) *producerWaiter {
	delete(s.subs, sub.id)
	delete(s.droppedMarks, sub.id)

	wasLaggard := len(s.elements) > 0 && sub.nextElementID == s.elements[0].id
	if wasLaggard && s.producerWaiter != nil {
		wake := s.producerWaiter
		s.producerWaiter = nil
		return wake
	}
	return nil
}

// InvalidateAllSubscriptions drops the sequence's shared state without a
// clean Finish: every waiting subscriber fails with
// ErrProductionAlreadyFinished, every subscription is removed, and a
// suspended producer (if any) is released with the same error. Used when the
// producer handle is released without calling Finish.
func (s *Sequence[T]) InvalidateAllSubscriptions() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.finishErr = ErrProductionAlreadyFinished
	s.state = stateFinished

	var actions []func()
	for id, sub := range s.subs {
		if sub.waiter != nil {
			ch := sub.waiter
			actions = append(actions, func() { ch <- nextResult[T]{end: true, err: ErrProductionAlreadyFinished} })
		}
		delete(s.subs, id)
	}
	var wake *producerWaiter
	if s.producerWaiter != nil {
		wake = s.producerWaiter
		s.producerWaiter = nil
	}
	s.mu.Unlock()

	runAll(actions)
	if wake != nil {
		wake.done <- ErrProductionAlreadyFinished
	}
}

// IsSafeForNextSubscriber reports whether a fresh subscriber (always
// starting at ElementID 0) would see the entire sequence produced so far: no
// subscriber is currently active and no element has ever been evicted from
// the buffer.
func (s *Sequence[T]) IsSafeForNextSubscriber() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && s.lowestID == 0
}

func runAll(actions []func()) {
	for _, a := range actions {
		a()
	}
}
