// Package throttle implements the retry throttle described in spec.md
// §4.B: a scaled-integer token bucket that caps the rate of retries a client
// issues against a degraded backend, independent of any one RPC's own retry
// policy. The algorithm matches gRPC's standard client-side retry throttling
// (maxTokens / tokenRatio), reimplemented here with integer arithmetic
// scaled by 1000 so no float ever needs to cross a lock boundary.
package throttle

import "sync"

const scale = 1000

// Throttle is a single token bucket shared by every retry/hedge attempt
// against one logical target. The zero value is not usable; construct one
// with New.
type Throttle struct {
	mu sync.Mutex

	tokensScaled    int64
	maxTokensScaled int64
	ratioScaled     int64
}

// New constructs a Throttle with the given maximum token count and the
// per-success token replenishment ratio, matching the maxTokens/tokenRatio
// parameters of gRPC's retry throttling policy. The bucket starts full.
func New(maxTokens float64, tokenRatio float64) *Throttle {
	maxScaled := int64(maxTokens * scale)
	return &Throttle{
		tokensScaled:    maxScaled,
		maxTokensScaled: maxScaled,
		ratioScaled:     int64(tokenRatio * scale),
	}
}

// RecordSuccess replenishes the bucket by tokenRatio, capped at maxTokens.
func (t *Throttle) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tokensScaled += t.ratioScaled
	if t.tokensScaled > t.maxTokensScaled {
		t.tokensScaled = t.maxTokensScaled
	}
}

// RecordFailure withdraws one full token from the bucket, floored at zero,
// and reports whether the bucket has dropped to or below half of its
// capacity — the point at which IsRetryPermitted starts refusing retries.
func (t *Throttle) RecordFailure() (wasThrottled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tokensScaled -= 1 * scale
	if t.tokensScaled < 0 {
		t.tokensScaled = 0
	}
	return !t.isRetryPermittedLocked()
}

// IsRetryPermitted reports whether the bucket currently holds more than half
// of its maximum token count. A retry/hedge attempt should only be issued
// when this returns true; the caller is still responsible for calling
// RecordFailure or RecordSuccess once the attempt resolves.
func (t *Throttle) IsRetryPermitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRetryPermittedLocked()
}

func (t *Throttle) isRetryPermittedLocked() bool {
	return t.tokensScaled > t.maxTokensScaled/2
}
