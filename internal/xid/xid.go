// Package xid provides small monotone identifier counters. The broadcast
// package uses it for its SubscriberID and ProducerToken values, which are
// plain monotone integers per spec.md §3; ElementIDs are assigned by the
// broadcast sequence itself.
package xid

import "sync/atomic"

// Counter produces a monotonically increasing sequence of int64 values
// starting at 0. The zero value is ready to use. Safe for concurrent use.
type Counter struct {
	next atomic.Int64
}

// Next returns the next value in the sequence, starting at 0.
func (c *Counter) Next() int64 {
	return c.next.Add(1) - 1
}
