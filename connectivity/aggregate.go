// Package connectivity re-exports the gRPC-Go connectivity state enumeration
// and implements the cross-subchannel aggregation rule from spec.md §3.
//
// [connectivity.State] already encodes the five values the core needs
// (idle, connecting, ready, transientFailure, shutdown); this package does
// not redeclare an equivalent enum, it imports the ecosystem one directly.
package connectivity

import "google.golang.org/grpc/connectivity"

// State is the connectivity state of a subchannel or an aggregate of
// subchannels.
type State = connectivity.State

// Re-exported state values, named the way spec.md §3 names them.
const (
	Idle             = connectivity.Idle
	Connecting       = connectivity.Connecting
	Ready            = connectivity.Ready
	TransientFailure = connectivity.TransientFailure
	Shutdown         = connectivity.Shutdown
)

// Aggregate computes the load balancer's published aggregate connectivity
// state from the current states of its subchannels, per the rule in
// spec.md §3:
//
//	any ready             → ready
//	else any connecting   → connecting
//	else any idle         → idle
//	else all transientFailure → transientFailure
//	else                  → shutdown
//
// An empty set aggregates to Shutdown: a balancer with no subchannels left
// has nothing to serve, which is the terminal state a closing balancer
// converges on.
func Aggregate(states []State) State {
	var anyConnecting, anyIdle, allTransientFailure bool
	allTransientFailure = len(states) > 0

	for _, s := range states {
		switch s {
		case Ready:
			return Ready
		case Connecting:
			anyConnecting = true
			allTransientFailure = false
		case Idle:
			anyIdle = true
			allTransientFailure = false
		case TransientFailure:
			// no-op: contributes to allTransientFailure only if nothing
			// else disqualifies it.
		default:
			allTransientFailure = false
		}
	}

	switch {
	case anyConnecting:
		return Connecting
	case anyIdle:
		return Idle
	case allTransientFailure:
		return TransientFailure
	default:
		return Shutdown
	}
}
