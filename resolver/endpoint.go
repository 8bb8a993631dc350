// Package resolver defines the data types the core exchanges with a name
// resolution collaborator. Resolver implementations themselves (DNS, static
// lists, xDS, ...) are out of scope per spec.md §1; this package only
// defines the Endpoint/Address shapes the load balancers consume.
package resolver

import "sort"

// Address is a single socket address belonging to an Endpoint (e.g.
// "10.0.0.1:443").
type Address struct {
	// HostPort is the dialable host:port string.
	HostPort string
	// Attributes carries resolver-specific metadata that does not affect
	// Endpoint equality (e.g. a weight or a zone label).
	Attributes map[string]string
}

// Endpoint is an ordered, non-empty set of addresses that together identify
// one logical destination, per spec.md §3. Two endpoints are equal iff their
// address multisets (unordered) are equal.
type Endpoint struct {
	Addresses []Address
}

// Key returns the unordered-address-multiset key used to compare two
// Endpoints for equality and to index a load balancer's subchannel cache.
// Endpoints that only differ in address order within the same multiset
// produce the same Key.
func (e Endpoint) Key() string {
	hostports := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		hostports[i] = a.HostPort
	}
	sort.Strings(hostports)

	key := ""
	for i, hp := range hostports {
		if i > 0 {
			key += "\x00"
		}
		key += hp
	}
	return key
}

// Equal reports whether e and other identify the same logical destination,
// i.e. have equal address multisets regardless of order.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Key() == other.Key()
}

// Empty reports whether the endpoint has no addresses. A non-empty Endpoint
// is required by spec.md §3; callers should reject an Empty endpoint before
// constructing a subchannel for it.
func (e Endpoint) Empty() bool {
	return len(e.Addresses) == 0
}
