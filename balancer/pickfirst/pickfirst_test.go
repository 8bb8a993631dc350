package pickfirst_test

import (
	"testing"
	"time"

	"google.golang.org/grpc/backoff"

	"github.com/relaygrpc/core/balancer/pickfirst"
	"github.com/relaygrpc/core/connectivity"
	"github.com/relaygrpc/core/resolver"
	"github.com/relaygrpc/core/transport/faketransport"
)

func waitForConn(t *testing.T, connector *faketransport.Connector, addr string) *faketransport.Connection {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c := connector.LastConnectionTo(addr); c != nil {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no connection ever dialed to %s", addr)
	return nil
}

func waitForState(t *testing.T, b *pickfirst.Balancer, want connectivity.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %v; last seen %v", want, b.State())
}

func testBackoff() backoff.Config {
	return backoff.Config{BaseDelay: 5 * time.Millisecond, Multiplier: 1, Jitter: 0, MaxDelay: 20 * time.Millisecond}
}

func ep(hostports ...string) resolver.Endpoint {
	addrs := make([]resolver.Address, len(hostports))
	for i, hp := range hostports {
		addrs[i] = resolver.Address{HostPort: hp}
	}
	return resolver.Endpoint{Addresses: addrs}
}

func TestPickFirst_PicksFirstEndpointOnceReady(t *testing.T) {
	connector := faketransport.NewConnector(nil)
	b := pickfirst.New(connector, testBackoff(), nil)

	b.UpdateEndpoints([]resolver.Endpoint{ep("10.0.0.1:443"), ep("10.0.0.2:443")})

	var conn *faketransport.Connection
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c := connector.LastConnectionTo("10.0.0.1:443"); c != nil {
			conn = c
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if conn == nil {
		t.Fatal("expected pick-first to dial the first endpoint")
	}
	conn.Succeed()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Pick(); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Pick never succeeded after the first endpoint connected")
}

func TestPickFirst_NoEndpointsYieldsError(t *testing.T) {
	connector := faketransport.NewConnector(nil)
	b := pickfirst.New(connector, testBackoff(), nil)
	if _, err := b.Pick(); err != pickfirst.ErrNoEndpoints {
		t.Fatalf("got %v, want ErrNoEndpoints", err)
	}
}

// TestPickFirst_StateStaysReadyDuringGracefulSwitchover exercises spec.md
// §8 scenario S4: the balancer is ready on endpoint A; UpdateEndpoints moves
// to endpoint B; State must keep reporting A's Ready state (picks must keep
// landing on A) until B's subchannel itself reports Ready, at which point A
// is closed and State republishes Ready for B.
func TestPickFirst_StateStaysReadyDuringGracefulSwitchover(t *testing.T) {
	connector := faketransport.NewConnector(nil)
	b := pickfirst.New(connector, testBackoff(), nil)

	b.UpdateEndpoints([]resolver.Endpoint{ep("10.0.0.1:443")})
	connA := waitForConn(t, connector, "10.0.0.1:443")
	connA.Succeed()
	waitForState(t, b, connectivity.Ready)

	if conn, err := b.Pick(); err != nil || conn != connA {
		t.Fatalf("Pick before switchover: got (%v, %v), want (connA, nil)", conn, err)
	}

	b.UpdateEndpoints([]resolver.Endpoint{ep("10.0.0.2:443")})

	// B is still connecting: State and Pick must keep serving A.
	for i := 0; i < 10; i++ {
		if got := b.State(); got != connectivity.Ready {
			t.Fatalf("State during warmup = %v, want Ready (still serving A)", got)
		}
		if conn, err := b.Pick(); err != nil || conn != connA {
			t.Fatalf("Pick during warmup: got (%v, %v), want (connA, nil)", conn, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	connB := waitForConn(t, connector, "10.0.0.2:443")
	connB.Succeed()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := b.Pick(); err == nil && conn == connB {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("balancer never promoted B to current after it became ready")
}

func TestPickFirst_SameFirstEndpointIsNoOp(t *testing.T) {
	connector := faketransport.NewConnector(nil)
	b := pickfirst.New(connector, testBackoff(), nil)

	b.UpdateEndpoints([]resolver.Endpoint{ep("10.0.0.1:443")})
	time.Sleep(10 * time.Millisecond)
	firstDialCount := len(connector.Dialed())

	b.UpdateEndpoints([]resolver.Endpoint{ep("10.0.0.1:443")})
	time.Sleep(10 * time.Millisecond)
	if got := len(connector.Dialed()); got != firstDialCount {
		t.Fatalf("dialed %d times after a repeated identical update, want %d", got, firstDialCount)
	}
}
