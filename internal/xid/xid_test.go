package xid_test

import (
	"sync"
	"testing"

	"github.com/relaygrpc/core/internal/xid"
)

func TestCounter_StartsAtZeroAndIncrements(t *testing.T) {
	var c xid.Counter
	for want := int64(0); want < 5; want++ {
		if got := c.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestCounter_ConcurrentUseProducesUniqueValues(t *testing.T) {
	var c xid.Counter
	const n = 200

	seen := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = c.Next()
		}(i)
	}
	wg.Wait()

	set := make(map[int64]bool, n)
	for _, v := range seen {
		if set[v] {
			t.Fatalf("duplicate id %d", v)
		}
		set[v] = true
	}
	if len(set) != n {
		t.Fatalf("got %d unique ids, want %d", len(set), n)
	}
}
