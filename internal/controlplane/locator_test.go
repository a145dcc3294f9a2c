package controlplane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// countingClient wraps a Client, counting WakeCompute calls so tests can
// assert on cache hit/miss and coalescing behavior.
type countingClient struct {
	Client
	wakeCalls int64
}

func (c *countingClient) WakeCompute(ctx context.Context, endpoint types.EndpointID) (WakeResult, error) {
	atomic.AddInt64(&c.wakeCalls, 1)
	return c.Client.WakeCompute(ctx, endpoint)
}

func newTestLocator(t *testing.T, cfg LocatorConfig) (*Locator, *countingClient) {
	t.Helper()
	static := NewStaticClient(map[types.EndpointID]EndpointRecord{
		"ep1": {Host: "127.0.0.1", Port: 5432},
	})
	cc := &countingClient{Client: static}
	locks := ratelimit.NewApiLocks(ratelimit.ApiLocksConfig{Permits: 10, Timeout: time.Second})
	return NewLocator(cc, locks, cfg), cc
}

func TestLocatorCacheHitAvoidsWakeCall(t *testing.T) {
	loc, cc := newTestLocator(t, LocatorConfig{CacheTTL: time.Minute, CacheCapacity: 100})

	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 1: %v", err)
	}
	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 2: %v", err)
	}

	if cc.wakeCalls != 1 {
		t.Errorf("expected exactly one wake_compute call across a cache hit, got %d", cc.wakeCalls)
	}
}

func TestLocatorCacheExpiryForcesRewake(t *testing.T) {
	loc, cc := newTestLocator(t, LocatorConfig{CacheTTL: time.Millisecond, CacheCapacity: 100})

	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 2: %v", err)
	}

	if cc.wakeCalls != 2 {
		t.Errorf("expected a rewake after TTL expiry, got %d calls", cc.wakeCalls)
	}
}

func TestLocatorInvalidateForcesRewake(t *testing.T) {
	loc, cc := newTestLocator(t, LocatorConfig{CacheTTL: time.Minute, CacheCapacity: 100})

	node, err := loc.Locate(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("locate 1: %v", err)
	}
	node.CacheEntry.Invalidate()

	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 2: %v", err)
	}

	if cc.wakeCalls != 2 {
		t.Errorf("expected invalidate() to force a fresh wake_compute call, got %d", cc.wakeCalls)
	}
}

func TestLocatorStaleInvalidateIsANoop(t *testing.T) {
	loc, cc := newTestLocator(t, LocatorConfig{CacheTTL: time.Minute, CacheCapacity: 100})

	stale, err := loc.Locate(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("locate 1: %v", err)
	}

	// invalidating the live entry forces a rewake, and the fresh entry gets
	// a new generation; calling the same (now stale) handle again must not
	// evict it. Expect two wakes: the first locate and the rewake.
	stale.CacheEntry.Invalidate()
	fresh, err := loc.Locate(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("locate 2: %v", err)
	}
	_ = fresh
	stale.CacheEntry.Invalidate()

	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate 3: %v", err)
	}
	if cc.wakeCalls != 2 {
		t.Errorf("a stale handle's Invalidate must not evict a fresher entry, expected 2 wake calls, got %d", cc.wakeCalls)
	}
}

func TestLocatorConcurrentMissesCoalesce(t *testing.T) {
	loc, cc := newTestLocator(t, LocatorConfig{CacheTTL: time.Minute, CacheCapacity: 100})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
				t.Errorf("locate: %v", err)
			}
		}()
	}
	wg.Wait()

	if cc.wakeCalls != 1 {
		t.Errorf("expected 20 concurrent misses for the same endpoint to coalesce into 1 wake_compute call, got %d", cc.wakeCalls)
	}
}

func TestLocatorEvictsLRUBeyondCapacity(t *testing.T) {
	static := NewStaticClient(map[types.EndpointID]EndpointRecord{
		"ep1": {Host: "127.0.0.1", Port: 5432},
		"ep2": {Host: "127.0.0.1", Port: 5433},
		"ep3": {Host: "127.0.0.1", Port: 5434},
	})
	cc := &countingClient{Client: static}
	locks := ratelimit.NewApiLocks(ratelimit.ApiLocksConfig{Permits: 10, Timeout: time.Second})
	loc := NewLocator(cc, locks, LocatorConfig{CacheTTL: time.Minute, CacheCapacity: 2})

	for _, ep := range []types.EndpointID{"ep1", "ep2", "ep3"} {
		if _, err := loc.Locate(context.Background(), ep); err != nil {
			t.Fatalf("locate %s: %v", ep, err)
		}
	}

	// ep1 should have been evicted as least-recently-used once ep3 pushed
	// the cache past capacity 2.
	if _, err := loc.Locate(context.Background(), "ep1"); err != nil {
		t.Fatalf("locate ep1 again: %v", err)
	}
	if cc.wakeCalls != 4 {
		t.Errorf("expected ep1's eviction to force a 4th wake call, got %d", cc.wakeCalls)
	}
}
