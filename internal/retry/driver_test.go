package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

type fakeLocator struct {
	calls int64
	info  types.CachedNodeInfo
	err   error
}

func (l *fakeLocator) Locate(ctx context.Context, endpoint types.EndpointID) (types.CachedNodeInfo, error) {
	atomic.AddInt64(&l.calls, 1)
	if l.err != nil {
		return types.CachedNodeInfo{}, l.err
	}
	return l.info, nil
}

type fakeMechanism struct {
	calls   int64
	results []error // nil entries mean success
}

func (m *fakeMechanism) ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (any, error) {
	i := atomic.AddInt64(&m.calls, 1) - 1
	if int(i) >= len(m.results) {
		return "ok", nil
	}
	if err := m.results[i]; err != nil {
		return nil, err
	}
	return "ok", nil
}

type countingInvalidator struct {
	n int64
}

func (c *countingInvalidator) Invalidate() { atomic.AddInt64(&c.n, 1) }

func fastCfg() Config {
	return Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestConnectToComputeSucceedsFirstTry(t *testing.T) {
	loc := &fakeLocator{}
	mech := &fakeMechanism{}

	res, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{}, fastCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("unexpected result: %v", res)
	}
	if loc.calls != 1 {
		t.Errorf("expected exactly one locate call, got %d", loc.calls)
	}
	if mech.calls != 1 {
		t.Errorf("expected exactly one connect attempt, got %d", mech.calls)
	}
}

// sameNodeRetryableError is CouldRetry=true but ShouldRetryWakeCompute=false
// — a failure worth retrying against the node already located, without
// paying for a fresh wake. ConnError ties both to the same Kind, so this
// test-local type exercises the driver's "retry same node" branch directly.
type sameNodeRetryableError struct{}

func (sameNodeRetryableError) Error() string               { return "transient, same node retry" }
func (sameNodeRetryableError) CouldRetry() bool             { return true }
func (sameNodeRetryableError) ShouldRetryWakeCompute() bool { return false }

func TestConnectToComputeRetriesSameNodeWithoutRewake(t *testing.T) {
	loc := &fakeLocator{}
	mech := &fakeMechanism{results: []error{sameNodeRetryableError{}}}

	_, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{}, fastCfg())
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if loc.calls != 1 {
		t.Errorf("a same-node-retryable failure must not trigger a fresh locate, got %d locate calls", loc.calls)
	}
	if mech.calls != 2 {
		t.Errorf("expected a second connect attempt against the same node, got %d", mech.calls)
	}
}

func TestConnectToComputeInvalidatesWakeCacheOnComputeError(t *testing.T) {
	inv := &countingInvalidator{}
	loc := &fakeLocator{info: types.CachedNodeInfo{CacheEntry: inv}}
	mech := &fakeMechanism{results: []error{perr.NewComputeError(context.DeadlineExceeded)}}

	_, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{}, fastCfg())
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if loc.calls != 2 {
		t.Errorf("expected a fresh locate after the wake-retryable failure, got %d calls", loc.calls)
	}
	if inv.n != 1 {
		t.Errorf("expected the stale node's cache entry to be invalidated exactly once, got %d", inv.n)
	}
}

func TestConnectToComputeDoesNotInvalidateOnPostgresError(t *testing.T) {
	inv := &countingInvalidator{}
	loc := &fakeLocator{info: types.CachedNodeInfo{CacheEntry: inv}}
	mech := &fakeMechanism{results: []error{perr.NewPostgresError(`role "bob" does not exist`)}}

	_, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{}, fastCfg())
	if err == nil {
		t.Fatal("expected a Postgres startup rejection to surface, not succeed")
	}
	if inv.n != 0 {
		t.Errorf("a Postgres-kind error must never invalidate the wake cache, got %d invalidations", inv.n)
	}
	if loc.calls != 1 {
		t.Errorf("a Postgres-kind error must never trigger a relocate, got %d locate calls", loc.calls)
	}
}

func TestConnectToComputeNeverRetriesPermitExhaustion(t *testing.T) {
	loc := &fakeLocator{err: &perr.TooManyConnectionAttempts{Host: "h1"}}
	mech := &fakeMechanism{}

	_, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{}, fastCfg())
	if err == nil {
		t.Fatal("expected permit exhaustion to surface")
	}
	if loc.calls != 1 {
		t.Errorf("TooManyConnectionAttempts must never be retried, got %d locate calls", loc.calls)
	}
	if mech.calls != 0 {
		t.Errorf("connect should never be attempted when locate itself fails, got %d calls", mech.calls)
	}
}

func TestConnectToComputeExhaustsAttemptBudget(t *testing.T) {
	loc := &fakeLocator{}
	mech := &fakeMechanism{results: []error{
		perr.NewComputeError(context.DeadlineExceeded),
		perr.NewComputeError(context.DeadlineExceeded),
		perr.NewComputeError(context.DeadlineExceeded),
	}}

	_, err := ConnectToCompute(context.Background(), loc, mech, types.EndpointID("ep1"), types.ConnInfo{}, types.ComputeCredentialKeys{},
		Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if err == nil {
		t.Fatal("expected the attempt budget to eventually be exhausted")
	}
}
