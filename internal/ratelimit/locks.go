package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// ApiLocksConfig configures a per-host permit set (ApiLocks<Host> in the
// source design): how many concurrent wake/connect attempts are allowed
// per host, and how long a caller waits for a free slot before the
// acquisition itself is treated as a non-retryable failure. Metrics may be
// nil; permit waits then go unrecorded.
type ApiLocksConfig struct {
	Permits int64
	Timeout time.Duration
	Metrics *metrics.Collector
}

// ApiLocks hands out per-host permits gating concurrent wake or connect
// attempts. Hosts are created lazily and never removed — the set of
// distinct compute hosts a proxy talks to is bounded by the fleet size, so
// this does not need an eviction policy.
type ApiLocks struct {
	cfg ApiLocksConfig

	mu  sync.Mutex
	sem map[types.Host]*semaphore.Weighted
}

// NewApiLocks creates a permit set with the given per-host capacity and
// acquire timeout.
func NewApiLocks(cfg ApiLocksConfig) *ApiLocks {
	return &ApiLocks{
		cfg: cfg,
		sem: make(map[types.Host]*semaphore.Weighted),
	}
}

func (l *ApiLocks) semaphoreFor(host types.Host) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sem[host]
	if !ok {
		s = semaphore.NewWeighted(l.cfg.Permits)
		l.sem[host] = s
	}
	return s
}

// Permit is a single acquired slot. It must be released exactly once,
// either immediately via Release (connect attempt failed) or — on success
// — by transferring ownership into the connection it admitted
// (connect.RemoteConn), which calls Release when that connection is closed.
type Permit struct {
	sem      *semaphore.Weighted
	released atomic.Bool
}

// Release frees the slot. Safe to call more than once.
func (p *Permit) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.sem.Release(1)
	}
}

// GetPermit blocks until a slot for host is available or the configured
// timeout elapses, whichever is first. A timed-out acquisition is the
// canonical TooManyConnectionAttempts case and is never retried.
func (l *ApiLocks) GetPermit(ctx context.Context, host types.Host) (*Permit, error) {
	sem := l.semaphoreFor(host)

	acquireCtx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.PermitWait("timeout", time.Since(start))
		}
		return nil, &perr.TooManyConnectionAttempts{Host: string(host)}
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.PermitWait("acquired", time.Since(start))
	}
	return &Permit{sem: sem}, nil
}
