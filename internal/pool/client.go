// Package pool implements the three connection pools the core reuses
// established backend connections through: a pool of raw TCP connections to
// remote compute, a pool of HTTP/2 connections to a co-located local proxy,
// and a pool of loopback connections to a local Postgres. All three are
// keyed by types.ConnInfo rather than assuming one fixed backend per tenant;
// the remote and local pools share the PooledClient lifecycle and
// EndpointConnPool mechanics, while the HTTP/2 pool hands out shared leases.
package pool

import (
	"io"
	"sync"
	"time"

	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// ClientState tracks where a pooled backend resource sits in its lifecycle.
// The resource need not be a raw net.Conn (it might be an HTTP/2 stream
// handle).
type ClientState int

const (
	StateIdle ClientState = iota
	StateActive
	StateClosed
)

// Backend is the minimum a pooled resource must support: a close, and
// whatever protocol-specific methods the owner needs via a type assertion
// (connect.RemoteConn, ...). PooledClient.Backend returns the underlying
// resource for that assertion.
type Backend interface {
	io.Closer
}

// PooledClient wraps a Backend with pooling metadata. At any instant it is
// owned either by the requester that acquired it or by its pool's idle
// list, never both — the exactly-one-owner invariant this package relies on.
type PooledClient struct {
	mu        sync.Mutex
	backend   Backend
	state     ClientState
	createdAt time.Time
	lastUsed  time.Time
	info      types.ConnInfo

	// discard marks a client that must never be returned to the idle list
	// even on a clean Release — e.g. the backend reported a fatal error.
	discard bool
	// dirty marks a client whose session state (GUCs, prepared statements,
	// temp tables) was mutated and so is unsafe to hand to a different
	// caller without a reset the pool does not implement; it is closed on
	// Release instead of reused.
	dirty bool

	pool   *EndpointConnPool // back-reference for Release
	permit *ratelimit.Permit // released when this client is finally closed
}

// NewPooledClient wraps backend for management by p.
func NewPooledClient(backend Backend, info types.ConnInfo, p *EndpointConnPool, permit *ratelimit.Permit) *PooledClient {
	now := time.Now()
	return &PooledClient{
		backend:   backend,
		state:     StateIdle,
		createdAt: now,
		lastUsed:  now,
		info:      info,
		pool:      p,
		permit:    permit,
	}
}

// Backend returns the underlying pooled resource, unwrapping any
// bookkeeping layers the pool added around it so callers can assert on the
// transport's concrete type.
func (pc *PooledClient) Backend() Backend {
	b := pc.backend
	for {
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}

// ConnInfo returns the key this client was pooled under.
func (pc *PooledClient) ConnInfo() types.ConnInfo { return pc.info }

func (pc *PooledClient) markActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = StateActive
	pc.lastUsed = time.Now()
}

func (pc *PooledClient) markIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = StateIdle
	pc.lastUsed = time.Now()
}

// MarkDirty flags this client's session state as mutated; it will be
// closed rather than reused the next time it is released.
func (pc *PooledClient) MarkDirty() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.dirty = true
}

// MarkDiscard flags this client to be closed rather than returned to the
// idle list regardless of session-dirty state — used when the caller
// observed a transport error.
func (pc *PooledClient) MarkDiscard() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.discard = true
}

func (pc *PooledClient) shouldDiscard() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.discard || pc.dirty
}

func (pc *PooledClient) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

func (pc *PooledClient) isIdleTooLong(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == StateIdle && time.Since(pc.lastUsed) > idleTimeout
}

// Close closes the backend and releases the connect permit this client was
// created under, if any. Idempotent with Release in the sense that both
// paths converge here exactly once per client.
func (pc *PooledClient) Close() error {
	pc.mu.Lock()
	if pc.state == StateClosed {
		pc.mu.Unlock()
		return nil
	}
	pc.state = StateClosed
	pc.mu.Unlock()

	if pc.permit != nil {
		pc.permit.Release()
	}
	return pc.backend.Close()
}

// Release returns this client to its owning pool, or closes it outright
// when it is marked dirty/discard or the pool itself has been closed.
func (pc *PooledClient) Release() {
	if pc.pool != nil {
		pc.pool.release(pc)
	}
}
