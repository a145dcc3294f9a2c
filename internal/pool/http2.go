package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// Http2Conn is the subset of golang.org/x/net/http2.ClientConn this pool
// needs: enough to track outstanding streams and know when a connection
// has gone bad. The concrete http2.ClientConn satisfies this directly.
type Http2Conn interface {
	CanTakeNewRequest() bool
	Close() error
}

// Http2Dialer opens one fresh HTTP/2 connection to info's local proxy.
type Http2Dialer func(ctx context.Context, info types.ConnInfo) (Http2Conn, error)

type http2Slot struct {
	conn        Http2Conn
	openStreams int
}

// Http2ConnPool manages a small set of long-lived HTTP/2 connections per
// ConnInfo, each multiplexing up to maxStreamsPerConn concurrent requests.
// This does not reuse EndpointConnPool's Acquire/Release machinery: a
// single HTTP/2 connection is checked out many times concurrently (one per
// in-flight stream), where EndpointConnPool hands out exclusive ownership.
type Http2ConnPool struct {
	mu               sync.Mutex
	dial             Http2Dialer
	maxConnsPerInfo  int
	maxStreamsPerConn int
	conns            map[string][]*http2Slot
}

// NewHttp2ConnPool creates a pool that opens at most maxConnsPerInfo HTTP/2
// connections per ConnInfo, each carrying at most maxStreamsPerConn
// concurrent streams (the default maxStreamsPerConn is 100, per the
// resolved Open Question in the design notes below).
func NewHttp2ConnPool(dial Http2Dialer, maxConnsPerInfo, maxStreamsPerConn int) *Http2ConnPool {
	if maxStreamsPerConn <= 0 {
		maxStreamsPerConn = 100
	}
	return &Http2ConnPool{
		dial:              dial,
		maxConnsPerInfo:   maxConnsPerInfo,
		maxStreamsPerConn: maxStreamsPerConn,
		conns:             make(map[string][]*http2Slot),
	}
}

// Http2Lease is one checked-out stream slot on a shared HTTP/2 connection.
// Done must be called exactly once when the request finishes.
type Http2Lease struct {
	pool *Http2ConnPool
	key  string
	slot *http2Slot
}

// Conn returns the underlying HTTP/2 connection to issue the request on.
func (l *Http2Lease) Conn() Http2Conn { return l.slot.conn }

// Done releases this stream slot back to its connection's counter.
func (l *Http2Lease) Done() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.slot.openStreams--
}

// Acquire returns a lease on an HTTP/2 connection for info with spare
// stream capacity, dialing a new connection if every existing one is
// saturated and the per-ConnInfo connection cap has not been reached.
func (p *Http2ConnPool) Acquire(ctx context.Context, info types.ConnInfo) (*Http2Lease, error) {
	key := info.Key()

	p.mu.Lock()
	slots := p.conns[key]
	for _, s := range slots {
		if s.conn.CanTakeNewRequest() && s.openStreams < p.maxStreamsPerConn {
			s.openStreams++
			p.mu.Unlock()
			return &Http2Lease{pool: p, key: key, slot: s}, nil
		}
	}
	// drop dead connections found along the way
	live := slots[:0]
	for _, s := range slots {
		if s.conn.CanTakeNewRequest() {
			live = append(live, s)
		} else {
			s.conn.Close()
		}
	}
	p.conns[key] = live

	if p.maxConnsPerInfo > 0 && len(live) >= p.maxConnsPerInfo {
		p.mu.Unlock()
		return nil, fmt.Errorf("http2 pool exhausted for %s: all connections at %d streams", info, p.maxStreamsPerConn)
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("dialing http2 connection for %s: %w", info, err)
	}

	p.mu.Lock()
	slot := &http2Slot{conn: conn, openStreams: 1}
	p.conns[key] = append(p.conns[key], slot)
	p.mu.Unlock()

	return &Http2Lease{pool: p, key: key, slot: slot}, nil
}

// Close closes every pooled HTTP/2 connection.
func (p *Http2ConnPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slots := range p.conns {
		for _, s := range slots {
			s.conn.Close()
		}
	}
	p.conns = make(map[string][]*http2Slot)
}
