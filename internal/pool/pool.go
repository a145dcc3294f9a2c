package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// Stats is one ConnInfo pool's occupancy snapshot for the admin surface.
type Stats struct {
	ConnInfo  string `json:"conn_info"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// Dialer creates a fresh Backend for a ConnInfo. Each Manager-backed pool
// kind (the remote pool and LocalConnPool's Manager) supplies its own
// Dialer; Http2ConnPool takes an Http2Dialer instead. The pool mechanics
// below don't know about wire protocols or HTTP/2.
type Dialer func(ctx context.Context, info types.ConnInfo) (Backend, error)

// OnPoolExhausted is called when a pool reaches max connections and a
// caller must wait.
type OnPoolExhausted func(info types.ConnInfo)

// Config bounds one EndpointConnPool's behavior, resolved from the YAML
// pool defaults before the pool is built.
//
// MaxConns bounds one ConnInfo's own FIFO (the per-ConnInfo ceiling);
// MaxConnsPerEndpoint and MaxConnsGlobal are aggregate ceilings spanning
// every ConnInfo under one endpoint, and every endpoint in this pool kind,
// respectively. Only Manager reads the latter two — a bare
// EndpointConnPool built directly (as in tests) ignores them.
type Config struct {
	MaxConns            int
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	AcquireTimeout      time.Duration
	MaxConnsPerEndpoint int
	MaxConnsGlobal      int
}

// EndpointConnPool manages pooled clients for a single ConnInfo. Acquire
// blocks on a sync.Cond when the pool is at capacity; Signal (not
// Broadcast) on release avoids waking the whole herd for one freed slot.
type EndpointConnPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	info      types.ConnInfo
	dial      Dialer
	cfg       Config
	onExh     OnPoolExhausted
	onDiscard func(info types.ConnInfo)

	idle    []*PooledClient
	active  map[*PooledClient]struct{}
	total   int
	waiting int
	exhausted int64

	closed bool
	stopCh chan struct{}
}

// NewEndpointConnPool creates a pool of clients connecting to info via
// dial, bounded by cfg. The idle reaper starts immediately in the
// background.
func NewEndpointConnPool(info types.ConnInfo, dial Dialer, cfg Config, onExh OnPoolExhausted) *EndpointConnPool {
	p := &EndpointConnPool{
		info:   info,
		dial:   dial,
		cfg:    cfg,
		onExh:  onExh,
		idle:   make([]*PooledClient, 0),
		active: make(map[*PooledClient]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Acquire returns a pooled client for this ConnInfo, creating a new one via
// dial when under the configured cap, or blocking until one is released or
// the acquire timeout/context elapses.
func (p *EndpointConnPool) Acquire(ctx context.Context) (*PooledClient, error) {
	deadlineAt := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for %s", p.info)
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.isExpired(p.cfg.MaxLifetime) || pc.isIdleTooLong(p.cfg.IdleTimeout) {
				pc.Close()
				p.total--
				continue
			}

			pc.markActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()

			backend, err := p.dial(ctx, p.info)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting for %s: %w", p.info, err)
			}

			pc := NewPooledClient(backend, p.info, p, nil)
			pc.markActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onExh
		info := p.info
		p.mu.Unlock()

		if cb != nil {
			cb(info)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for %s: pool exhausted", p.cfg.AcquireTimeout, p.info)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for %s", p.info)
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for %s: pool exhausted", p.cfg.AcquireTimeout, p.info)
		}
		// retry from the top, mu held
	}
}

// release is PooledClient.Release's target. A dirty/discard-flagged client,
// or one that is past its lifetime, is closed instead of recycled.
func (p *EndpointConnPool) release(pc *PooledClient) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.shouldDiscard() || pc.isExpired(p.cfg.MaxLifetime) {
		if pc.shouldDiscard() && p.onDiscard != nil {
			p.onDiscard(p.info)
		}
		pc.Close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// Stats reports current pool occupancy.
func (p *EndpointConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ConnInfo:  p.info.String(),
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.cfg.MaxConns,
		Exhausted: p.exhausted,
	}
}

// Drain closes idle clients and waits (bounded) for active ones to finish.
func (p *EndpointConnPool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for pc := range p.active {
				pc.Close()
				p.total--
			}
			p.active = make(map[*PooledClient]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active clients after drain timeout", "conn_info", p.info)
			return
		}
	}
}

// Close shuts the pool down, waking any blocked Acquire calls.
func (p *EndpointConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain(30 * time.Second)
}

func (p *EndpointConnPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *EndpointConnPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]*PooledClient, 0, len(p.idle))
	for _, pc := range p.idle {
		if pc.isIdleTooLong(p.cfg.IdleTimeout) || pc.isExpired(p.cfg.MaxLifetime) {
			pc.Close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}
