package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// connLimiter enforces one of the two aggregate connection caps on top
// of each EndpointConnPool's own per-ConnInfo total: the per-endpoint cap
// (shared by every ConnInfo pool under one endpoint_id) and the pool-kind's
// global cap (shared by every endpoint). A max of zero or less (or a nil
// limiter) disables the check, so a
// Manager built with MaxConnsPerEndpoint/MaxConnsGlobal == 0 behaves exactly
// as it did before these were added.
type connLimiter struct {
	mu  sync.Mutex
	cur int
	max int
}

func (l *connLimiter) tryAcquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur >= l.max {
		return false
	}
	l.cur++
	return true
}

func (l *connLimiter) release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur > 0 {
		l.cur--
	}
}

// StatsCallback is called periodically with stats for each live pool.
type StatsCallback func(stats Stats)

// Manager manages one EndpointConnPool per ConnInfo, with a global cap on
// the number of distinct pools kept alive: when the cap is reached, the
// least-recently-used empty pool is evicted to make room: the number of
// distinct (endpoint, db, user, options) combinations is effectively
// unbounded.
type Manager struct {
	mu        sync.Mutex
	pools     map[string]*list.Element // ConnInfo.Key() -> lru element
	lru       *list.List
	maxPools  int
	dial      Dialer
	cfg       Config
	onExh     OnPoolExhausted

	maxConnsPerEndpoint int
	globalLimiter       *connLimiter
	epMu                sync.Mutex
	epLimiters          map[types.EndpointID]*connLimiter

	onDiscard func(info types.ConnInfo)

	statsCallback StatsCallback
	statsStopCh   chan struct{}
	closeOnce     sync.Once
}

type poolEntry struct {
	key  string
	info types.ConnInfo
	pool *EndpointConnPool
}

// NewManager creates a pool manager. dial is shared across all pools it
// creates — callers construct one Manager per Manager-backed pool kind
// (remote, local) since each kind dials differently; the HTTP/2 pool is an
// Http2ConnPool, not a Manager.
func NewManager(maxPools int, dial Dialer, cfg Config) *Manager {
	return &Manager{
		pools:               make(map[string]*list.Element),
		lru:                 list.New(),
		maxPools:            maxPools,
		dial:                dial,
		cfg:                 cfg,
		maxConnsPerEndpoint: cfg.MaxConnsPerEndpoint,
		globalLimiter:       &connLimiter{max: cfg.MaxConnsGlobal},
		epLimiters:          make(map[types.EndpointID]*connLimiter),
		statsStopCh:         make(chan struct{}),
	}
}

// endpointLimiter returns the shared per-endpoint connLimiter for id,
// creating it on first use.
func (m *Manager) endpointLimiter(id types.EndpointID) *connLimiter {
	m.epMu.Lock()
	defer m.epMu.Unlock()
	l, ok := m.epLimiters[id]
	if !ok {
		l = &connLimiter{max: m.maxConnsPerEndpoint}
		m.epLimiters[id] = l
	}
	return l
}

// gatedDialer wraps the manager's Dialer so every new backend connection is
// admitted by both the per-endpoint and global connLimiters before dial, and
// releases both when the returned Backend is finally closed — whether the
// dial failed, the client is later discarded, or it is reaped idle. This is
// the only place those two aggregate caps are enforced; each
// EndpointConnPool still separately enforces its own per-ConnInfo Config.MaxConns.
func (m *Manager) gatedDialer(info types.ConnInfo) Dialer {
	epLimiter := m.endpointLimiter(info.EndpointID)
	return func(ctx context.Context, info types.ConnInfo) (Backend, error) {
		if !epLimiter.tryAcquire() {
			return nil, fmt.Errorf("endpoint connection limit reached for %s", info.EndpointID)
		}
		if !m.globalLimiter.tryAcquire() {
			epLimiter.release()
			return nil, fmt.Errorf("global connection limit reached")
		}
		backend, err := m.dial(ctx, info)
		if err != nil {
			epLimiter.release()
			m.globalLimiter.release()
			return nil, err
		}
		return &limitedBackend{Backend: backend, release: func() {
			epLimiter.release()
			m.globalLimiter.release()
		}}, nil
	}
}

// limitedBackend releases its two connLimiter slots exactly once, on the
// first Close — whether that close comes from eviction, idle reaping, or the
// normal discard/shutdown path.
type limitedBackend struct {
	Backend
	once    sync.Once
	release func()
}

func (b *limitedBackend) Close() error {
	err := b.Backend.Close()
	b.once.Do(b.release)
	return err
}

// Unwrap exposes the wrapped backend so PooledClient.Backend can surface
// the transport's concrete type to callers that assert on it.
func (b *limitedBackend) Unwrap() Backend { return b.Backend }

// SetOnPoolExhausted sets the callback for pool-exhaustion events. Must be
// called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExh = cb
}

// SetOnDiscard sets the callback observing every client closed on release
// because its session was marked dirty or discard. Must be called before
// any pools are created.
func (m *Manager) SetOnDiscard(cb func(info types.ConnInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiscard = cb
}

// StartStatsLoop periodically invokes cb with stats for every live pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.statsCallback = cb
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for info, creating it lazily if needed and
// evicting the LRU empty pool if the manager is at capacity.
func (m *Manager) GetOrCreate(info types.ConnInfo) *EndpointConnPool {
	key := info.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.pools[key]; ok {
		m.lru.MoveToFront(elem)
		return elem.Value.(*poolEntry).pool
	}

	m.evictIfNeededLocked()

	p := NewEndpointConnPool(info, m.gatedDialer(info), m.cfg, m.onExh)
	p.onDiscard = m.onDiscard
	entry := &poolEntry{key: key, info: info, pool: p}
	elem := m.lru.PushFront(entry)
	m.pools[key] = elem
	slog.Info("created endpoint pool", "conn_info", info.String())
	return p
}

// evictIfNeededLocked drops the least-recently-used empty pool if the
// manager is at or above capacity. Pools with outstanding active clients
// are skipped — evicting one would drop live connections out from under a
// caller.
func (m *Manager) evictIfNeededLocked() {
	if m.maxPools <= 0 || len(m.pools) < m.maxPools {
		return
	}
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*poolEntry)
		stats := entry.pool.Stats()
		if stats.Active > 0 {
			continue
		}
		entry.pool.Close()
		delete(m.pools, entry.key)
		m.lru.Remove(elem)
		return
	}
}

// Get returns the pool for info if one already exists.
func (m *Manager) Get(info types.ConnInfo) (*EndpointConnPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.pools[info.Key()]
	if !ok {
		return nil, false
	}
	return elem.Value.(*poolEntry).pool, true
}

// Remove closes and removes the pool for info.
func (m *Manager) Remove(info types.ConnInfo) bool {
	key := info.Key()
	m.mu.Lock()
	elem, ok := m.pools[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, key)
	m.lru.Remove(elem)
	m.mu.Unlock()

	elem.Value.(*poolEntry).pool.Close()
	slog.Info("removed endpoint pool", "conn_info", info.String())
	return true
}

// AllStats returns stats for every live pool.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]Stats, 0, len(m.pools))
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		stats = append(stats, elem.Value.(*poolEntry).pool.Stats())
	}
	return stats
}

// Close shuts down every pool and stops the stats loop. Safe to call more
// than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.statsStopCh) })

	m.mu.Lock()
	elems := m.pools
	m.pools = make(map[string]*list.Element)
	m.lru = list.New()
	m.mu.Unlock()

	for _, elem := range elems {
		elem.Value.(*poolEntry).pool.Close()
	}
}
