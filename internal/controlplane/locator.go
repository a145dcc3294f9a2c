package controlplane

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// LocatorConfig configures the wake cache's lifetime and capacity. Metrics
// may be nil; lookups then go unrecorded.
type LocatorConfig struct {
	CacheTTL      time.Duration
	CacheCapacity int
	Metrics       *metrics.Collector
}

// cacheEntry is one cached wake result plus the bookkeeping needed to
// evict it: an LRU list element and a generation number, unique across every
// entry the Locator ever stores, so a stale Invalidate() call racing a fresh
// Locate() can't evict the new entry.
type cacheEntry struct {
	endpoint   types.EndpointID
	result     WakeResult
	expiresAt  time.Time
	generation uint64
	elem       *list.Element
}

// Locator implements the Wake/Locator component: a TTL'd, LRU-bounded cache
// of endpoint -> compute address, with concurrent misses for the same
// endpoint coalesced behind a single in-flight control-plane call and
// per-endpoint wake permits bounding concurrent wakes of one endpoint.
type Locator struct {
	client Client
	locks  *ratelimit.ApiLocks
	cfg    LocatorConfig

	mu      sync.Mutex
	index   map[types.EndpointID]*cacheEntry
	lru     *list.List
	lastGen uint64

	group singleflight.Group
}

// NewLocator builds a Locator backed by client, gating concurrent wakes
// through locks and caching results per cfg.
func NewLocator(client Client, locks *ratelimit.ApiLocks, cfg LocatorConfig) *Locator {
	return &Locator{
		client: client,
		locks:  locks,
		cfg:    cfg,
		index:  make(map[types.EndpointID]*cacheEntry),
		lru:    list.New(),
	}
}

// invalidatingHandle adapts one cacheEntry into a types.CacheInvalidator the
// caller can hold onto and call after a connection using its address fails.
type invalidatingHandle struct {
	loc        *Locator
	endpoint   types.EndpointID
	generation uint64
}

func (h *invalidatingHandle) Invalidate() {
	h.loc.mu.Lock()
	defer h.loc.mu.Unlock()
	entry, ok := h.loc.index[h.endpoint]
	if !ok || entry.generation != h.generation {
		return // already evicted or superseded by a fresher entry
	}
	h.loc.lru.Remove(entry.elem)
	delete(h.loc.index, h.endpoint)
}

func (l *Locator) cacheGet(endpoint types.EndpointID) (*cacheEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.index[endpoint]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		l.lru.Remove(entry.elem)
		delete(l.index, endpoint)
		return nil, false
	}
	l.lru.MoveToFront(entry.elem)
	return entry, true
}

func (l *Locator) cachePut(endpoint types.EndpointID, result WakeResult) *cacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastGen++
	generation := l.lastGen
	if old, ok := l.index[endpoint]; ok {
		l.lru.Remove(old.elem)
		delete(l.index, endpoint)
	}

	entry := &cacheEntry{
		endpoint:   endpoint,
		result:     result,
		expiresAt:  time.Now().Add(l.cfg.CacheTTL),
		generation: generation,
	}
	entry.elem = l.lru.PushFront(entry)
	l.index[endpoint] = entry

	for l.cfg.CacheCapacity > 0 && l.lru.Len() > l.cfg.CacheCapacity {
		back := l.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*cacheEntry)
		l.lru.Remove(back)
		delete(l.index, evicted.endpoint)
	}

	return entry
}

// Locate resolves endpoint to a live compute node, consulting the cache
// first. A miss triggers at most one concurrent control-plane wake_compute
// call per endpoint (singleflight), itself gated by a wake permit keyed by
// the endpoint id.
func (l *Locator) Locate(ctx context.Context, endpoint types.EndpointID) (types.CachedNodeInfo, error) {
	endpoint = endpoint.Normalize()

	if entry, ok := l.cacheGet(endpoint); ok {
		l.recordCacheResult(endpoint, "hit")
		return l.toCachedNodeInfo(entry), nil
	}

	v, err, shared := l.group.Do(string(endpoint), func() (any, error) {
		if entry, ok := l.cacheGet(endpoint); ok {
			return entry, nil
		}

		permit, err := l.locks.GetPermit(ctx, types.Host(endpoint))
		if err != nil {
			return nil, err
		}
		defer permit.Release()

		start := time.Now()
		result, err := l.client.WakeCompute(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.WakeCompleted(string(endpoint), time.Since(start))
		}
		return l.cachePut(endpoint, result), nil
	})
	if err != nil {
		l.recordWakeError(endpoint, err)
		return types.CachedNodeInfo{}, err
	}
	if shared {
		l.recordCacheResult(endpoint, "coalesced")
	} else {
		l.recordCacheResult(endpoint, "miss")
	}
	return l.toCachedNodeInfo(v.(*cacheEntry)), nil
}

func (l *Locator) recordCacheResult(endpoint types.EndpointID, result string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.WakeCacheResult(string(endpoint), result)
	}
}

func (l *Locator) recordWakeError(endpoint types.EndpointID, err error) {
	if l.cfg.Metrics == nil {
		return
	}
	kind := "service"
	var re perr.ReportableError
	if errors.As(err, &re) {
		kind = re.ErrorKind().String()
	}
	l.cfg.Metrics.WakeError(string(endpoint), kind)
}

func (l *Locator) toCachedNodeInfo(entry *cacheEntry) types.CachedNodeInfo {
	return types.CachedNodeInfo{
		ConnInfo: entry.result.ConnInfo,
		Aux:      entry.result.Aux,
		CacheEntry: &invalidatingHandle{
			loc:        l,
			endpoint:   entry.endpoint,
			generation: entry.generation,
		},
	}
}
