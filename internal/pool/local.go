package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// LocalInitializer performs the one-time local Postgres setup (extension
// install, role grant, JWT signing key bootstrap) for a ConnInfo's
// database. It lives in internal/localinit; this package only needs the
// narrow interface to serialize calls into it.
type LocalInitializer interface {
	EnsureInitialized(ctx context.Context, info types.ConnInfo) error
}

// LocalConnPool wraps a Manager of loopback connections with the
// double-checked initialization gate the local Postgres backend needs
// before its first use: install_extension + grant_role must happen exactly
// once per ConnInfo, even if many callers race to be the first connection.
type LocalConnPool struct {
	*Manager
	initializer LocalInitializer

	mu          sync.Mutex
	initialized map[string]bool
	initSem     *semaphore.Weighted
}

// NewLocalConnPool wraps manager with init-once semantics driven by init.
func NewLocalConnPool(manager *Manager, init LocalInitializer) *LocalConnPool {
	return &LocalConnPool{
		Manager:     manager,
		initializer: init,
		initialized: make(map[string]bool),
		initSem:     semaphore.NewWeighted(1),
	}
}

// Acquire ensures info's database has been initialized before handing out a
// connection, double-checking under a single global permit so concurrent
// first-callers for different databases still serialize (install_extension
// takes a server-wide advisory lock anyway) but callers for an
// already-initialized database never wait on it.
func (p *LocalConnPool) Acquire(ctx context.Context, info types.ConnInfo) (*PooledClient, error) {
	key := info.Key()

	p.mu.Lock()
	done := p.initialized[key]
	p.mu.Unlock()

	if !done {
		if err := p.initSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		initErr := func() error {
			defer p.initSem.Release(1)

			p.mu.Lock()
			already := p.initialized[key]
			p.mu.Unlock()
			if already {
				return nil
			}

			if err := p.initializer.EnsureInitialized(ctx, info); err != nil {
				return err
			}

			p.mu.Lock()
			p.initialized[key] = true
			p.mu.Unlock()
			return nil
		}()
		if initErr != nil {
			return nil, initErr
		}
	}

	return p.Manager.GetOrCreate(info).Acquire(ctx)
}
