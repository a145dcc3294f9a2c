// Package serverless wires the Authenticator, Wake/Locator, the three
// Connect Mechanisms, the Retry/Backoff Driver, and the three connection
// pools into one entrypoint every transport-specific front door (the
// HTTP/JSON handler in internal/httpapi, the wire-protocol listeners in
// internal/proxy) calls through. Nothing in this package terminates a
// client protocol itself — that is left to the callers.
package serverless

import (
	"context"
	"net"
	"sync"

	"github.com/serverlessdb/poolproxy/internal/auth"
	"github.com/serverlessdb/poolproxy/internal/connect"
	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/localinit"
	"github.com/serverlessdb/poolproxy/internal/pool"
	"github.com/serverlessdb/poolproxy/internal/retry"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// BackendKind picks which of the three connect mechanisms serves a given
// endpoint.
type BackendKind int

const (
	BackendRemote BackendKind = iota
	BackendHyper
	BackendLocal
)

// Upstream is the tagged handle Connect returns: exactly one of Remote or
// Hyper is populated, matching Kind. Both the remote and local backends are
// represented by *pool.PooledClient since LocalConnPool shares
// EndpointConnPool's lifecycle; only the HTTP/2 backend has a distinct
// shape (a shared, multiplexed lease rather than exclusive ownership).
type Upstream struct {
	Kind   BackendKind
	Remote *pool.PooledClient
	Hyper  *pool.Http2Lease
}

// Close releases this upstream handle back to its pool (remote/local) or
// frees its stream slot (HTTP/2). Callers that observed the session's
// state mutate should call Discard instead for the remote/local case.
func (u *Upstream) Close() {
	switch u.Kind {
	case BackendHyper:
		u.Hyper.Done()
	default:
		u.Remote.Release()
	}
}

// Discard marks a remote/local upstream to be closed rather than recycled.
// A no-op for the HTTP/2 case, whose connections are multiplexed and not
// owned exclusively by one caller.
func (u *Upstream) Discard() {
	if u.Kind != BackendHyper && u.Remote != nil {
		u.Remote.MarkDiscard()
	}
}

// BackendKindResolver decides which backend kind serves an endpoint,
// sourced from the endpoint table in internal/config.
type BackendKindResolver func(types.EndpointID) BackendKind

// Core bundles every wired subsystem. Build one with New and share it
// across every transport front door in the process.
type Core struct {
	Auth     *auth.Authenticator
	Locator  *controlplane.Locator
	Resolve  BackendKindResolver
	RetryCfg retry.Config

	remotePool *pool.Manager
	hyperPool  *pool.Http2ConnPool
	localPool  *pool.LocalConnPool

	creds sync.Map // types.ConnInfo.Key() -> types.ComputeCredentialKeys
}

// Config bundles the dependencies New needs to build the three pools and
// their dialers.
type Config struct {
	Locator  *controlplane.Locator
	Auth     *auth.Authenticator
	Resolve  BackendKindResolver
	RetryCfg retry.Config

	RemoteMechanism *connect.RemoteMechanism
	RemotePoolCfg   pool.Config
	RemoteMaxPools  int

	HyperMechanism  *connect.HyperMechanism
	HyperMaxConns   int
	HyperMaxStreams int

	LocalDialer      *localinit.Dialer
	LocalInitializer pool.LocalInitializer
	LocalPoolCfg     pool.Config
	LocalMaxPools    int

	// OnPoolExhausted and OnDiscard observe the remote/local pools'
	// exhaustion and dirty-discard events, tagged with which pool kind
	// ("remote" or "local") fired them. Either may be nil.
	OnPoolExhausted func(kind string, info types.ConnInfo)
	OnDiscard       func(kind string, info types.ConnInfo)
}

// New builds a Core with three independently-dialing pools. The remote and
// HTTP/2 dialers close over cfg's shared Locator/RetryCfg through a small
// adapter that boxes the mechanism result for the generic retry driver; the
// local dialer calls cfg.LocalDialer directly, without locate or retry.
func New(cfg Config) *Core {
	c := &Core{
		Auth:     cfg.Auth,
		Locator:  cfg.Locator,
		Resolve:  cfg.Resolve,
		RetryCfg: cfg.RetryCfg,
	}

	remoteAdapter := mechanismAdapter{cfg.RemoteMechanism}
	remoteDial := func(ctx context.Context, info types.ConnInfo) (pool.Backend, error) {
		creds := c.credentialsFor(info)
		res, err := retry.ConnectToCompute(ctx, c.Locator, remoteAdapter, info.EndpointID, info, creds, c.RetryCfg)
		if err != nil {
			return nil, err
		}
		return res.(pool.Backend), nil
	}
	c.remotePool = pool.NewManager(cfg.RemoteMaxPools, remoteDial, cfg.RemotePoolCfg)
	hookPoolEvents(c.remotePool, "remote", cfg)

	hyperAdapter := hyperMechanismAdapter{cfg.HyperMechanism}
	hyperDial := func(ctx context.Context, info types.ConnInfo) (pool.Http2Conn, error) {
		creds := c.credentialsFor(info)
		res, err := retry.ConnectToCompute(ctx, c.Locator, hyperAdapter, info.EndpointID, info, creds, c.RetryCfg)
		if err != nil {
			return nil, err
		}
		return res.(pool.Http2Conn), nil
	}
	c.hyperPool = pool.NewHttp2ConnPool(hyperDial, cfg.HyperMaxConns, cfg.HyperMaxStreams)

	localDial := func(ctx context.Context, info types.ConnInfo) (pool.Backend, error) {
		conn, err := cfg.LocalDialer.Dial(ctx, info)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	localMgr := pool.NewManager(cfg.LocalMaxPools, localDial, cfg.LocalPoolCfg)
	hookPoolEvents(localMgr, "local", cfg)
	c.localPool = pool.NewLocalConnPool(localMgr, cfg.LocalInitializer)

	return c
}

func hookPoolEvents(m *pool.Manager, kind string, cfg Config) {
	if cfg.OnPoolExhausted != nil {
		m.SetOnPoolExhausted(func(info types.ConnInfo) { cfg.OnPoolExhausted(kind, info) })
	}
	if cfg.OnDiscard != nil {
		m.SetOnDiscard(func(info types.ConnInfo) { cfg.OnDiscard(kind, info) })
	}
}

func (c *Core) credentialsFor(info types.ConnInfo) types.ComputeCredentialKeys {
	v, ok := c.creds.Load(info.Key())
	if !ok {
		return types.ComputeCredentialKeys{Kind: types.CredentialNone}
	}
	return v.(types.ComputeCredentialKeys)
}

// AuthenticateWithPassword delegates to the wired Authenticator.
func (c *Core) AuthenticateWithPassword(ctx context.Context, info types.ComputeUserInfo, clientIP net.IP, password string) (types.ComputeCredentials, error) {
	return c.Auth.AuthenticateWithPassword(ctx, info, clientIP, password)
}

// AuthenticateWithJWT delegates to the wired Authenticator.
func (c *Core) AuthenticateWithJWT(ctx context.Context, info types.ComputeUserInfo, rawToken string, isLocal bool) (types.ComputeCredentials, error) {
	return c.Auth.AuthenticateWithJWT(ctx, info, rawToken, isLocal)
}

// Connect resolves creds.Info plus dbname to an upstream connection through
// whichever of the three pools the endpoint is configured to use. The
// credential material is remembered for this ConnInfo so the pool's own
// dialer (invoked later, possibly by a different goroutine growing the
// pool) can replay it without every dial call threading creds by hand.
func (c *Core) Connect(ctx context.Context, creds types.ComputeCredentials, dbname string) (*Upstream, error) {
	info := types.FromComputeUserInfo(creds.Info, dbname)
	c.creds.Store(info.Key(), creds.Keys)

	switch c.Resolve(info.EndpointID) {
	case BackendLocal:
		pc, err := c.localPool.Acquire(ctx, info)
		if err != nil {
			return nil, err
		}
		return &Upstream{Kind: BackendLocal, Remote: pc}, nil

	case BackendHyper:
		lease, err := c.hyperPool.Acquire(ctx, info)
		if err != nil {
			return nil, err
		}
		return &Upstream{Kind: BackendHyper, Hyper: lease}, nil

	default:
		pc, err := c.remotePool.GetOrCreate(info).Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &Upstream{Kind: BackendRemote, Remote: pc}, nil
	}
}

// RemotePoolStats exposes the remote pool's per-ConnInfo occupancy for the
// admin/metrics surface.
func (c *Core) RemotePoolStats() []pool.Stats { return c.remotePool.AllStats() }

// Close shuts every pool down.
func (c *Core) Close() {
	c.remotePool.Close()
	c.hyperPool.Close()
	c.localPool.Close()
}

// mechanismAdapter boxes a connect.Mechanism's pool.Backend result as `any`
// so it satisfies retry.Mechanism without internal/retry importing
// internal/pool (which would cycle back through internal/connect).
type mechanismAdapter struct {
	m connect.Mechanism
}

func (a mechanismAdapter) ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (any, error) {
	return a.m.ConnectOnce(ctx, node, info, creds)
}

// hyperMechanismAdapter adapts connect.HyperMechanism.Dial (which ignores
// info/creds — the co-located local proxy authenticates per-request, not
// per-connection) into the same retry.Mechanism shape.
type hyperMechanismAdapter struct {
	m *connect.HyperMechanism
}

func (a hyperMechanismAdapter) ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (any, error) {
	cc, err := a.m.Dial(ctx, node)
	if err != nil {
		return nil, err
	}
	return cc, nil
}
