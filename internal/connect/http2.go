package connect

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// HyperMechanism dials the co-located HTTP/2 local proxy: resolve an address, connect with a per-candidate
// timeout, optionally wrap in TLS, then perform the HTTP/2 handshake.
// golang.org/x/net/http2 already spawns and owns its connection's read
// loop inside http2.Transport.NewClientConn, so unlike the source's
// explicit "driver future" this needs no separate goroutine handle — the
// returned *http2.ClientConn IS the live, self-driving connection.
type HyperMechanism struct {
	Locks       *ratelimit.ApiLocks
	DialTimeout time.Duration
	TLSConfig   *tls.Config
	Resolver    *net.Resolver
	Transport   *http2.Transport
}

// NewHyperMechanism builds a HyperMechanism with keep-alive settings:
// ping interval 20s, ping timeout 5s, pinging even while idle.
func NewHyperMechanism(locks *ratelimit.ApiLocks, dialTimeout time.Duration, tlsConfig *tls.Config) *HyperMechanism {
	return &HyperMechanism{
		Locks:       locks,
		DialTimeout: dialTimeout,
		TLSConfig:   tlsConfig,
		Resolver:    net.DefaultResolver,
		Transport: &http2.Transport{
			ReadIdleTimeout: 20 * time.Second,
			PingTimeout:     5 * time.Second,
		},
	}
}

// Dial performs one connect attempt to node's local proxy and returns the
// resulting HTTP/2 connection. It satisfies pool.Http2Dialer once bound to
// a specific node by the caller (see internal/serverless).
func (m *HyperMechanism) Dial(ctx context.Context, node types.CachedNodeInfo) (*http2.ClientConn, error) {
	host := types.Host(node.ConnInfo.Host)

	permit, err := m.Locks.GetPermit(ctx, host)
	if err != nil {
		return nil, err
	}
	defer permit.Release() // HTTP/2 connections are multiplexed, not 1:1 with a permit

	conn, err := m.dialTCP(ctx, node.ConnInfo)
	if err != nil {
		return nil, perr.NewComputeError(err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	var rw net.Conn = conn
	if node.ConnInfo.SSLMode != types.SSLDisable {
		cfg := m.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.ServerName = node.ConnInfo.Host
		cfg.NextProtos = []string{"h2"}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &perr.LocalProxyConnError{Cause: fmt.Errorf("TLS handshake to %s: %w", node.ConnInfo.Host, err)}
		}
		rw = tlsConn
	}

	cc, err := m.Transport.NewClientConn(rw)
	if err != nil {
		rw.Close()
		return nil, &perr.LocalProxyConnError{Cause: fmt.Errorf("HTTP/2 handshake: %w", err)}
	}
	return cc, nil
}

// dialTCP resolves node's address — preferring the control plane's
// pre-resolved host_addr over DNS — and attempts each candidate in turn,
// bounded individually by DialTimeout.
func (m *HyperMechanism) dialTCP(ctx context.Context, node types.NodeConnInfo) (net.Conn, error) {
	addrs, err := m.resolveAddrs(ctx, node)
	if err != nil {
		return nil, err
	}
	return dialCandidates(ctx, addrs, node.Port, m.DialTimeout)
}

// resolveAddrs returns node's candidate addresses: node.HostAddr verbatim
// when the control plane already resolved it (no DNS consulted), otherwise
// every address a DNS lookup of node.Host returns.
func (m *HyperMechanism) resolveAddrs(ctx context.Context, node types.NodeConnInfo) ([]net.IP, error) {
	if node.HostAddr != nil {
		return []net.IP{node.HostAddr}, nil
	}
	ipAddrs, err := m.Resolver.LookupIPAddr(ctx, node.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", node.Host, err)
	}
	addrs := make([]net.IP, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		addrs = append(addrs, a.IP)
	}
	return addrs, nil
}

// dialCandidates attempts each address in turn, each bounded individually
// by timeout, and returns the first successful connection. An empty
// candidate list is a synthetic InvalidInput-shaped error rather than a
// transport failure — there was nothing to try.
func dialCandidates(ctx context.Context, addrs []net.IP, port int, timeout time.Duration) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("could not resolve any addresses")
	}

	var d net.Dialer
	var lastErr error
	for _, ip := range addrs {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		conn, err := d.DialContext(attemptCtx, "tcp", addr)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
