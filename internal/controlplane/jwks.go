package controlplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// JWKSProvider returns the JWKS URL and expected issuer/audience for an
// endpoint's control-plane-issued JWTs. In production this is backed by the
// same control plane the Locator talks to; tests can supply a static map.
type JWKSProvider interface {
	JWKSSettings(ctx context.Context, endpoint types.EndpointID) (issuer, jwksURL, audience string, err error)
}

// JWKSCache maintains one oidc.RemoteKeySet and IDTokenVerifier per
// endpoint, lazily created and reused across requests — each RemoteKeySet
// already does its own background JWKS refresh and caching, so this layer
// only needs to avoid rebuilding one per request.
type JWKSCache struct {
	provider JWKSProvider

	mu       sync.RWMutex
	verifier map[types.EndpointID]*oidc.IDTokenVerifier
}

// NewJWKSCache builds a cache that resolves per-endpoint JWKS settings
// through provider.
func NewJWKSCache(provider JWKSProvider) *JWKSCache {
	return &JWKSCache{
		provider: provider,
		verifier: make(map[types.EndpointID]*oidc.IDTokenVerifier),
	}
}

// Verifier returns the cached IDTokenVerifier for endpoint, building and
// caching one on first use.
func (c *JWKSCache) Verifier(ctx context.Context, endpoint types.EndpointID) (*oidc.IDTokenVerifier, error) {
	endpoint = endpoint.Normalize()

	c.mu.RLock()
	v, ok := c.verifier[endpoint]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.verifier[endpoint]; ok {
		return v, nil
	}

	issuer, jwksURL, audience, err := c.provider.JWKSSettings(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("jwks settings for endpoint %q: %w", endpoint, err)
	}
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: audience})
	c.verifier[endpoint] = verifier
	return verifier, nil
}

// Forget drops a cached verifier, forcing the next Verifier call to rebuild
// it against current JWKS settings. Used when an endpoint's control-plane
// configuration changes.
func (c *JWKSCache) Forget(endpoint types.EndpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verifier, endpoint.Normalize())
}
