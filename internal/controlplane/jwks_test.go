package controlplane

import (
	"context"
	"fmt"
	"testing"

	"github.com/serverlessdb/poolproxy/internal/types"
)

type fakeJWKSProvider struct {
	calls int
}

func (p *fakeJWKSProvider) JWKSSettings(ctx context.Context, endpoint types.EndpointID) (string, string, string, error) {
	p.calls++
	return "https://issuer.example", fmt.Sprintf("https://issuer.example/%s/.well-known/jwks.json", endpoint), "proxy", nil
}

func TestJWKSCacheBuildsVerifierOnceThenReuses(t *testing.T) {
	provider := &fakeJWKSProvider{}
	cache := NewJWKSCache(provider)

	v1, err := cache.Verifier(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := cache.Verifier(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v1 != v2 {
		t.Error("expected the second call to reuse the cached verifier instance")
	}
	if provider.calls != 1 {
		t.Errorf("expected exactly one JWKSSettings lookup, got %d", provider.calls)
	}
}

func TestJWKSCacheIsPerEndpoint(t *testing.T) {
	provider := &fakeJWKSProvider{}
	cache := NewJWKSCache(provider)

	if _, err := cache.Verifier(context.Background(), "ep1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.Verifier(context.Background(), "ep2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if provider.calls != 2 {
		t.Errorf("expected a distinct lookup per endpoint, got %d calls", provider.calls)
	}
}

func TestJWKSCacheForgetForcesRebuild(t *testing.T) {
	provider := &fakeJWKSProvider{}
	cache := NewJWKSCache(provider)

	if _, err := cache.Verifier(context.Background(), "ep1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Forget("ep1")
	if _, err := cache.Verifier(context.Background(), "ep1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if provider.calls != 2 {
		t.Errorf("expected Forget to force a rebuild on next lookup, got %d calls", provider.calls)
	}
}
