// Package controlplane implements the Wake/Locator component: resolving an
// endpoint id to a live compute address via a cached, permit-bounded
// control-plane call, plus the access-control and role-secret lookups the
// Authenticator consumes. The control-plane API itself is an external
// collaborator — this package defines the narrow Client
// interface the core consumes and two implementations: a config-backed
// StaticClient for the in-repo demo/tests, and an HTTPClient speaking
// plain JSON to a real control plane.
package controlplane

import (
	"context"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// AccessControl is the result of GET access_control(endpoint, user).
type AccessControl struct {
	IPAllowlist         []string
	VPCAllowed          bool
	ConnectionRateLimit float64 // attempts/sec; 0 means "use proxy default"
}

// ScramSecret is the role's stored SCRAM-SHA-256 verifier: salt,
// iteration count, and the StoredKey/ServerKey pair derived from it. It is
// never the plaintext password.
type ScramSecret struct {
	Salt       []byte
	Iterations int
	StoredKey  [32]byte
	ServerKey  [32]byte
}

// RoleSecret is the result of GET role_secret(endpoint, role).
type RoleSecret struct {
	Secret *ScramSecret // nil means no stored secret for this role
}

// WakeResult is the resolved compute address a wake_compute call returns,
// before the Locator wraps it with a cache-invalidation handle.
type WakeResult struct {
	ConnInfo types.NodeConnInfo
	Aux      types.NodeAux
}

// Client is the external control-plane API surface the core consumes.
type Client interface {
	GetAccessControl(ctx context.Context, endpoint types.EndpointID, user string) (AccessControl, error)
	GetRoleSecret(ctx context.Context, endpoint types.EndpointID, role string) (RoleSecret, error)
	WakeCompute(ctx context.Context, endpoint types.EndpointID) (WakeResult, error)
}
