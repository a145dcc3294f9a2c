package controlplane

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// EndpointRecord is the static, config-driven description of one endpoint:
// where its compute lives and what access control/secret applies.
type EndpointRecord struct {
	Host       string
	Port       int
	SSLMode    types.SSLMode
	BranchID   string
	ComputeID  string
	AccessCtl  AccessControl
	RoleSecret map[string]ScramSecret // role -> stored verifier
}

// StaticClient implements Client from a fixed, in-memory endpoint table.
// It is the demo/test stand-in for a real control plane.
type StaticClient struct {
	mu        sync.RWMutex
	endpoints map[types.EndpointID]EndpointRecord
}

// NewStaticClient creates a StaticClient from an initial endpoint table.
func NewStaticClient(endpoints map[types.EndpointID]EndpointRecord) *StaticClient {
	m := make(map[types.EndpointID]EndpointRecord, len(endpoints))
	for k, v := range endpoints {
		m[k.Normalize()] = v
	}
	return &StaticClient{endpoints: m}
}

// Put registers or replaces an endpoint's record.
func (c *StaticClient) Put(id types.EndpointID, rec EndpointRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[id.Normalize()] = rec
}

// Remove drops an endpoint's record.
func (c *StaticClient) Remove(id types.EndpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, id.Normalize())
}

func (c *StaticClient) lookup(id types.EndpointID) (EndpointRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.endpoints[id.Normalize()]
	return rec, ok
}

func (c *StaticClient) GetAccessControl(_ context.Context, endpoint types.EndpointID, _ string) (AccessControl, error) {
	rec, ok := c.lookup(endpoint)
	if !ok {
		return AccessControl{}, fmt.Errorf("unknown endpoint: %q", endpoint)
	}
	return rec.AccessCtl, nil
}

func (c *StaticClient) GetRoleSecret(_ context.Context, endpoint types.EndpointID, role string) (RoleSecret, error) {
	rec, ok := c.lookup(endpoint)
	if !ok {
		return RoleSecret{}, fmt.Errorf("unknown endpoint: %q", endpoint)
	}
	secret, ok := rec.RoleSecret[role]
	if !ok {
		return RoleSecret{Secret: nil}, nil
	}
	s := secret
	return RoleSecret{Secret: &s}, nil
}

func (c *StaticClient) WakeCompute(_ context.Context, endpoint types.EndpointID) (WakeResult, error) {
	rec, ok := c.lookup(endpoint)
	if !ok {
		return WakeResult{}, fmt.Errorf("unknown endpoint: %q", endpoint)
	}
	return WakeResult{
		ConnInfo: types.NodeConnInfo{
			Host:     rec.Host,
			HostAddr: net.ParseIP(rec.Host), // often a literal IP in the demo table
			Port:     rec.Port,
			SSLMode:  rec.SSLMode,
		},
		Aux: types.NodeAux{
			EndpointID: endpoint.Normalize(),
			BranchID:   rec.BranchID,
			ComputeID:  rec.ComputeID,
		},
	}, nil
}
