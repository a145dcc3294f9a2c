package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// HTTPClientConfig configures the real control-plane HTTP client.
type HTTPClientConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
	// BreakerMaxFailures is the number of consecutive wake_compute failures
	// that trip the breaker open.
	BreakerMaxFailures uint32
}

// HTTPClient speaks plain JSON over net/http to a real control plane. There
// is no control-plane SDK in the dependency corpus to build on, so this one
// boundary is deliberately stdlib (documented in DESIGN.md); every other
// HTTP-speaking component in this repo uses chi/gorilla-mux on the server
// side and prometheus's own client on the scrape side.
type HTTPClient struct {
	cfg     HTTPClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClient builds an HTTPClient. wake_compute is the only call routed
// through the circuit breaker: access-control and role-secret lookups are
// plain request/response and the caller already rate-limits them.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	c := &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "control-plane-wake-compute",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
	})
	return c
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body bytes.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = *bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("control plane %s %s: status %d", method, path, resp.StatusCode)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type accessControlWire struct {
	IPAllowlist         []string `json:"ip_allowlist"`
	VPCAllowed          bool     `json:"vpc_allowed"`
	ConnectionRateLimit float64  `json:"connection_rate_limit"`
}

func (c *HTTPClient) GetAccessControl(ctx context.Context, endpoint types.EndpointID, user string) (AccessControl, error) {
	path := fmt.Sprintf("/access_control?endpoint=%s&role=%s", endpoint, user)
	var wire accessControlWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return AccessControl{}, err
	}
	return AccessControl{
		IPAllowlist:         wire.IPAllowlist,
		VPCAllowed:          wire.VPCAllowed,
		ConnectionRateLimit: wire.ConnectionRateLimit,
	}, nil
}

type roleSecretWire struct {
	Found      bool   `json:"found"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	StoredKey  []byte `json:"stored_key"`
	ServerKey  []byte `json:"server_key"`
}

func (c *HTTPClient) GetRoleSecret(ctx context.Context, endpoint types.EndpointID, role string) (RoleSecret, error) {
	path := fmt.Sprintf("/role_secret?endpoint=%s&role=%s", endpoint, role)
	var wire roleSecretWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return RoleSecret{}, err
	}
	if !wire.Found {
		return RoleSecret{Secret: nil}, nil
	}
	secret := &ScramSecret{Salt: wire.Salt, Iterations: wire.Iterations}
	copy(secret.StoredKey[:], wire.StoredKey)
	copy(secret.ServerKey[:], wire.ServerKey)
	return RoleSecret{Secret: secret}, nil
}

type wakeComputeWire struct {
	Host       string `json:"host"`
	HostAddr   string `json:"host_addr"`
	Port       int    `json:"port"`
	SSLMode    string `json:"ssl_mode"`
	EndpointID string `json:"endpoint_id"`
	BranchID   string `json:"branch_id"`
	ComputeID  string `json:"compute_id"`
}

func (c *HTTPClient) WakeCompute(ctx context.Context, endpoint types.EndpointID) (WakeResult, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		path := fmt.Sprintf("/wake_compute?endpoint=%s", endpoint)
		var wire wakeComputeWire
		if err := c.doJSON(ctx, http.MethodPost, path, nil, &wire); err != nil {
			return WakeResult{}, err
		}
		return WakeResult{
			ConnInfo: types.NodeConnInfo{
				Host:     wire.Host,
				HostAddr: net.ParseIP(wire.HostAddr),
				Port:     wire.Port,
				SSLMode:  types.ParseSSLMode(wire.SSLMode),
			},
			Aux: types.NodeAux{
				EndpointID: types.EndpointID(wire.EndpointID),
				BranchID:   wire.BranchID,
				ComputeID:  wire.ComputeID,
			},
		}, nil
	})
	if err != nil {
		return WakeResult{}, err
	}
	return result.(WakeResult), nil
}
