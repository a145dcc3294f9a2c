// Package config loads the proxy's YAML configuration: listen addresses,
// the endpoint table (used by the in-repo StaticClient control-plane
// implementation and the wire-protocol front end's endpoint router),
// authentication policy, pool sizing, and the control-plane/compute-ctl
// base URLs. Values support ${VAR} env-var substitution, and the file is
// re-read on change via an fsnotify watcher.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/serverless"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// Config is the top-level proxy configuration.
type Config struct {
	Listen         ListenConfig                         `yaml:"listen"`
	Defaults       PoolDefaults                         `yaml:"defaults"`
	Endpoints      map[string]EndpointConfig             `yaml:"endpoints"`
	Authentication AuthenticationConfig                 `yaml:"authentication"`
	ConnectLocks   ApiLocksConfig                        `yaml:"connect_compute_locks"`
	WakeLocks      ApiLocksConfig                        `yaml:"wake_compute_locks"`
	Retry          RetryConfig                           `yaml:"wake_compute_retry"`
	Compute        ComputeConfig                         `yaml:"connect_to_compute"`
	ControlPlane   ControlPlaneConfig                    `yaml:"control_plane"`
	ComputeCtl     ComputeCtlConfig                       `yaml:"compute_ctl"`
	LocalBackend   LocalBackendConfig                     `yaml:"local_backend"`
	HealthCheck    HealthCheckConfig                      `yaml:"health_check"`
}

// LocalBackendConfig addresses the co-located Postgres the local backend
// dials over loopback.
type LocalBackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// HealthCheckConfig controls the periodic per-endpoint health checker.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ListenConfig defines the ports and bind addresses the proxy listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	SQLOverHTTPPort int `yaml:"sql_over_http_port"`
	APIKey       string `yaml:"api_key"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults bounds every EndpointConnPool the proxy creates. The
// per-endpoint MaxConnections/IdleTimeout/MaxLifetime/AcquireTimeout fields
// of EndpointConfig are parsed, but the pools are built from these defaults
// alone; those overrides are not applied to them.
type PoolDefaults struct {
	MaxConnections      int           `yaml:"max_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	MaxPools            int           `yaml:"max_pools"`
	MaxStreamsPerConn   int           `yaml:"max_streams_per_conn"`
	MaxConnsPerEndpoint int           `yaml:"max_conns_per_endpoint"`
	MaxConnsGlobal      int           `yaml:"max_conns_global"`
}

// EndpointBackend names which connect mechanism an endpoint is served by.
type EndpointBackend string

const (
	BackendRemote EndpointBackend = "remote"
	BackendHyper  EndpointBackend = "hyper"
	BackendLocal  EndpointBackend = "local"
)

// ToServerless maps the YAML backend name to serverless.BackendKind, the
// type the wired Core actually dispatches on.
func (b EndpointBackend) ToServerless() serverless.BackendKind {
	switch b {
	case BackendHyper:
		return serverless.BackendHyper
	case BackendLocal:
		return serverless.BackendLocal
	default:
		return serverless.BackendRemote
	}
}

// EndpointConfig is one entry in the endpoint table: the StaticClient's
// view of where an endpoint's compute lives and how it should be reached.
// A real deployment replaces StaticClient with controlplane.HTTPClient and
// this table becomes informational/test-only, but it always drives which
// of the three pools an endpoint uses.
type EndpointConfig struct {
	Backend    EndpointBackend `yaml:"backend"`
	Host       string          `yaml:"host"`
	Port       int             `yaml:"port"`
	SSLMode    string          `yaml:"ssl_mode"`
	BranchID   string          `yaml:"branch_id"`
	ComputeID  string          `yaml:"compute_id"`

	// IPAllowlist/VPCAllowed/ConnectionRateLimit feed StaticClient's
	// AccessControl record directly.
	IPAllowlist         []string `yaml:"ip_allowlist,omitempty"`
	VPCAllowed          bool     `yaml:"vpc_allowed"`
	ConnectionRateLimit float64  `yaml:"connection_rate_limit"`

	// Roles carries one plaintext password per role for the demo/test
	// StaticClient table; BuildStaticClient derives and discards it into a
	// SCRAM verifier at load time, the same plaintext-at-rest boundary a
	// real control plane enforces at its own edge.
	Roles map[string]RoleConfig `yaml:"roles,omitempty"`

	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
}

// RoleConfig is one role's demo credential.
type RoleConfig struct {
	Password string `yaml:"password"`
}

func (e EndpointConfig) effectiveMaxConnections(d PoolDefaults) int {
	if e.MaxConnections != nil {
		return *e.MaxConnections
	}
	return d.MaxConnections
}

func (e EndpointConfig) effectiveIdleTimeout(d PoolDefaults) time.Duration {
	if e.IdleTimeout != nil {
		return *e.IdleTimeout
	}
	return d.IdleTimeout
}

func (e EndpointConfig) effectiveMaxLifetime(d PoolDefaults) time.Duration {
	if e.MaxLifetime != nil {
		return *e.MaxLifetime
	}
	return d.MaxLifetime
}

func (e EndpointConfig) effectiveAcquireTimeout(d PoolDefaults) time.Duration {
	if e.AcquireTimeout != nil {
		return *e.AcquireTimeout
	}
	return d.AcquireTimeout
}

// AuthenticationConfig mirrors the Authenticator's Config, plus the policy
// flags carried at the proxy level.
type AuthenticationConfig struct {
	IPAllowlistCheckEnabled    bool   `yaml:"ip_allowlist_check_enabled"`
	IsVPCAccessProxy           bool   `yaml:"is_vpc_access_proxy"`
	// RateLimitBeforeSecretFetch orders the per-endpoint rate-limit check
	// ahead of the role-secret fetch (the cheap check first). nil means
	// unset and defaults to true; set false to require the role lookup
	// before counting an attempt against the limit.
	RateLimitBeforeSecretFetch *bool `yaml:"rate_limit_before_secret_fetch"`
	ScramWorkers               int    `yaml:"scram_workers"`
	ScramQueueDepth            int    `yaml:"scram_queue_depth"`
	LocalJWTPublicKeyHex       string `yaml:"local_jwt_public_key_hex"`

	RateLimitAttemptsPerSecond float64 `yaml:"rate_limit_attempts_per_second"`
	RateLimitBurst             int     `yaml:"rate_limit_burst"`
}

// ApiLocksConfig mirrors ratelimit.ApiLocksConfig.
type ApiLocksConfig struct {
	Permits int64         `yaml:"permits"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig mirrors retry.Config.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
}

// ComputeConfig carries the dial timeout and optional TLS material shared
// by the RemoteMechanism and HyperMechanism.
type ComputeConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TLSCert     string        `yaml:"tls_cert"`
	TLSKey      string        `yaml:"tls_key"`
	TLSCACert   string        `yaml:"tls_ca_cert"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ClientTLSConfig builds the *tls.Config shared by RemoteMechanism and
// HyperMechanism for dialing compute. A nil result (with nil error) means
// connect in plaintext. TLSCert/TLSKey enable mutual TLS; TLSCACert pins a
// private CA instead of trusting the system root pool.
func (c ComputeConfig) ClientTLSConfig() (*tls.Config, error) {
	if c.TLSCert == "" && c.TLSKey == "" && c.TLSCACert == "" && !c.InsecureSkipVerify {
		return nil, nil
	}

	cfg := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}

	if c.TLSCert != "" || c.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading compute client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.TLSCACert != "" {
		pem, err := os.ReadFile(c.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("reading compute CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", c.TLSCACert)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// ControlPlaneConfig configures the control-plane client. BaseURL empty
// means use the in-repo StaticClient backed by Endpoints instead of an
// HTTPClient.
type ControlPlaneConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheCapacity  int           `yaml:"cache_capacity"`
}

// ComputeCtlConfig configures the compute-ctl sidecar client.
type ComputeCtlConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Redacted returns a copy of cfg with secrets masked, for logging.
func (c Config) Redacted() Config {
	r := c
	if r.Listen.APIKey != "" {
		r.Listen.APIKey = "***REDACTED***"
	}
	return r
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.SQLOverHTTPPort == 0 {
		cfg.Listen.SQLOverHTTPPort = 8081
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.MaxPools == 0 {
		cfg.Defaults.MaxPools = 10000
	}
	if cfg.Defaults.MaxStreamsPerConn == 0 {
		cfg.Defaults.MaxStreamsPerConn = 100
	}
	if cfg.Defaults.MaxConnsPerEndpoint == 0 {
		cfg.Defaults.MaxConnsPerEndpoint = 100
	}
	if cfg.Defaults.MaxConnsGlobal == 0 {
		cfg.Defaults.MaxConnsGlobal = 10000
	}
	if cfg.ConnectLocks.Permits == 0 {
		cfg.ConnectLocks.Permits = 100
	}
	if cfg.ConnectLocks.Timeout == 0 {
		cfg.ConnectLocks.Timeout = 10 * time.Second
	}
	if cfg.WakeLocks.Permits == 0 {
		cfg.WakeLocks.Permits = 20
	}
	if cfg.WakeLocks.Timeout == 0 {
		cfg.WakeLocks.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 50 * time.Millisecond
	}
	if cfg.Compute.DialTimeout == 0 {
		cfg.Compute.DialTimeout = 5 * time.Second
	}
	if cfg.ControlPlane.RequestTimeout == 0 {
		cfg.ControlPlane.RequestTimeout = 5 * time.Second
	}
	if cfg.ControlPlane.CacheTTL == 0 {
		cfg.ControlPlane.CacheTTL = 2 * time.Minute
	}
	if cfg.ControlPlane.CacheCapacity == 0 {
		cfg.ControlPlane.CacheCapacity = 10000
	}
	if cfg.ComputeCtl.RequestTimeout == 0 {
		cfg.ComputeCtl.RequestTimeout = 5 * time.Second
	}
	if cfg.LocalBackend.Host == "" {
		cfg.LocalBackend.Host = "127.0.0.1"
	}
	if cfg.LocalBackend.Port == 0 {
		cfg.LocalBackend.Port = 5432
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 30 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 3 * time.Second
	}
	if cfg.Authentication.RateLimitBeforeSecretFetch == nil {
		t := true
		cfg.Authentication.RateLimitBeforeSecretFetch = &t
	}
	if cfg.Authentication.ScramWorkers == 0 {
		cfg.Authentication.ScramWorkers = 8
	}
	if cfg.Authentication.ScramQueueDepth == 0 {
		cfg.Authentication.ScramQueueDepth = 256
	}
	if cfg.Authentication.RateLimitAttemptsPerSecond == 0 {
		cfg.Authentication.RateLimitAttemptsPerSecond = 5
	}
	if cfg.Authentication.RateLimitBurst == 0 {
		cfg.Authentication.RateLimitBurst = 10
	}
}

func validate(cfg *Config) error {
	for id, ep := range cfg.Endpoints {
		if ep.Host == "" {
			return fmt.Errorf("endpoint %q: host is required", id)
		}
		if ep.Port == 0 {
			return fmt.Errorf("endpoint %q: port is required", id)
		}
		switch ep.Backend {
		case "", BackendRemote, BackendHyper, BackendLocal:
		default:
			return fmt.Errorf("endpoint %q: unsupported backend %q", id, ep.Backend)
		}
	}
	return nil
}

// BuildStaticClient turns the endpoint table into a controlplane.StaticClient,
// deriving a SCRAM verifier for each role's plaintext demo password. Used
// when ControlPlane.BaseURL is empty and the proxy runs against its own
// fixed endpoint table instead of a real control plane.
func (c *Config) BuildStaticClient() (*controlplane.StaticClient, error) {
	records := make(map[types.EndpointID]controlplane.EndpointRecord, len(c.Endpoints))
	for id, ep := range c.Endpoints {
		roleSecrets := make(map[string]controlplane.ScramSecret, len(ep.Roles))
		for role, rc := range ep.Roles {
			secret, err := controlplane.DeriveScramSecret(rc.Password)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q role %q: %w", id, role, err)
			}
			roleSecrets[role] = secret
		}

		records[types.EndpointID(id)] = controlplane.EndpointRecord{
			Host:      ep.Host,
			Port:      ep.Port,
			SSLMode:   types.ParseSSLMode(ep.SSLMode),
			BranchID:  ep.BranchID,
			ComputeID: ep.ComputeID,
			AccessCtl: controlplane.AccessControl{
				IPAllowlist:         ep.IPAllowlist,
				VPCAllowed:          ep.VPCAllowed,
				ConnectionRateLimit: ep.ConnectionRateLimit,
			},
			RoleSecret: roleSecrets,
		}
	}
	return controlplane.NewStaticClient(records), nil
}

// BackendKindResolver builds a serverless.BackendKindResolver closure over
// this config's endpoint table. Unknown endpoints resolve to BackendRemote;
// the wake/locate path still rejects them when the control plane itself
// has no record.
func (c *Config) BackendKindResolver() serverless.BackendKindResolver {
	kinds := make(map[types.EndpointID]serverless.BackendKind, len(c.Endpoints))
	for id, ep := range c.Endpoints {
		kinds[types.EndpointID(id)] = ep.Backend.ToServerless()
	}
	return func(id types.EndpointID) serverless.BackendKind {
		if kind, ok := kinds[id.Normalize()]; ok {
			return kind
		}
		return serverless.BackendRemote
	}
}

// EndpointIDs lists every configured endpoint, for callers (the health
// checker, the admin API) that need to iterate the table without caring
// about its per-endpoint pooling policy.
func (c *Config) EndpointIDs() []types.EndpointID {
	ids := make([]types.EndpointID, 0, len(c.Endpoints))
	for id := range c.Endpoints {
		ids = append(ids, types.EndpointID(id))
	}
	return ids
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
