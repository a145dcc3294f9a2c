// Command proxyd is the serverless Postgres pooling proxy: one process
// wiring the Authenticator, Wake/Locator, the three connect mechanisms, the
// three connection pools, and every transport front door (wire-protocol,
// sql-over-http, admin/metrics) over a single shared serverless.Core.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serverlessdb/poolproxy/internal/api"
	"github.com/serverlessdb/poolproxy/internal/auth"
	"github.com/serverlessdb/poolproxy/internal/computectl"
	"github.com/serverlessdb/poolproxy/internal/config"
	"github.com/serverlessdb/poolproxy/internal/connect"
	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/health"
	"github.com/serverlessdb/poolproxy/internal/httpapi"
	"github.com/serverlessdb/poolproxy/internal/localinit"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/pool"
	"github.com/serverlessdb/poolproxy/internal/proxy"
	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/retry"
	"github.com/serverlessdb/poolproxy/internal/router"
	"github.com/serverlessdb/poolproxy/internal/serverless"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// controlPlaneJWKS adapts the configured control-plane base URL into a
// controlplane.JWKSProvider: every endpoint shares the same control plane,
// so its issuer/JWKS/audience settings are derived from one base URL rather
// than looked up per endpoint.
type controlPlaneJWKS struct {
	baseURL string
}

func (p controlPlaneJWKS) JWKSSettings(_ context.Context, endpoint types.EndpointID) (issuer, jwksURL, audience string, err error) {
	issuer = p.baseURL
	jwksURL = p.baseURL + "/.well-known/jwks.json"
	audience = string(endpoint)
	return issuer, jwksURL, audience, nil
}

func main() {
	configPath := flag.String("config", "configs/proxyd.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("proxyd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	slog.Info("configuration loaded", "path", *configPath, "endpoints", len(cfg.Endpoints))

	m := metrics.New()
	r := router.New()

	var cpClient controlplane.Client
	var jwksCache *controlplane.JWKSCache
	if cfg.ControlPlane.BaseURL != "" {
		httpClient := controlplane.NewHTTPClient(controlplane.HTTPClientConfig{
			BaseURL:            cfg.ControlPlane.BaseURL,
			RequestTimeout:     cfg.ControlPlane.RequestTimeout,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     30 * time.Second,
			BreakerMaxFailures: 5,
		})
		cpClient = httpClient
		jwksCache = controlplane.NewJWKSCache(controlPlaneJWKS{baseURL: cfg.ControlPlane.BaseURL})
	} else {
		staticClient, err := cfg.BuildStaticClient()
		if err != nil {
			log.Fatalf("building static control-plane client: %v", err)
		}
		cpClient = staticClient
	}

	wakeLocks := ratelimit.NewApiLocks(ratelimit.ApiLocksConfig{
		Permits: cfg.WakeLocks.Permits,
		Timeout: cfg.WakeLocks.Timeout,
		Metrics: m,
	})
	connectLocks := ratelimit.NewApiLocks(ratelimit.ApiLocksConfig{
		Permits: cfg.ConnectLocks.Permits,
		Timeout: cfg.ConnectLocks.Timeout,
		Metrics: m,
	})
	endpointLimiter := ratelimit.NewEndpointRateLimiter(cfg.Authentication.RateLimitAttemptsPerSecond, float64(cfg.Authentication.RateLimitBurst))

	locator := controlplane.NewLocator(cpClient, wakeLocks, controlplane.LocatorConfig{
		CacheTTL:      cfg.ControlPlane.CacheTTL,
		CacheCapacity: cfg.ControlPlane.CacheCapacity,
		Metrics:       m,
	})

	var localJWTKey []byte
	if cfg.Authentication.LocalJWTPublicKeyHex != "" {
		localJWTKey, err = hex.DecodeString(cfg.Authentication.LocalJWTPublicKeyHex)
		if err != nil {
			log.Fatalf("decoding local_jwt_public_key_hex: %v", err)
		}
	}

	authenticator := auth.New(auth.Config{
		IPAllowlistCheckEnabled:    cfg.Authentication.IPAllowlistCheckEnabled,
		IsVPCAccessProxy:           cfg.Authentication.IsVPCAccessProxy,
		RateLimitBeforeSecretFetch: *cfg.Authentication.RateLimitBeforeSecretFetch,
		ScramWorkers:               cfg.Authentication.ScramWorkers,
		ScramQueueDepth:            cfg.Authentication.ScramQueueDepth,
		LocalJWTKey:                localJWTKey,
		Metrics:                    m,
	}, cpClient, endpointLimiter, jwksCache)

	tlsConfig, err := cfg.Compute.ClientTLSConfig()
	if err != nil {
		log.Fatalf("building compute TLS config: %v", err)
	}

	remoteMechanism := &connect.RemoteMechanism{
		Locks:       connectLocks,
		DialTimeout: cfg.Compute.DialTimeout,
		TLSConfig:   tlsConfig,
	}
	hyperMechanism := connect.NewHyperMechanism(connectLocks, cfg.Compute.DialTimeout, tlsConfig)

	computeCtlClient := computectl.NewHTTPClient(cfg.ComputeCtl.BaseURL, cfg.ComputeCtl.RequestTimeout)
	localInitializer := localinit.NewInitializer(computeCtlClient)
	localDialer := &localinit.Dialer{Host: cfg.LocalBackend.Host, Port: cfg.LocalBackend.Port}

	retryCfg := retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
		OnRetry: func(endpoint types.EndpointID, reason string) {
			m.ConnectRetried(string(endpoint), reason)
		},
		OnFailure: func(endpoint types.EndpointID, errorKind string) {
			m.ConnectFailed(string(endpoint), errorKind)
		},
	}

	core := serverless.New(serverless.Config{
		Locator:  locator,
		Auth:     authenticator,
		Resolve:  cfg.BackendKindResolver(),
		RetryCfg: retryCfg,

		RemoteMechanism: remoteMechanism,
		RemotePoolCfg:   poolConfigFromDefaults(cfg.Defaults),
		RemoteMaxPools:  cfg.Defaults.MaxPools,

		HyperMechanism:  hyperMechanism,
		HyperMaxConns:   cfg.Defaults.MaxPools,
		HyperMaxStreams: cfg.Defaults.MaxStreamsPerConn,

		LocalDialer:      localDialer,
		LocalInitializer: localInitializer,
		LocalPoolCfg:     poolConfigFromDefaults(cfg.Defaults),
		LocalMaxPools:    cfg.Defaults.MaxPools,

		OnPoolExhausted: func(kind string, info types.ConnInfo) {
			m.PoolExhausted(string(info.EndpointID))
		},
		OnDiscard: func(kind string, info types.ConnInfo) {
			m.DirtyDiscard(string(info.EndpointID), kind)
		},
	})

	go reportPoolStatsLoop(core, m, 5*time.Second)

	endpointIDs := cfg.EndpointIDs()
	watchlist := append([]types.EndpointID(nil), endpointIDs...)
	hc := health.NewChecker(locator, m, watchlist, cfg.HealthCheck)
	hc.Start()

	proxyServer := proxy.NewServer(core, r, hc, m, cfg.Listen)
	if err := proxyServer.ListenPostgres(cfg.Listen.PostgresPort); err != nil {
		log.Fatalf("starting postgres listener: %v", err)
	}

	sqlOverHTTP := httpapi.NewServer(core, r)
	if err := sqlOverHTTP.Start(cfg.Listen.APIBind, cfg.Listen.SQLOverHTTPPort); err != nil {
		log.Fatalf("starting sql-over-http listener: %v", err)
	}

	endpointIDStrings := make([]string, len(endpointIDs))
	for i, id := range endpointIDs {
		endpointIDStrings[i] = string(id)
	}
	apiServer := api.NewServer(core, r, hc, m, cfg.Listen, endpointIDStrings)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("starting admin api: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		// Endpoint topology and pool sizing are fixed at process start: every
		// pool's dialer already closes over the mechanisms and Locator built
		// above. A config edit that only touches log-visible values (health
		// check cadence, rate limits) takes effect on restart; reloading the
		// running topology isn't wired (see DESIGN.md).
		slog.Warn("configuration file changed; restart proxyd to apply endpoint/pool changes", "endpoints", len(newCfg.Endpoints))
	})
	if err != nil {
		slog.Warn("config hot-reload watcher not available", "error", err)
	}

	slog.Info("proxyd ready",
		"postgres_port", cfg.Listen.PostgresPort,
		"sql_over_http_port", cfg.Listen.SQLOverHTTPPort,
		"api_port", cfg.Listen.APIPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		slog.Error("stopping admin api", "error", err)
	}
	if err := sqlOverHTTP.Stop(); err != nil {
		slog.Error("stopping sql-over-http server", "error", err)
	}
	proxyServer.Stop()
	hc.Stop()
	core.Close()

	slog.Info("proxyd stopped")
}

func poolConfigFromDefaults(d config.PoolDefaults) pool.Config {
	return pool.Config{
		MaxConns:            d.MaxConnections,
		IdleTimeout:         d.IdleTimeout,
		MaxLifetime:         d.MaxLifetime,
		AcquireTimeout:      d.AcquireTimeout,
		MaxConnsPerEndpoint: d.MaxConnsPerEndpoint,
		MaxConnsGlobal:      d.MaxConnsGlobal,
	}
}

// reportPoolStatsLoop periodically pushes the remote pool manager's
// per-ConnInfo occupancy into Prometheus.
func reportPoolStatsLoop(core *serverless.Core, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, s := range core.RemotePoolStats() {
			m.UpdatePoolStats(s.ConnInfo, "remote", s.Active, s.Idle, s.Total, s.Waiting)
		}
	}
}
