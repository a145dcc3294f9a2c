// Package metrics holds the proxy's Prometheus instrumentation: per-endpoint
// pool occupancy, wake/locate latency, authentication outcomes, and connect
// retry counts. One self-contained registry, one constructor, one set of
// label-scoped update methods per metric family.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the proxy emits.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	wakeDuration    *prometheus.HistogramVec
	wakeCacheHits   *prometheus.CounterVec
	wakeErrors      *prometheus.CounterVec
	endpointHealth  *prometheus.GaugeVec

	connectDuration *prometheus.HistogramVec
	connectRetries  *prometheus.CounterVec
	connectErrors   *prometheus.CounterVec
	permitWait      *prometheus.HistogramVec

	authAttempts *prometheus.CounterVec
	authDuration *prometheus.HistogramVec

	sessionDuration *prometheus.HistogramVec
	dirtyDiscards   *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry. Safe to call
// more than once (tests, config reload) since each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolproxy_connections_active",
				Help: "Active pooled connections per endpoint and backend kind",
			},
			[]string{"endpoint", "backend"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolproxy_connections_idle",
				Help: "Idle pooled connections per endpoint and backend kind",
			},
			[]string{"endpoint", "backend"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolproxy_connections_total",
				Help: "Total pooled connections per endpoint and backend kind",
			},
			[]string{"endpoint", "backend"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolproxy_connections_waiting",
				Help: "Goroutines waiting on Acquire per endpoint and backend kind",
			},
			[]string{"endpoint", "backend"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_pool_exhausted_total",
				Help: "Times an Acquire call found its pool at capacity and had to wait, per endpoint",
			},
			[]string{"endpoint"},
		),

		wakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolproxy_wake_duration_seconds",
				Help:    "wake_compute call latency, cache misses only",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"endpoint"},
		),
		wakeCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_wake_cache_results_total",
				Help: "Locate results by cache outcome (hit, miss, coalesced)",
			},
			[]string{"endpoint", "result"},
		),
		wakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_wake_errors_total",
				Help: "wake_compute failures by error kind",
			},
			[]string{"endpoint", "error_kind"},
		),
		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolproxy_endpoint_health",
				Help: "Health check result per endpoint (1=healthy, 0=unhealthy)",
			},
			[]string{"endpoint"},
		),

		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolproxy_connect_duration_seconds",
				Help:    "connect_to_compute latency including retries",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"endpoint", "backend"},
		),
		connectRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_connect_retries_total",
				Help: "connect_to_compute retry attempts per endpoint",
			},
			[]string{"endpoint", "reason"},
		),
		connectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_connect_errors_total",
				Help: "Terminal connect_to_compute failures by error kind",
			},
			[]string{"endpoint", "error_kind"},
		),
		permitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolproxy_permit_wait_seconds",
				Help:    "Time spent waiting for a per-host wake/connect permit, by outcome (acquired, timeout)",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"outcome"},
		),

		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_auth_attempts_total",
				Help: "Authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),
		authDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolproxy_auth_duration_seconds",
				Help:    "Authentication latency by method",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"method"},
		),

		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolproxy_session_duration_seconds",
				Help:    "Duration of a proxied session from acquire to release",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 18),
			},
			[]string{"endpoint", "backend"},
		),
		dirtyDiscards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolproxy_dirty_discards_total",
				Help: "Backends discarded instead of recycled after a dirty session",
			},
			[]string{"endpoint", "backend"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.wakeDuration,
		c.wakeCacheHits,
		c.wakeErrors,
		c.endpointHealth,
		c.connectDuration,
		c.connectRetries,
		c.connectErrors,
		c.permitWait,
		c.authAttempts,
		c.authDuration,
		c.sessionDuration,
		c.dirtyDiscards,
	)

	return c
}

// UpdatePoolStats updates the pool occupancy gauges for one endpoint/backend pair.
func (c *Collector) UpdatePoolStats(endpoint, backend string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(endpoint, backend).Set(float64(active))
	c.connectionsIdle.WithLabelValues(endpoint, backend).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(endpoint, backend).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(endpoint, backend).Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter for an endpoint.
func (c *Collector) PoolExhausted(endpoint string) {
	c.poolExhausted.WithLabelValues(endpoint).Inc()
}

// WakeCompleted records a cache-miss wake_compute call's latency.
func (c *Collector) WakeCompleted(endpoint string, d time.Duration) {
	c.wakeDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// WakeCacheResult records whether Locate hit the cache, missed, or
// coalesced onto an in-flight call.
func (c *Collector) WakeCacheResult(endpoint, result string) {
	c.wakeCacheHits.WithLabelValues(endpoint, result).Inc()
}

// WakeError increments the wake error counter by classified error kind.
func (c *Collector) WakeError(endpoint, errorKind string) {
	c.wakeErrors.WithLabelValues(endpoint, errorKind).Inc()
}

// SetEndpointHealth sets the health gauge for an endpoint.
func (c *Collector) SetEndpointHealth(endpoint string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.endpointHealth.WithLabelValues(endpoint).Set(val)
}

// ConnectCompleted records total connect_to_compute latency, successes only.
func (c *Collector) ConnectCompleted(endpoint, backend string, d time.Duration) {
	c.connectDuration.WithLabelValues(endpoint, backend).Observe(d.Seconds())
}

// ConnectRetried increments the retry counter with the reason the attempt
// was retried ("same_node" or "wake_invalidated").
func (c *Collector) ConnectRetried(endpoint, reason string) {
	c.connectRetries.WithLabelValues(endpoint, reason).Inc()
}

// PermitWait records how long a caller waited for a per-host permit.
func (c *Collector) PermitWait(outcome string, d time.Duration) {
	c.permitWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// ConnectFailed increments the terminal connect-error counter.
func (c *Collector) ConnectFailed(endpoint, errorKind string) {
	c.connectErrors.WithLabelValues(endpoint, errorKind).Inc()
}

// AuthAttempt records an authentication attempt's method and outcome.
func (c *Collector) AuthAttempt(method, result string, d time.Duration) {
	c.authAttempts.WithLabelValues(method, result).Inc()
	c.authDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SessionCompleted records a proxied session's total duration.
func (c *Collector) SessionCompleted(endpoint, backend string, d time.Duration) {
	c.sessionDuration.WithLabelValues(endpoint, backend).Observe(d.Seconds())
}

// DirtyDiscard increments the dirty-discard counter.
func (c *Collector) DirtyDiscard(endpoint, backend string) {
	c.dirtyDiscards.WithLabelValues(endpoint, backend).Inc()
}

// RemoveEndpoint drops every label series scoped to one endpoint, called
// when an endpoint is removed from the table.
func (c *Collector) RemoveEndpoint(endpoint string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.poolExhausted.DeleteLabelValues(endpoint)
	c.wakeDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.wakeCacheHits.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.wakeErrors.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.endpointHealth.DeleteLabelValues(endpoint)
	c.connectDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectRetries.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectErrors.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.sessionDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.dirtyDiscards.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
}
