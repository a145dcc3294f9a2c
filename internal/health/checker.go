// Package health runs the periodic endpoint health checker: resolve each
// configured endpoint through the Wake/Locator, dial the returned compute
// address, and confirm it speaks the Postgres wire protocol. Probes run on
// a bounded-fanout ticker loop with a consecutive-failure threshold.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/serverlessdb/poolproxy/internal/config"
	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// Status is an endpoint's last-known health state.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// EndpointHealth holds the health state for one endpoint.
type EndpointHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on a fixed set of endpoints.
type Checker struct {
	mu        sync.RWMutex
	endpoints map[types.EndpointID]*EndpointHealth
	watchlist []types.EndpointID

	locator *controlplane.Locator
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a Checker that probes every id in watchlist by asking
// loc to resolve it and dialing the result.
func NewChecker(loc *controlplane.Locator, m *metrics.Collector, watchlist []types.EndpointID, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		endpoints:         make(map[types.EndpointID]*EndpointHealth),
		watchlist:         watchlist,
		locator:           loc,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold, "endpoints", len(c.watchlist))
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, id := range c.watchlist {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy := c.pingEndpoint(id)
			c.updateStatus(id, healthy)
		}()
	}
	wg.Wait()
}

// pingEndpoint resolves id through the Locator and probes the returned
// address with a minimal Postgres startup message. A wake/locate failure
// and a dead compute are both reported as unhealthy, but with a distinct
// LastError prefix so an operator can tell "never woke" from "woke, then
// unreachable" at a glance.
func (c *Checker) pingEndpoint(id types.EndpointID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	node, err := c.locator.Locate(ctx, id)
	if err != nil {
		c.setLastError(id, fmt.Sprintf("locate: %s", err))
		return false
	}

	addr := net.JoinHostPort(node.ConnInfo.Host, fmt.Sprintf("%d", node.ConnInfo.Port))
	conn, err := net.DialTimeout("tcp", addr, c.connectionTimeout)
	if err != nil {
		c.setLastError(id, fmt.Sprintf("dial: %s", err))
		return false
	}
	defer conn.Close()

	return c.pingPostgres(id, conn)
}

// pingPostgres sends a minimal startup message and checks for any response.
// Any reply — an auth request, an error, a negotiation refusal — means the
// backend is alive and speaking the protocol; this never attempts to log in.
func (c *Checker) pingPostgres(id types.EndpointID, conn net.Conn) bool {
	conn.SetDeadline(time.Now().Add(c.connectionTimeout))

	params := []byte("user\x00healthcheck\x00\x00")
	msgLen := 4 + 4 + len(params)
	msg := make([]byte, msgLen)
	msg[0] = byte(msgLen >> 24)
	msg[1] = byte(msgLen >> 16)
	msg[2] = byte(msgLen >> 8)
	msg[3] = byte(msgLen)
	msg[4], msg[5], msg[6], msg[7] = 0, 3, 0, 0 // protocol version 3.0
	copy(msg[8:], params)

	if _, err := conn.Write(msg); err != nil {
		c.setLastError(id, fmt.Sprintf("pg write startup: %s", err))
		return false
	}

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		c.setLastError(id, fmt.Sprintf("pg read response: %s", err))
		return false
	}
	c.setLastError(id, "")
	return true
}

func (c *Checker) setLastError(id types.EndpointID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eh := c.getOrCreateLocked(id)
	if errMsg != "" {
		eh.LastError = errMsg
	}
}

func (c *Checker) updateStatus(id types.EndpointID, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eh := c.getOrCreateLocked(id)
	eh.LastCheck = time.Now()

	if healthy {
		if eh.ConsecutiveFailures > 0 {
			slog.Info("endpoint recovered", "endpoint", id, "failures", eh.ConsecutiveFailures)
		}
		eh.Status = StatusHealthy
		eh.ConsecutiveFailures = 0
		eh.LastError = ""
		if c.metrics != nil {
			c.metrics.SetEndpointHealth(string(id), true)
		}
		return
	}

	eh.ConsecutiveFailures++
	if eh.ConsecutiveFailures >= c.failureThreshold {
		if eh.Status != StatusUnhealthy {
			slog.Warn("endpoint marked unhealthy", "endpoint", id, "failures", eh.ConsecutiveFailures, "error", eh.LastError)
		}
		eh.Status = StatusUnhealthy
	}
	if c.metrics != nil {
		c.metrics.SetEndpointHealth(string(id), eh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreateLocked(id types.EndpointID) *EndpointHealth {
	eh, ok := c.endpoints[id]
	if !ok {
		eh = &EndpointHealth{Status: StatusUnknown}
		c.endpoints[id] = eh
	}
	return eh
}

// IsHealthy reports whether id is healthy. An endpoint never checked yet is
// treated as healthy so a brand-new endpoint isn't rejected before its
// first probe runs.
func (c *Checker) IsHealthy(id types.EndpointID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[id]
	if !ok {
		return true
	}
	return eh.Status != StatusUnhealthy
}

// GetStatus returns the health state for id.
func (c *Checker) GetStatus(id types.EndpointID) EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eh, ok := c.endpoints[id]
	if !ok {
		return EndpointHealth{Status: StatusUnknown}
	}
	return *eh
}

// GetAllStatuses returns the health state for every endpoint checked so far.
func (c *Checker) GetAllStatuses() map[types.EndpointID]EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[types.EndpointID]EndpointHealth, len(c.endpoints))
	for id, eh := range c.endpoints {
		result[id] = *eh
	}
	return result
}

// OverallHealthy reports whether every checked endpoint is currently healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, eh := range c.endpoints {
		if eh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveEndpoint drops health state for an endpoint removed from the table.
func (c *Checker) RemoveEndpoint(id types.EndpointID) {
	c.mu.Lock()
	delete(c.endpoints, id)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RemoveEndpoint(string(id))
	}
	slog.Info("removed health state", "endpoint", id)
}
