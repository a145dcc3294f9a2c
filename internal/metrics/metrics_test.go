package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("ep1", "remote", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("ep1", "remote"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("ep1", "remote", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("ep1", "remote"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("ep1", "remote", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("ep1", "remote")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("ep1", "remote")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("ep1", "remote")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("ep1", "remote")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestMultipleEndpoints(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("ep1", "remote", 1, 0, 1, 0)
	c.UpdatePoolStats("ep2", "hyper", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("ep1", "remote"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("ep2", "hyper"))

	if v1 != 1 {
		t.Errorf("expected ep1 active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected ep2 active=2, got %v", v2)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("ep1")
	c.PoolExhausted("ep1")
	c.PoolExhausted("ep1")

	val := getCounterValue(c.poolExhausted.WithLabelValues("ep1"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestSetEndpointHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetEndpointHealth("ep1", true)
	val := getGaugeValue(c.endpointHealth.WithLabelValues("ep1"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetEndpointHealth("ep1", false)
	val = getGaugeValue(c.endpointHealth.WithLabelValues("ep1"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestWakeCompletedAndCacheResult(t *testing.T) {
	c, reg := newTestCollector(t)

	c.WakeCompleted("ep1", 10*time.Millisecond)
	c.WakeCompleted("ep1", 20*time.Millisecond)
	c.WakeCacheResult("ep1", "hit")
	c.WakeCacheResult("ep1", "hit")
	c.WakeCacheResult("ep1", "miss")

	if v := getCounterValue(c.wakeCacheHits.WithLabelValues("ep1", "hit")); v != 2 {
		t.Errorf("expected hit=2, got %v", v)
	}
	if v := getCounterValue(c.wakeCacheHits.WithLabelValues("ep1", "miss")); v != 1 {
		t.Errorf("expected miss=1, got %v", v)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "poolproxy_wake_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 wake duration samples")
			}
		}
	}
	if !found {
		t.Error("wake duration metric not found")
	}
}

func TestWakeError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WakeError("ep1", "rate_limited")
	c.WakeError("ep1", "rate_limited")

	val := getCounterValue(c.wakeErrors.WithLabelValues("ep1", "rate_limited"))
	if val != 2 {
		t.Errorf("expected wake errors=2, got %v", val)
	}
}

func TestConnectCompletedAndRetried(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ConnectCompleted("ep1", "remote", 5*time.Millisecond)
	c.ConnectRetried("ep1", "wake_invalidated")
	c.ConnectRetried("ep1", "wake_invalidated")
	c.ConnectFailed("ep1", "compute")

	if v := getCounterValue(c.connectRetries.WithLabelValues("ep1", "wake_invalidated")); v != 2 {
		t.Errorf("expected retries=2, got %v", v)
	}
	if v := getCounterValue(c.connectErrors.WithLabelValues("ep1", "compute")); v != 1 {
		t.Errorf("expected connect errors=1, got %v", v)
	}

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "poolproxy_connect_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("connect duration metric not found")
	}
}

func TestAuthAttempt(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthAttempt("password", "success", 2*time.Millisecond)
	c.AuthAttempt("password", "failure", 1*time.Millisecond)
	c.AuthAttempt("password", "success", 3*time.Millisecond)

	if v := getCounterValue(c.authAttempts.WithLabelValues("password", "success")); v != 2 {
		t.Errorf("expected success=2, got %v", v)
	}
	if v := getCounterValue(c.authAttempts.WithLabelValues("password", "failure")); v != 1 {
		t.Errorf("expected failure=1, got %v", v)
	}
}

func TestSessionCompletedAndDirtyDiscard(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionCompleted("ep1", "remote", 100*time.Millisecond)
	c.DirtyDiscard("ep1", "remote")
	c.DirtyDiscard("ep1", "remote")

	val := getCounterValue(c.dirtyDiscards.WithLabelValues("ep1", "remote"))
	if val != 2 {
		t.Errorf("expected dirty discards=2, got %v", val)
	}
}

func TestRemoveEndpoint(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("ep1", "remote", 1, 2, 3, 0)
	c.SetEndpointHealth("ep1", true)
	c.PoolExhausted("ep1")

	c.RemoveEndpoint("ep1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == "ep1" {
					t.Errorf("metric %s still has ep1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("ep1", "remote", 1, 0, 1, 0)
	c2.UpdatePoolStats("ep1", "remote", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("ep1", "remote"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("ep1", "remote"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
