package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serverlessdb/poolproxy/internal/types"
)

func newTestHTTPClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewHTTPClient(HTTPClientConfig{
		BaseURL:            srv.URL,
		RequestTimeout:     time.Second,
		BreakerInterval:    time.Minute,
		BreakerTimeout:     50 * time.Millisecond,
		BreakerMaxFailures: 3,
	})
	return c, srv
}

func TestHTTPClientGetAccessControlDecodesResponse(t *testing.T) {
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(accessControlWire{
			IPAllowlist:         []string{"10.0.0.0/8"},
			VPCAllowed:          true,
			ConnectionRateLimit: 5,
		})
	})
	defer srv.Close()

	ac, err := c.GetAccessControl(context.Background(), "ep1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ac.VPCAllowed || ac.ConnectionRateLimit != 5 || len(ac.IPAllowlist) != 1 {
		t.Errorf("unexpected access control: %+v", ac)
	}
}

func TestHTTPClientGetRoleSecretMissingIsNilNotError(t *testing.T) {
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(roleSecretWire{Found: false})
	})
	defer srv.Close()

	rs, err := c.GetRoleSecret(context.Background(), "ep1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Secret != nil {
		t.Errorf("expected a nil secret for an unknown role, got %+v", rs.Secret)
	}
}

func TestHTTPClientWakeComputeDecodesAddress(t *testing.T) {
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wakeComputeWire{
			Host:       "10.1.2.3",
			HostAddr:   "10.1.2.3",
			Port:       5432,
			SSLMode:    "require",
			EndpointID: "ep1",
			ComputeID:  "compute-1",
		})
	})
	defer srv.Close()

	res, err := c.WakeCompute(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConnInfo.Port != 5432 || res.ConnInfo.SSLMode != types.SSLRequire {
		t.Errorf("unexpected wake result: %+v", res.ConnInfo)
	}
	if res.Aux.ComputeID != "compute-1" {
		t.Errorf("unexpected aux: %+v", res.Aux)
	}
}

func TestHTTPClientNonSuccessStatusIsError(t *testing.T) {
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	if _, err := c.GetAccessControl(context.Background(), "ep1", "alice"); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestHTTPClientBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var calls int64
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	for i := 0; i < 3; i++ {
		if _, err := c.WakeCompute(context.Background(), "ep1"); err == nil {
			t.Fatal("expected failures from the handler")
		}
	}

	before := atomic.LoadInt64(&calls)
	if _, err := c.WakeCompute(context.Background(), "ep1"); err == nil {
		t.Fatal("expected the open breaker to reject the call")
	}
	after := atomic.LoadInt64(&calls)
	if after != before {
		t.Errorf("expected the open breaker to short-circuit without hitting the server, calls went %d -> %d", before, after)
	}
}
