package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serverlessdb/poolproxy/internal/config"
	"github.com/serverlessdb/poolproxy/internal/health"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/router"
	"github.com/serverlessdb/poolproxy/internal/serverless"
	"github.com/serverlessdb/poolproxy/internal/types"
)

func fromStringEndpoint(id string) types.EndpointID {
	return types.EndpointID(id)
}

// Server is the admin REST API and metrics server: read-only endpoint
// introspection plus pause/resume. Endpoints are config-driven (YAML + hot
// reload), not created or edited at runtime over the wire; the only POST
// routes are pause and resume, and there is no PUT/DELETE surface.
type Server struct {
	core        *serverless.Core
	router      *router.Router
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	endpointIDs []string
}

// NewServer creates a new admin API server. m may be nil in tests that
// don't care about the /metrics route's content.
func NewServer(core *serverless.Core, r *router.Router, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig, endpointIDs []string) *Server {
	return &Server{
		core:        core,
		router:      r,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		endpointIDs: endpointIDs,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/endpoints", s.listEndpoints).Methods("GET")
	r.HandleFunc("/endpoints/{id}", s.getEndpoint).Methods("GET")
	r.HandleFunc("/endpoints/{id}/pause", s.pauseEndpoint).Methods("POST")
	r.HandleFunc("/endpoints/{id}/resume", s.resumeEndpoint).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	if s.listenCfg.APIKey != "" {
		r.Use(s.apiKeyMiddleware)
	}

	addr := fmt.Sprintf("%s:%d", s.bindHost(), port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) bindHost() string {
	if s.listenCfg.APIBind != "" {
		return s.listenCfg.APIBind
	}
	return "0.0.0.0"
}

// apiKeyMiddleware requires a matching X-Api-Key header on every request
// except the metrics/health probes a load balancer or scraper hits
// unauthenticated.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/metrics", "/health", "/ready":
			next.ServeHTTP(w, req)
			return
		}
		if req.Header.Get("X-Api-Key") != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Endpoint introspection ---

type endpointResponse struct {
	ID     string             `json:"id"`
	Paused bool               `json:"paused"`
	Health health.EndpointHealth `json:"health"`
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	result := make([]endpointResponse, 0, len(s.endpointIDs))
	for _, id := range s.endpointIDs {
		result = append(result, s.endpointSnapshot(id))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.knownEndpoint(id) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, s.endpointSnapshot(id))
}

func (s *Server) endpointSnapshot(id string) endpointResponse {
	return endpointResponse{
		ID:     id,
		Paused: s.router.IsPaused(fromStringEndpoint(id)),
		Health: s.healthCheck.GetStatus(fromStringEndpoint(id)),
	}
}

func (s *Server) knownEndpoint(id string) bool {
	for _, e := range s.endpointIDs {
		if e == id {
			return true
		}
	}
	return false
}

func (s *Server) pauseEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.knownEndpoint(id) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	s.router.Pause(fromStringEndpoint(id))
	slog.Info("endpoint paused via admin api", "endpoint", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "endpoint": id})
}

func (s *Server) resumeEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.knownEndpoint(id) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	s.router.Resume(fromStringEndpoint(id))
	slog.Info("endpoint resumed via admin api", "endpoint", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "endpoint": id})
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"endpoints": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if len(s.endpointIDs) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, id := range s.endpointIDs {
		if s.healthCheck.IsHealthy(fromStringEndpoint(id)) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(uptime),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"num_endpoints":   len(s.endpointIDs),
		"remote_pools":    s.core.RemotePoolStats(),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
