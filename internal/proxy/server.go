package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/serverlessdb/poolproxy/internal/config"
	"github.com/serverlessdb/poolproxy/internal/health"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/router"
	"github.com/serverlessdb/poolproxy/internal/serverless"
)

// Server is the Postgres wire-protocol front door. It shares the same
// serverless.Core every other entrypoint (internal/httpapi) uses and only
// ever terminates Postgres wire sessions; none of Core's three connect
// mechanisms speaks any other database protocol.
type Server struct {
	core        *serverless.Core
	router      *router.Router
	healthCheck *health.Checker
	metrics     *metrics.Collector
	tlsConfig   *tls.Config

	pgListener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new Postgres wire-protocol proxy server.
func NewServer(core *serverless.Core, r *router.Router, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		core:        core,
		router:      r,
		healthCheck: hc,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "error", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("TLS enabled", "cert", lc.TLSCert)
		}
	}

	return s
}

// ListenPostgres starts the PostgreSQL proxy listener.
func (s *Server) ListenPostgres(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for postgres: %w", addr, err)
	}
	s.pgListener = ln
	slog.Info("postgres wire proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	handler := &PostgresHandler{
		core:        s.core,
		router:      s.router,
		healthCheck: s.healthCheck,
		metrics:     s.metrics,
		tlsConfig:   s.tlsConfig,
	}

	if err := handler.Handle(s.ctx, clientConn); err != nil {
		slog.Warn("connection error", "error", err)
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.pgListener != nil {
		s.pgListener.Close()
	}

	s.wg.Wait()
	slog.Info("proxy server stopped")
}
