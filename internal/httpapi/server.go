// Package httpapi implements the core HTTP/JSON entrypoint: the
// "sql-over-http" handler that authenticates a request straight off its
// headers, drives it through the Retry/Backoff Driver and whichever of the
// three connect mechanisms its endpoint resolves to, and releases the
// connection back to its pool. It is the thin slice of "the HTTP layer"
// the serverless pooling backend actually needs to be exercised end to
// end — request routing, rate limiting at the edge, and the full
// SQL-over-HTTP result-set encoding belong to the front door this package
// does not implement.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/serverlessdb/poolproxy/internal/router"
	"github.com/serverlessdb/poolproxy/internal/serverless"
)

// Server is the sql-over-http front door. One instance is shared across
// every request; it holds no per-request state.
type Server struct {
	core     *serverless.Core
	router   *router.Router
	validate *validator.Validate

	httpServer *http.Server
}

// NewServer builds a Server bound to core. router is consulted so a paused
// endpoint (via the admin API) is rejected here the same way it would be
// at the wire-protocol front door.
func NewServer(core *serverless.Core, r *router.Router) *Server {
	return &Server{
		core:     core,
		router:   r,
		validate: validator.New(),
	}
}

// Start begins serving on addr in the background. Errors after startup are
// logged, matching the admin API server's fire-and-forget ListenAndServe
// goroutine.
func (s *Server) Start(bind string, port int) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Post("/sql", s.handleSQL)

	addr := bindAddr(bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	slog.Info("sql-over-http listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sql-over-http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func bindAddr(bind string, port int) string {
	if bind == "" {
		bind = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", bind, port)
}

// requestID stamps every request with a UUID surfaced both as a response
// header and a log field, matching the original source's per-connect-site
// uuid::Uuid::new_v4() tracing convention.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
