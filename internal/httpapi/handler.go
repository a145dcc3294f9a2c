package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// connectRequest is the struct go-playground/validator checks before any
// downstream work runs, the same fail-fast shape the original source's
// header parsing enforces by hand.
type connectRequest struct {
	User     string `validate:"required"`
	Endpoint string `validate:"required"`
	Database string `validate:"required"`
}

// sqlBody is the request payload. Query is accepted and validated but never
// executed; result-set encoding belongs to the SQL-over-HTTP front door.
// This entrypoint exists to exercise authenticate -> locate -> connect ->
// release, not to speak the simple query protocol.
type sqlBody struct {
	Query string `json:"query"`
}

// handleSQL is the sole "sql-over-http" route: POST /sql, keyed by the
// Neon-Connection-String header (optionally carrying a password) and an
// Authorization: Bearer JWT for the token path, mirroring
// proxy/src/main.rs's header pair in the retrieved original source.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())
	ctx := r.Context()

	conn, password, bearer, err := parseConnectionHeaders(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid connection headers: "+err.Error())
		return
	}

	creq := connectRequest{User: conn.User, Endpoint: string(conn.Endpoint), Database: conn.Database}
	if err := s.validate.Struct(creq); err != nil {
		writeProblem(w, http.StatusBadRequest, "missing required connection fields: "+err.Error())
		return
	}

	var body sqlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if s.router != nil && s.router.IsPaused(conn.Endpoint.Normalize()) {
		writeProblem(w, http.StatusServiceUnavailable, "endpoint is administratively paused")
		return
	}

	userInfo := types.ComputeUserInfo{User: conn.User, Endpoint: conn.Endpoint}
	isLocal := strings.HasSuffix(string(conn.Endpoint.Normalize()), types.LocalProxySuffix)
	clientIP := clientIPFromRequest(r)

	var creds types.ComputeCredentials
	var authErr error
	if bearer != "" {
		creds, authErr = s.core.AuthenticateWithJWT(ctx, userInfo, bearer, isLocal)
	} else {
		creds, authErr = s.core.AuthenticateWithPassword(ctx, userInfo, clientIP, password)
	}
	if authErr != nil {
		slog.Warn("sql-over-http authentication failed", "request_id", reqID, "endpoint", conn.Endpoint, "error", authErr)
		writeErrorResponse(w, authErr)
		return
	}

	upstream, err := s.core.Connect(ctx, creds, conn.Database)
	if err != nil {
		slog.Warn("sql-over-http connect failed", "request_id", reqID, "endpoint", conn.Endpoint, "error", err)
		writeErrorResponse(w, err)
		return
	}
	defer upstream.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   true,
		"endpoint":    string(conn.Endpoint),
		"database":    conn.Database,
		"request_id":  reqID,
		"query_bytes": len(body.Query),
	})
}

// connInfo is the header-derived identity of the target session, ahead of
// ConnInfo's DB-name-aware pool key.
type connInfo struct {
	User     string
	Endpoint types.EndpointID
	Database string
}

// parseConnectionHeaders extracts the target session and credential from
// the request: the Neon-Connection-String header (postgres://user[:pass]@
// endpoint/dbname) when present, falling back to individual X-Pg-* headers
// for callers that can't shape a connection URL. Authorization: Bearer
// always takes the JWT path regardless of which header supplied the
// target, matching the bearer-JWT / connection-string pairing the original
// source's sql-over-http handler accepts.
func parseConnectionHeaders(r *http.Request) (connInfo, string, string, error) {
	var bearer string
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return connInfo{}, "", "", fmt.Errorf("unsupported Authorization scheme")
		}
		bearer = strings.TrimPrefix(auth, prefix)
	}

	if raw := r.Header.Get("Neon-Connection-String"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return connInfo{}, "", "", fmt.Errorf("parsing connection string: %w", err)
		}
		if u.User == nil || u.User.Username() == "" {
			return connInfo{}, "", "", fmt.Errorf("connection string missing user")
		}
		password, _ := u.User.Password()
		ci := connInfo{
			User:     u.User.Username(),
			Endpoint: types.EndpointID(u.Hostname()),
			Database: strings.TrimPrefix(u.Path, "/"),
		}
		return ci, password, bearer, nil
	}

	ci := connInfo{
		User:     r.Header.Get("X-Pg-User"),
		Endpoint: types.EndpointID(r.Header.Get("X-Pg-Endpoint")),
		Database: r.Header.Get("X-Pg-Database"),
	}
	password := r.Header.Get("X-Pg-Password")
	return ci, password, bearer, nil
}

// clientIPFromRequest prefers X-Forwarded-For's first hop (the allow-list
// check trusts the edge proxy), falling back to the raw RemoteAddr for
// direct connections.
func clientIPFromRequest(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
