package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/serverlessdb/poolproxy/internal/connect"
	"github.com/serverlessdb/poolproxy/internal/health"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/router"
	"github.com/serverlessdb/poolproxy/internal/serverless"
	"github.com/serverlessdb/poolproxy/internal/types"
)

const (
	pgProtoVersionMajor = 3
	pgProtoVersionMinor = 0

	pgSSLRequestCode = 80877103

	pgMsgAuthentication  byte = 'R'
	pgMsgErrorResponse   byte = 'E'
	pgMsgReadyForQuery   byte = 'Z'
	pgMsgTerminate       byte = 'X'
	pgMsgQuery           byte = 'Q'
	pgMsgParameterStatus byte = 'S'
	pgMsgBackendKeyData  byte = 'K'
	pgMsgPassword        byte = 'p'

	authOKInt        uint32 = 0
	authCleartextInt uint32 = 3
)

// PostgresHandler terminates the Postgres wire protocol against a connecting
// client and serves its queries out of serverless.Core's remote backend
// pool. The proxy itself authenticates the client (there is no second hop
// to relay auth through: Core's own connect mechanisms already completed
// the backend handshake before Connect ever returns), then multiplexes
// transactions onto Core.Connect.
type PostgresHandler struct {
	core        *serverless.Core
	router      *router.Router
	healthCheck *health.Checker
	metrics     *metrics.Collector
	tlsConfig   *tls.Config
}

// Handle processes one PostgreSQL client connection end to end: startup,
// client authentication, then transaction-pooled query relay.
func (h *PostgresHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	info, clientConn, err := h.readStartupMessage(clientConn)
	if err != nil {
		return err
	}

	if info.Endpoint == "" {
		h.sendPGError(clientConn, "FATAL", "08000", "no endpoint_id provided in connection options")
		return fmt.Errorf("no endpoint_id in startup message")
	}

	if h.router != nil && h.router.IsPaused(info.Endpoint) {
		h.sendPGError(clientConn, "FATAL", "08000", fmt.Sprintf("endpoint %s is paused", info.Endpoint))
		return fmt.Errorf("endpoint %s is paused", info.Endpoint)
	}
	if h.healthCheck != nil && !h.healthCheck.IsHealthy(info.Endpoint) {
		h.sendPGError(clientConn, "FATAL", "08000", fmt.Sprintf("endpoint %s database is unhealthy", info.Endpoint))
		return fmt.Errorf("endpoint %s is unhealthy", info.Endpoint)
	}

	password, err := h.requestCleartextPassword(clientConn)
	if err != nil {
		return fmt.Errorf("password exchange: %w", err)
	}

	clientIP := remoteIP(clientConn)
	creds, err := h.core.AuthenticateWithPassword(ctx, info, clientIP, password)
	if err != nil {
		h.sendPGError(clientConn, "FATAL", pgSQLState(err), userMessage(err))
		return fmt.Errorf("authenticating: %w", err)
	}

	dbname := dbnameFromOptions(info.Options, info.User)

	start := time.Now()
	err = relayPGTransactionMode(ctx, clientConn, h.core, creds, dbname, string(info.Endpoint), h.metrics)
	if h.metrics != nil {
		h.metrics.SessionCompleted(string(info.Endpoint), "remote", time.Since(start))
	}
	return err
}

// readStartupMessage reads the startup message, handling SSL negotiation,
// and extracts the endpoint id the client is addressing.
func (h *PostgresHandler) readStartupMessage(conn net.Conn) (types.ComputeUserInfo, net.Conn, error) {
	const maxSSLAttempts = 3
	currentConn := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(currentConn, lenBuf); err != nil {
			return types.ComputeUserInfo{}, currentConn, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))
		if msgLen < 8 || msgLen > 10000 {
			return types.ComputeUserInfo{}, currentConn, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		buf := make([]byte, msgLen-4)
		if _, err := io.ReadFull(currentConn, buf); err != nil {
			return types.ComputeUserInfo{}, currentConn, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(buf[:4])
		if protoVersion == pgSSLRequestCode {
			if h.tlsConfig != nil {
				currentConn.Write([]byte{'S'})
				tlsConn := tls.Server(currentConn, h.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return types.ComputeUserInfo{}, currentConn, fmt.Errorf("TLS handshake failed: %w", err)
				}
				currentConn = tlsConn
			} else {
				currentConn.Write([]byte{'N'})
			}
			continue
		}

		params := parseStartupParams(buf[4:])

		info := types.ComputeUserInfo{User: params["user"]}
		if options, ok := params["options"]; ok {
			if ep := parseEndpointFromOptions(options); ep != "" {
				info.Endpoint = types.EndpointID(ep)
			}
		}
		if info.Endpoint == "" {
			if ep, ok := params["endpoint_id"]; ok {
				info.Endpoint = types.EndpointID(ep)
			}
		}
		if info.Endpoint == "" {
			if ep, user, ok := router.ExtractEndpointFromUsername(info.User); ok {
				info.Endpoint = ep
				info.User = user
			}
		}
		if dbname, ok := params["database"]; ok {
			info.Options = append(info.Options, types.StartupParam{Key: "database", Value: dbname})
		}

		return info, currentConn, nil
	}

	return types.ComputeUserInfo{}, currentConn, fmt.Errorf("too many SSL negotiation attempts")
}

func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := 0
		for keyEnd < len(data) && data[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= len(data) {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := 0
		for valEnd < len(data) && data[valEnd] != 0 {
			valEnd++
		}
		if valEnd >= len(data) {
			break
		}
		params[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return params
}

// parseEndpointFromOptions extracts endpoint_id from a PG options string
// of the form "-c endpoint_id=xxx".
func parseEndpointFromOptions(options string) string {
	parts := strings.Fields(options)
	for i, p := range parts {
		if p == "-c" && i+1 < len(parts) {
			kv := parts[i+1]
			if strings.HasPrefix(kv, "endpoint_id=") {
				return strings.TrimPrefix(kv, "endpoint_id=")
			}
		}
		if strings.HasPrefix(p, "endpoint_id=") {
			return strings.TrimPrefix(p, "endpoint_id=")
		}
	}
	return ""
}

func dbnameFromOptions(opts []types.StartupParam, user string) string {
	for _, o := range opts {
		if o.Key == "database" && o.Value != "" {
			return o.Value
		}
	}
	return user
}

// requestCleartextPassword drives the client-facing half of authentication:
// the proxy always challenges with AuthenticationCleartextPassword since it
// alone decides whether the credential is valid via Core.AuthenticateWithPassword
// (a password's only destination is the control-plane's stored SCRAM
// verifier, never a plaintext comparison against the backend).
func (h *PostgresHandler) requestCleartextPassword(conn net.Conn) (string, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, authCleartextInt)
	if err := writePGMessage(conn, pgMsgAuthentication, payload); err != nil {
		return "", err
	}

	msgType, body, err := readPGMessage(conn)
	if err != nil {
		return "", err
	}
	if msgType != pgMsgPassword {
		return "", fmt.Errorf("expected PasswordMessage, got %q", msgType)
	}
	return strings.TrimRight(string(body), "\x00"), nil
}

func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func pgSQLState(err error) string {
	var re perr.ReportableError
	if errors.As(err, &re) {
		switch re.ErrorKind() {
		case perr.KindAuth:
			return "28P01"
		case perr.KindRateLimited:
			return "53300"
		default:
			return "08000"
		}
	}
	return "08000"
}

func userMessage(err error) string {
	var ufe perr.UserFacingError
	if errors.As(err, &ufe) {
		return ufe.ClientMessage()
	}
	return "connection failed"
}

// readPGMessage reads a single PostgreSQL protocol message.
func readPGMessage(conn net.Conn) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return 0, nil, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", msgLen)
	}
	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return typeBuf[0], payload, nil
}

// writePGMessage writes a PostgreSQL protocol message.
func writePGMessage(conn net.Conn, msgType byte, payload []byte) error {
	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

// sendPGError sends a PostgreSQL ErrorResponse to the client.
func (h *PostgresHandler) sendPGError(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	writePGMessage(conn, pgMsgErrorResponse, buf)
}

// asRemoteConn recovers the hand-rolled wire connection and its captured
// handshake state from a pool-issued upstream. Returns ok=false for a
// Hyper-backed upstream, which the wire-protocol front door does not serve
// (see DESIGN.md): co-located HTTP/2 local proxies are addressed over
// internal/httpapi's JSON path, never a raw client TCP session.
func asRemoteConn(up *serverless.Upstream) (*connect.RemoteConn, bool) {
	if up.Kind == serverless.BackendHyper || up.Remote == nil {
		return nil, false
	}
	rc, ok := up.Remote.Backend().(*connect.RemoteConn)
	return rc, ok
}
