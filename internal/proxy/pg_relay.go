package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/serverlessdb/poolproxy/internal/connect"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/serverless"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// PG message types used in transaction-level relay.
const (
	pgMsgParse byte = 'P' // Parse (extended query protocol)
)

// relayPGTransactionMode handles an authenticated client connection using
// transaction-level pooling: a backend is acquired from Core.Connect,
// returned to the pool at each transaction boundary (ReadyForQuery status
// 'I'), and held across a transaction or a session-pinning command.
// Acquisition goes through Core.Connect rather than a fixed-config pool,
// since which of the three backend pools serves the endpoint is not known
// until wake/locate resolves it.
func relayPGTransactionMode(ctx context.Context, client net.Conn, core *serverless.Core,
	creds types.ComputeCredentials, dbname, endpoint string, m *metrics.Collector) error {

	acquireStart := time.Now()
	up, err := core.Connect(ctx, creds, dbname)
	if err != nil {
		return fmt.Errorf("acquiring initial backend: %w", err)
	}
	if m != nil {
		m.ConnectCompleted(endpoint, backendLabel(up), time.Since(acquireStart))
	}

	rc, ok := asRemoteConn(up)
	if !ok {
		up.Discard()
		up.Close()
		return fmt.Errorf("endpoint %s is not served by a raw wire-protocol backend", endpoint)
	}

	if err := sendSyntheticAuthOK(client, rc); err != nil {
		up.Discard()
		up.Close()
		return fmt.Errorf("sending synthetic auth: %w", err)
	}

	up.Close() // client starts in idle state; nothing held yet
	var backend net.Conn

	pinned := false
	var txnStart time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, payload, err := readPGMessage(client)
		if err != nil {
			return nil // client disconnect is not an error
		}

		if msgType == pgMsgTerminate {
			return nil
		}

		if backend == nil {
			acquireStart = time.Now()
			up, err = core.Connect(ctx, creds, dbname)
			if err != nil {
				sendPGErrorToConn(client, "FATAL", "08000", "cannot acquire backend connection")
				return fmt.Errorf("re-acquiring backend: %w", err)
			}
			if m != nil {
				m.ConnectCompleted(endpoint, backendLabel(up), time.Since(acquireStart))
			}
			rc, ok = asRemoteConn(up)
			if !ok {
				up.Discard()
				up.Close()
				return fmt.Errorf("endpoint %s is not served by a raw wire-protocol backend", endpoint)
			}
			txnStart = time.Now()
			backend = rc
		}

		if !pinned {
			pinned = detectSessionPin(msgType, payload)
			if pinned {
				reason := pinReason(msgType, payload)
				slog.Info("session pinned", "endpoint", endpoint, "reason", reason)
			}
		}

		if err := writePGMessage(backend, msgType, payload); err != nil {
			up.Discard()
			up.Close()
			backend = nil
			return fmt.Errorf("writing to backend: %w", err)
		}

		for {
			rType, rPayload, err := readPGMessage(backend)
			if err != nil {
				up.Discard()
				up.Close()
				backend = nil
				return fmt.Errorf("reading from backend: %w", err)
			}

			if err := writePGMessage(client, rType, rPayload); err != nil {
				up.Discard()
				up.Close()
				backend = nil
				return nil
			}

			if rType == pgMsgReadyForQuery {
				if len(rPayload) >= 1 {
					txnStatus := rPayload[0]
					if txnStatus == 'I' && !pinned {
						if m != nil && !txnStart.IsZero() {
							m.SessionCompleted(endpoint, "remote", time.Since(txnStart))
						}
						up.Close()
						backend = nil
						txnStart = time.Time{}
					}
				}
				break
			}
		}
	}
}

func backendLabel(up *serverless.Upstream) string {
	switch up.Kind {
	case serverless.BackendLocal:
		return "local"
	case serverless.BackendHyper:
		return "hyper"
	default:
		return "remote"
	}
}

// sendSyntheticAuthOK sends a synthetic authentication-ok sequence to the
// client using the server state Core's backend handshake already captured:
// AuthenticationOk + replayed ParameterStatus + BackendKeyData + ReadyForQuery('I').
func sendSyntheticAuthOK(client net.Conn, rc *connect.RemoteConn) error {
	authOK := make([]byte, 4)
	binary.BigEndian.PutUint32(authOK, authOKInt)
	if err := writePGMessage(client, pgMsgAuthentication, authOK); err != nil {
		return err
	}

	for key, val := range rc.ServerParams {
		var payload []byte
		payload = append(payload, key...)
		payload = append(payload, 0)
		payload = append(payload, val...)
		payload = append(payload, 0)
		if err := writePGMessage(client, pgMsgParameterStatus, payload); err != nil {
			return err
		}
	}

	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], uint32(rc.PID))
	binary.BigEndian.PutUint32(bkd[4:], uint32(rc.SecretKey))
	if err := writePGMessage(client, pgMsgBackendKeyData, bkd); err != nil {
		return err
	}

	return writePGMessage(client, pgMsgReadyForQuery, []byte{'I'})
}

// detectSessionPin checks if a message requires session pinning.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == pgMsgParse && len(payload) > 0 {
		if payload[0] != 0 {
			return true
		}
	}
	if msgType == pgMsgQuery && len(payload) > 0 {
		query := strings.ToUpper(strings.TrimSpace(string(payload[:len(payload)-1])))
		if strings.HasPrefix(query, "LISTEN") || strings.HasPrefix(query, "NOTIFY") {
			return true
		}
	}
	return false
}

// pinReason returns a human-readable reason for session pinning.
func pinReason(msgType byte, payload []byte) string {
	if msgType == pgMsgParse {
		return "named prepared statement"
	}
	if msgType == pgMsgQuery {
		query := strings.TrimSpace(string(payload[:len(payload)-1]))
		words := strings.Fields(query)
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}

// sendPGErrorToConn sends a PostgreSQL ErrorResponse to a connection.
func sendPGErrorToConn(conn net.Conn, severity, code, message string) {
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
