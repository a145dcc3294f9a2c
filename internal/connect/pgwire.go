package connect

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/pool"
	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// RemoteMechanism dials the real compute over raw TCP and runs the
// Postgres startup/authentication handshake by hand: it drives the client
// side of the handshake itself and, when the caller already holds SCRAM
// key material, replays the proof directly without the plaintext password
// ever crossing this process a second time. Stock drivers expose no hook
// to inject precomputed SCRAM keys, so this one handshake stays
// hand-rolled (see DESIGN.md).
type RemoteMechanism struct {
	Locks       *ratelimit.ApiLocks
	DialTimeout time.Duration
	TLSConfig   *tls.Config
}

// RemoteConn adapts an authenticated net.Conn to pool.Backend, releasing
// its connect permit on Close so the permit's lifetime matches the
// connection's rather than the single connect attempt that created it.
type RemoteConn struct {
	net.Conn
	permit       *ratelimit.Permit
	PID          int32
	SecretKey    int32
	ServerParams map[string]string
}

// Close releases the connect permit this connection was created under and
// closes the underlying socket. Safe to call once; the pool guarantees
// exactly one Close per PooledClient.
func (c *RemoteConn) Close() error {
	if c.permit != nil {
		c.permit.Release()
	}
	return c.Conn.Close()
}

const (
	msgAuth            byte = 'R'
	msgError           byte = 'E'
	msgReady           byte = 'Z'
	msgParameterStatus byte = 'S'
	msgBackendKeyData  byte = 'K'
	msgPassword        byte = 'p'

	authOK           uint32 = 0
	authCleartext    uint32 = 3
	authMD5          uint32 = 5
	authSASL         uint32 = 10
	authSASLContinue uint32 = 11
	authSASLFinal    uint32 = 12

	pgSSLRequestCode uint32 = 80877103
)

// ConnectOnce performs one connect -> TLS -> startup -> auth attempt
// against node. The connect permit is acquired up front and released
// either immediately on error or, on success, by RemoteConn.Close
// ("release-on-error, commit-on-success"). HyperMechanism.Dial does not hold
// its permit past the dial: it releases it when Dial returns, on success too.
func (m *RemoteMechanism) ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (pool.Backend, error) {
	host := types.Host(node.ConnInfo.Host)

	permit, err := m.Locks.GetPermit(ctx, host)
	if err != nil {
		return nil, err // TooManyConnectionAttempts, never retried
	}

	conn, pid, secretKey, params, err := m.connectAndHandshake(ctx, node, info, creds)
	if err != nil {
		permit.Release()
		return nil, err
	}

	return &RemoteConn{Conn: conn, permit: permit, PID: pid, SecretKey: secretKey, ServerParams: params}, nil
}

func (m *RemoteMechanism) connectAndHandshake(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (net.Conn, int32, int32, map[string]string, error) {
	addr := dialAddr(node.ConnInfo)

	dialCtx := ctx
	if m.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.DialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, 0, 0, nil, perr.NewComputeError(fmt.Errorf("dialing compute %s: %w", addr, err))
	}

	if node.ConnInfo.SSLMode != types.SSLDisable {
		tlsConn, err := negotiateTLS(conn, node.ConnInfo.Host, m.TLSConfig)
		if err != nil {
			conn.Close()
			return nil, 0, 0, nil, perr.NewComputeError(err)
		}
		conn = tlsConn
	}

	if err := writeStartup(conn, info); err != nil {
		conn.Close()
		return nil, 0, 0, nil, perr.NewComputeError(fmt.Errorf("writing startup message: %w", err))
	}

	pid, secretKey, params, err := runAuthAndAwaitReady(conn, creds)
	if err != nil {
		conn.Close()
		return nil, 0, 0, nil, err
	}
	return conn, pid, secretKey, params, nil
}

func dialAddr(node types.NodeConnInfo) string {
	host := node.Host
	if node.HostAddr != nil {
		host = node.HostAddr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(node.Port))
}

func negotiateTLS(conn net.Conn, hostname string, base *tls.Config) (net.Conn, error) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], pgSSLRequestCode)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending SSLRequest: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("reading SSLRequest response: %w", err)
	}
	if resp[0] != 'S' {
		return nil, fmt.Errorf("compute refused TLS upgrade")
	}

	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = hostname

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}

// writeStartup builds and sends the StartupMessage: protocol version 3.0
// followed by the user/database/options startup parameters.
func writeStartup(conn net.Conn, info types.ConnInfo) error {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint32(3<<16))

	writeParam(&body, "user", info.User)
	writeParam(&body, "database", info.DBName)
	for _, p := range info.Options {
		writeParam(&body, p.Key, p.Value)
	}
	body.WriteByte(0)

	msgLen := uint32(4 + body.Len())
	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, msgLen)
	out = append(out, body.Bytes()...)

	_, err := conn.Write(out)
	return err
}

func writeParam(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteByte(0)
	b.WriteString(value)
	b.WriteByte(0)
}

// runAuthAndAwaitReady drives the authentication exchange and reads
// through ParameterStatus/BackendKeyData until ReadyForQuery, returning the
// backend pid/secret key for tracing.
func runAuthAndAwaitReady(conn net.Conn, creds types.ComputeCredentialKeys) (int32, int32, map[string]string, error) {
	var pid, secretKey int32
	params := make(map[string]string)

	for {
		typ, payload, err := readMessage(conn)
		if err != nil {
			return 0, 0, nil, perr.NewComputeError(fmt.Errorf("reading backend message: %w", err))
		}

		switch typ {
		case msgError:
			return 0, 0, nil, perr.NewPostgresError(parseErrorResponse(payload))

		case msgAuth:
			if len(payload) < 4 {
				return 0, 0, nil, perr.NewComputeError(fmt.Errorf("malformed authentication message"))
			}
			kind := binary.BigEndian.Uint32(payload[:4])
			switch kind {
			case authOK:
				// continue to ParameterStatus/BackendKeyData/ReadyForQuery
			case authSASL:
				if err := runSCRAM(conn, payload[4:], creds); err != nil {
					return 0, 0, nil, err
				}
			case authCleartext, authMD5:
				return 0, 0, nil, perr.NewComputeError(fmt.Errorf("compute requested unsupported auth method (kind %d); only SCRAM-SHA-256 is supported", kind))
			case authSASLContinue, authSASLFinal:
				// handled inside runSCRAM; seeing one here means the server
				// restarted the exchange unexpectedly.
				return 0, 0, nil, perr.NewComputeError(fmt.Errorf("unexpected SASL message outside exchange (kind %d)", kind))
			default:
				return 0, 0, nil, perr.NewComputeError(fmt.Errorf("unsupported authentication kind %d", kind))
			}

		case msgBackendKeyData:
			if len(payload) >= 8 {
				pid = int32(binary.BigEndian.Uint32(payload[0:4]))
				secretKey = int32(binary.BigEndian.Uint32(payload[4:8]))
			}

		case msgParameterStatus:
			// Captured so a wire-protocol front door terminating its own
			// client session can replay these as synthetic ParameterStatus
			// messages instead of mirroring the backend's exact bytes.
			parts := bytes.SplitN(payload, []byte{0}, 2)
			if len(parts) == 2 {
				params[string(parts[0])] = string(bytes.TrimRight(parts[1], "\x00"))
			}

		case msgReady:
			return pid, secretKey, params, nil

		default:
			// Unknown/irrelevant message during startup; skip it.
		}
	}
}

// runSCRAM drives the client side of a SCRAM-SHA-256 exchange using
// precomputed ClientKey/ServerKey (creds.Keys) instead of a password: the
// proof and signature are both derivable from the keys alone, so the
// plaintext never needs to be held by this process.
func runSCRAM(conn net.Conn, mechanismList []byte, creds types.ComputeCredentialKeys) error {
	if creds.Kind != types.CredentialAuthKeys {
		return perr.NewComputeError(fmt.Errorf("compute requires SCRAM authentication but no key material is available"))
	}
	if !bytes.Contains(mechanismList, []byte("SCRAM-SHA-256")) {
		return perr.NewComputeError(fmt.Errorf("compute does not offer SCRAM-SHA-256"))
	}

	clientNonce := make([]byte, 18)
	if _, err := rand.Read(clientNonce); err != nil {
		return perr.NewComputeError(fmt.Errorf("generating client nonce: %w", err))
	}
	nonce := base64.StdEncoding.EncodeToString(clientNonce)

	clientFirstBare := "n=,r=" + nonce
	clientFirst := "n,," + clientFirstBare

	if err := writeSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(clientFirst)); err != nil {
		return perr.NewComputeError(fmt.Errorf("sending SASLInitialResponse: %w", err))
	}

	typ, payload, err := readMessage(conn)
	if err != nil {
		return perr.NewComputeError(fmt.Errorf("reading SASLContinue: %w", err))
	}
	if typ == msgError {
		return perr.NewPostgresError(parseErrorResponse(payload))
	}
	if typ != msgAuth || len(payload) < 4 || binary.BigEndian.Uint32(payload[:4]) != authSASLContinue {
		return perr.NewComputeError(fmt.Errorf("expected AuthenticationSASLContinue, got message type %q", typ))
	}
	serverFirst := string(payload[4:])

	combinedNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return perr.NewComputeError(err)
	}
	_, _ = salt, iterations // server's own salt/iterations are unused: ClientKey/ServerKey were already derived against the same stored secret
	if !strings.HasPrefix(combinedNonce, nonce) {
		return perr.NewComputeError(fmt.Errorf("server nonce does not extend client nonce"))
	}

	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	storedKey := sha256.Sum256(creds.Keys.ClientKey[:])
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	proof := xorBytes(creds.Keys.ClientKey[:], clientSignature)
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	if err := writeSASLResponse(conn, []byte(clientFinal)); err != nil {
		return perr.NewComputeError(fmt.Errorf("sending SASLResponse: %w", err))
	}

	typ, payload, err = readMessage(conn)
	if err != nil {
		return perr.NewComputeError(fmt.Errorf("reading SASLFinal: %w", err))
	}
	if typ == msgError {
		return perr.NewPostgresError(parseErrorResponse(payload))
	}
	if typ != msgAuth || len(payload) < 4 || binary.BigEndian.Uint32(payload[:4]) != authSASLFinal {
		return perr.NewComputeError(fmt.Errorf("expected AuthenticationSASLFinal, got message type %q", typ))
	}

	serverSignature := hmacSHA256(creds.Keys.ServerKey[:], []byte(authMessage))
	gotV, err := parseServerFinal(string(payload[4:]))
	if err != nil {
		return perr.NewComputeError(err)
	}
	if subtle.ConstantTimeCompare(gotV, serverSignature) != 1 {
		return perr.NewComputeError(fmt.Errorf("server SCRAM signature mismatch"))
	}

	// AuthenticationOk (authOK) follows; read and check it here.
	typ, payload, err = readMessage(conn)
	if err != nil {
		return perr.NewComputeError(fmt.Errorf("reading post-SCRAM message: %w", err))
	}
	if typ == msgError {
		return perr.NewPostgresError(parseErrorResponse(payload))
	}
	if typ != msgAuth || len(payload) < 4 || binary.BigEndian.Uint32(payload[:4]) != authOK {
		return perr.NewComputeError(fmt.Errorf("expected AuthenticationOk after SCRAM, got message type %q", typ))
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func parseServerFirst(s string) (nonce string, salt []byte, iterations int, err error) {
	for _, field := range strings.Split(s, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			nonce = field[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(field[2:])
		case 'i':
			iterations, err = strconv.Atoi(field[2:])
		}
		if err != nil {
			return "", nil, 0, fmt.Errorf("parsing server-first-message: %w", err)
		}
	}
	if nonce == "" {
		return "", nil, 0, fmt.Errorf("server-first-message missing nonce")
	}
	return nonce, salt, iterations, nil
}

func parseServerFinal(s string) ([]byte, error) {
	for _, field := range strings.Split(s, ",") {
		if strings.HasPrefix(field, "v=") {
			return base64.StdEncoding.DecodeString(field[2:])
		}
	}
	return nil, fmt.Errorf("server-final-message missing verifier")
}

func parseErrorResponse(payload []byte) string {
	var severity, message string
	for _, field := range bytes.Split(payload, []byte{0}) {
		if len(field) < 1 {
			continue
		}
		switch field[0] {
		case 'S':
			severity = string(field[1:])
		case 'M':
			message = string(field[1:])
		}
	}
	if severity != "" {
		return severity + ": " + message
	}
	return message
}

// readMessage reads one backend message: a type byte followed by a length
// (inclusive of itself) and payload.
func readMessage(conn net.Conn) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length %d", msgLen)
	}
	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

func writeSASLInitialResponse(conn net.Conn, mechanism string, initial []byte) error {
	var body bytes.Buffer
	body.WriteString(mechanism)
	body.WriteByte(0)
	binary.Write(&body, binary.BigEndian, uint32(len(initial)))
	body.Write(initial)
	return writeMessage(conn, msgPassword, body.Bytes())
}

func writeSASLResponse(conn net.Conn, response []byte) error {
	return writeMessage(conn, msgPassword, response)
}

func writeMessage(conn net.Conn, typ byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}
