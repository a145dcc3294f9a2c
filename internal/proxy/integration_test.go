package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/serverlessdb/poolproxy/internal/router"
)

// buildPGStartupMessage builds a PostgreSQL startup message with the given parameters.
func buildPGStartupMessage(params map[string]string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, uint32(pgProtoVersionMajor)<<16|uint32(pgProtoVersionMinor))
	body = append(body, ver...)

	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	return append(msgLen, body...)
}

// buildPGSSLRequest builds a PostgreSQL SSL request message.
func buildPGSSLRequest() []byte {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[0:4], 8)
	binary.BigEndian.PutUint32(msg[4:8], uint32(pgSSLRequestCode))
	return msg
}

// readPGErrorFromConn reads a PG error response and extracts the message.
func readPGErrorFromConn(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	msgType, payload, err := readPGMessage(conn)
	if err != nil {
		return "", err
	}
	if msgType != pgMsgErrorResponse {
		return "", nil
	}

	msg := ""
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			msg = string(payload[i:end])
		}
		i = end
	}
	return msg, nil
}

func TestPGStartupWithEndpointInOptions(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startupMsg := buildPGStartupMessage(map[string]string{
		"user":    "testuser",
		"options": "-c endpoint_id=ep_1",
	})

	go func() {
		client.Write(startupMsg)
	}()

	info, _, err := h.readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage error: %v", err)
	}
	if info.Endpoint != "ep_1" {
		t.Errorf("expected endpoint ep_1, got %q", info.Endpoint)
	}
}

func TestPGStartupWithEndpointAsParam(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startupMsg := buildPGStartupMessage(map[string]string{
		"user":        "testuser",
		"endpoint_id": "ep_1",
	})

	go func() {
		client.Write(startupMsg)
	}()

	info, _, err := h.readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage error: %v", err)
	}
	if info.Endpoint != "ep_1" {
		t.Errorf("expected endpoint ep_1, got %q", info.Endpoint)
	}
}

func TestPGStartupWithEndpointInUsername(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startupMsg := buildPGStartupMessage(map[string]string{
		"user": "ep_1.appuser",
	})

	go func() {
		client.Write(startupMsg)
	}()

	info, _, err := h.readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage error: %v", err)
	}
	if info.Endpoint != "ep_1" {
		t.Errorf("expected endpoint ep_1, got %q", info.Endpoint)
	}
	if info.User != "appuser" {
		t.Errorf("expected user appuser, got %q", info.User)
	}
}

func TestPGStartupNoEndpoint(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startupMsg := buildPGStartupMessage(map[string]string{
		"user": "testuser",
	})

	go func() {
		client.Write(startupMsg)
		readPGErrorFromConn(client)
	}()

	err := h.Handle(context.Background(), server)
	if err == nil {
		t.Fatal("expected error for missing endpoint_id")
	}
}

func TestPGStartupPausedEndpoint(t *testing.T) {
	r := router.New()
	r.Pause("ep_1")
	h := &PostgresHandler{router: r}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startupMsg := buildPGStartupMessage(map[string]string{
		"user":    "testuser",
		"options": "-c endpoint_id=ep_1",
	})

	go func() {
		client.Write(startupMsg)
		readPGErrorFromConn(client)
	}()

	err := h.Handle(context.Background(), server)
	if err == nil {
		t.Fatal("expected error for paused endpoint")
	}
}

func TestPGSSLDenied(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sslReq := buildPGSSLRequest()
	startupMsg := buildPGStartupMessage(map[string]string{
		"user":        "testuser",
		"endpoint_id": "ep_1",
	})

	sslErrCh := make(chan string, 1)
	go func() {
		client.Write(sslReq)
		resp := make([]byte, 1)
		client.Read(resp)
		if resp[0] != 'N' {
			sslErrCh <- "expected SSL denial 'N'"
		} else {
			sslErrCh <- ""
		}
		client.Write(startupMsg)
	}()

	info, _, err := h.readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage error after SSL denial: %v", err)
	}
	if info.Endpoint != "ep_1" {
		t.Errorf("expected ep_1, got %q", info.Endpoint)
	}
	if sslErr := <-sslErrCh; sslErr != "" {
		t.Error(sslErr)
	}
}

func TestPGSSLMaxAttempts(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		for i := 0; i < 5; i++ {
			client.Write(buildPGSSLRequest())
			resp := make([]byte, 1)
			if _, err := client.Read(resp); err != nil {
				return
			}
		}
	}()

	_, _, err := h.readStartupMessage(server)
	if err == nil {
		t.Fatal("expected error for too many SSL attempts")
	}
}

func TestPGMessageRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("SELECT 1")
	go func() {
		writePGMessage(client, pgMsgQuery, payload)
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, received, err := readPGMessage(server)
	if err != nil {
		t.Fatalf("readPGMessage error: %v", err)
	}
	if msgType != pgMsgQuery {
		t.Errorf("expected message type 'Q', got %c", msgType)
	}
	if string(received) != "SELECT 1" {
		t.Errorf("expected payload 'SELECT 1', got %q", received)
	}
}

func TestPGSendErrorFormat(t *testing.T) {
	h := &PostgresHandler{router: router.New()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		h.sendPGError(server, "FATAL", "08000", "test error message")
		server.Close()
	}()

	msg, err := readPGErrorFromConn(client)
	if err != nil && err != io.EOF {
		t.Fatalf("readPGErrorFromConn error: %v", err)
	}
	if msg != "test error message" {
		t.Errorf("expected 'test error message', got %q", msg)
	}
}
