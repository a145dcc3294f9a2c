package proxy

import (
	"net"
	"testing"
	"time"
)

func TestParseEndpointFromOptions(t *testing.T) {
	tests := []struct {
		options string
		want    string
	}{
		{"-c endpoint_id=acme_corp", "acme_corp"},
		{"-c endpoint_id=test123", "test123"},
		{"endpoint_id=direct", "direct"},
		{"-c something_else=foo", ""},
		{"", ""},
		{"-c endpoint_id=abc -c other=xyz", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.options, func(t *testing.T) {
			got := parseEndpointFromOptions(tt.options)
			if got != tt.want {
				t.Errorf("parseEndpointFromOptions(%q) = %q, want %q", tt.options, got, tt.want)
			}
		})
	}
}

func TestWriteReadPGMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("SELECT 1")
	go func() {
		writePGMessage(server, pgMsgQuery, payload)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, received, err := readPGMessage(client)
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

func TestSendPGErrorFormat(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &PostgresHandler{}

	go func() {
		h.sendPGError(server, "FATAL", "08000", "test error message")
		server.Close()
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := readPGMessage(client)
	if err != nil {
		t.Fatalf("readPGMessage error: %v", err)
	}
	if msgType != pgMsgErrorResponse {
		t.Errorf("expected ErrorResponse message type, got %c", msgType)
	}

	var severity, code, message string
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
		switch fieldType {
		case 'S':
			severity = string(payload[i:end])
		case 'C':
			code = string(payload[i:end])
		case 'M':
			message = string(payload[i:end])
		}
		i = end
	}

	if severity != "FATAL" {
		t.Errorf("expected severity FATAL, got %q", severity)
	}
	if code != "08000" {
		t.Errorf("expected code 08000, got %q", code)
	}
	if message != "test error message" {
		t.Errorf("expected message 'test error message', got %q", message)
	}
}
