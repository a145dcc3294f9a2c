package proxy

import (
	"testing"

	"github.com/serverlessdb/poolproxy/internal/serverless"
)

func TestDetectSessionPin(t *testing.T) {
	tests := []struct {
		name    string
		msgType byte
		payload []byte
		want    bool
	}{
		{
			name:    "LISTEN command",
			msgType: pgMsgQuery,
			payload: append([]byte("LISTEN my_channel"), 0),
			want:    true,
		},
		{
			name:    "NOTIFY command",
			msgType: pgMsgQuery,
			payload: append([]byte("NOTIFY my_channel"), 0),
			want:    true,
		},
		{
			name:    "SELECT query",
			msgType: pgMsgQuery,
			payload: append([]byte("SELECT 1"), 0),
			want:    false,
		},
		{
			name:    "Named prepared statement",
			msgType: pgMsgParse,
			payload: append([]byte("mystmt"), append([]byte{0}, []byte("SELECT 1")...)...),
			want:    true,
		},
		{
			name:    "Unnamed prepared statement",
			msgType: pgMsgParse,
			payload: append([]byte{0}, []byte("SELECT 1")...),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectSessionPin(tt.msgType, tt.payload)
			if got != tt.want {
				t.Errorf("detectSessionPin(%c, %q) = %v, want %v", tt.msgType, tt.payload, got, tt.want)
			}
		})
	}
}

func TestPinReason(t *testing.T) {
	tests := []struct {
		name    string
		msgType byte
		payload []byte
		want    string
	}{
		{"parse", pgMsgParse, append([]byte("mystmt"), 0), "named prepared statement"},
		{"listen", pgMsgQuery, append([]byte("LISTEN chan"), 0), "listen command"},
		{"notify", pgMsgQuery, append([]byte("NOTIFY chan"), 0), "notify command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pinReason(tt.msgType, tt.payload); got != tt.want {
				t.Errorf("pinReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackendLabel(t *testing.T) {
	tests := []struct {
		kind serverless.BackendKind
		want string
	}{
		{serverless.BackendRemote, "remote"},
		{serverless.BackendHyper, "hyper"},
		{serverless.BackendLocal, "local"},
	}
	for _, tt := range tests {
		up := &serverless.Upstream{Kind: tt.kind}
		if got := backendLabel(up); got != tt.want {
			t.Errorf("backendLabel(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
