package router

import (
	"testing"

	"github.com/serverlessdb/poolproxy/internal/types"
)

func TestPauseResume(t *testing.T) {
	r := New()

	if r.IsPaused("ep_1") {
		t.Error("ep_1 should not be paused initially")
	}

	r.Pause("ep_1")
	if !r.IsPaused("ep_1") {
		t.Error("ep_1 should be paused")
	}

	if r.IsPaused("ep_2") {
		t.Error("ep_2 should not be paused")
	}

	r.Resume("ep_1")
	if r.IsPaused("ep_1") {
		t.Error("ep_1 should not be paused after resume")
	}
}

func TestPauseIdempotent(t *testing.T) {
	r := New()
	r.Pause("ep_1")
	r.Pause("ep_1")
	if !r.IsPaused("ep_1") {
		t.Error("ep_1 should be paused")
	}
	r.Resume("ep_1")
	if r.IsPaused("ep_1") {
		t.Error("ep_1 should not be paused")
	}
}

func TestListPaused(t *testing.T) {
	r := New()
	r.Pause("ep_1")
	r.Pause("ep_2")
	r.Resume("ep_1")

	paused := r.ListPaused()
	if len(paused) != 1 {
		t.Fatalf("expected 1 paused endpoint, got %d", len(paused))
	}
	if paused[0] != types.EndpointID("ep_2") {
		t.Errorf("expected ep_2 paused, got %v", paused[0])
	}
}

func TestExtractEndpointFromUsername(t *testing.T) {
	tests := []struct {
		username     string
		wantEndpoint string
		wantUser     string
		wantOk       bool
	}{
		{"ep_1__appuser", "ep_1", "appuser", true},
		{"mycompany.admin", "mycompany", "admin", true},
		{"plainuser", "", "plainuser", false},
		{"no_double_sep", "", "no_double_sep", false},
	}

	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			endpoint, user, ok := ExtractEndpointFromUsername(tt.username)
			if string(endpoint) != tt.wantEndpoint || user != tt.wantUser || ok != tt.wantOk {
				t.Errorf("ExtractEndpointFromUsername(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.username, endpoint, user, ok, tt.wantEndpoint, tt.wantUser, tt.wantOk)
			}
		})
	}
}
