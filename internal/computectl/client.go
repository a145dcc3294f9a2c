// Package computectl defines the narrow client surface internal/localinit
// consumes to talk to the compute-ctl sidecar: installing the
// session-JWT extension and granting the connecting role USAGE on its
// schema. The real compute-ctl API is an external collaborator; this
// package only states the interface and a plain-JSON HTTP implementation,
// the same boundary-drawing the control-plane package uses for
// wake_compute.
package computectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// InstallExtensionRequest is the body of install_extension.
type InstallExtensionRequest struct {
	Extension string `json:"extension"`
	Version   string `json:"version"`
	Database  string `json:"database"`
}

// GrantRoleRequest is the body of grant_role.
type GrantRoleRequest struct {
	Schema     string   `json:"schema"`
	Privileges []string `json:"privileges"`
	Database   string   `json:"database"`
	Role       string   `json:"role"`
}

// Client is the compute-ctl API surface the local Postgres initializer
// consumes.
type Client interface {
	InstallExtension(ctx context.Context, req InstallExtensionRequest) error
	GrantRole(ctx context.Context, req GrantRoleRequest) error
}

// HTTPClient speaks plain JSON to a compute-ctl sidecar over loopback HTTP,
// the same un-SDK'd boundary the control-plane HTTPClient draws for its own
// external API (see DESIGN.md: no compute-ctl SDK exists in the dependency
// corpus to build on).
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds an HTTPClient bound to baseURL (typically
// http://localhost:<port>).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding compute-ctl request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building compute-ctl request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("compute-ctl request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("compute-ctl %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) InstallExtension(ctx context.Context, req InstallExtensionRequest) error {
	return c.post(ctx, "/extensions", req)
}

func (c *HTTPClient) GrantRole(ctx context.Context, req GrantRoleRequest) error {
	return c.post(ctx, "/grants", req)
}
