// Package noidclient is the HTTP+WS client for the tenant API, shared by the
// noidctl CLI front-end and any future in-process tooling.
package noidclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

// Client is an HTTP client for the noid tenant API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client against baseURL, authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func decodeOrError(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e noidtypes.ErrorResponse
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("noid: %s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("noid: status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Whoami calls GET /v1/whoami.
func (c *Client) Whoami(ctx context.Context) (*noidtypes.WhoamiResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/whoami", nil)
	if err != nil {
		return nil, err
	}
	var out noidtypes.WhoamiResponse
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Capabilities calls GET /v1/capabilities.
func (c *Client) Capabilities(ctx context.Context) (*noidtypes.Capabilities, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/capabilities", nil)
	if err != nil {
		return nil, err
	}
	var out noidtypes.Capabilities
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVM calls POST /v1/vms.
func (c *Client) CreateVM(ctx context.Context, req noidtypes.CreateVmRequest) (*noidtypes.VmInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/vms", req)
	if err != nil {
		return nil, err
	}
	var out noidtypes.VmInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVMs calls GET /v1/vms.
func (c *Client) ListVMs(ctx context.Context) ([]noidtypes.VmInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/vms", nil)
	if err != nil {
		return nil, err
	}
	var out []noidtypes.VmInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVM calls GET /v1/vms/{name}.
func (c *Client) GetVM(ctx context.Context, name string) (*noidtypes.VmInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/vms/"+name, nil)
	if err != nil {
		return nil, err
	}
	var out noidtypes.VmInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroyVM calls DELETE /v1/vms/{name}.
func (c *Client) DestroyVM(ctx context.Context, name string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/v1/vms/"+name, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil)
}

// Exec calls POST /v1/vms/{name}/exec.
func (c *Client) Exec(ctx context.Context, name string, req noidtypes.ExecRequest) (*noidtypes.ExecResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/vms/"+name+"/exec", req)
	if err != nil {
		return nil, err
	}
	var out noidtypes.ExecResponse
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checkpoint calls POST /v1/vms/{name}/checkpoints.
func (c *Client) Checkpoint(ctx context.Context, name string, req noidtypes.CheckpointRequest) (*noidtypes.CheckpointInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/vms/"+name+"/checkpoints", req)
	if err != nil {
		return nil, err
	}
	var out noidtypes.CheckpointInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCheckpoints calls GET /v1/vms/{name}/checkpoints.
func (c *Client) ListCheckpoints(ctx context.Context, name string) ([]noidtypes.CheckpointInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/vms/"+name+"/checkpoints", nil)
	if err != nil {
		return nil, err
	}
	var out []noidtypes.CheckpointInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Restore calls POST /v1/vms/{name}/restore.
func (c *Client) Restore(ctx context.Context, name string, req noidtypes.RestoreRequest) (*noidtypes.VmInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/vms/"+name+"/restore", req)
	if err != nil {
		return nil, err
	}
	var out noidtypes.VmInfo
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// wsURL turns the client's http(s) base URL into a ws(s) URL for path.
func (c *Client) wsURL(path string) string {
	u := c.baseURL + path
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u
}

// DialConsole opens the console WebSocket for a VM (binary frames, 0x01
// stdout / 0x03 stdin).
func (c *Client) DialConsole(ctx context.Context, name string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/v1/vms/"+name+"/console"), header)
	if err != nil {
		return nil, fmt.Errorf("dial console: %w", err)
	}
	return conn, nil
}

// DialExec opens the exec WebSocket for a VM and sends the initial ExecRequest frame.
func (c *Client) DialExec(ctx context.Context, name string, req noidtypes.ExecRequest) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/v1/vms/"+name+"/exec"), header)
	if err != nil {
		return nil, fmt.Errorf("dial exec: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal exec request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send exec request: %w", err)
	}
	return conn, nil
}
