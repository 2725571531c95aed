// Package client is the typed client for the vessel host API. It speaks
// HTTP/JSON over the daemon's unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/projecteru2/vessel/server"
	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

// Client talks to a vessel daemon.
type Client struct {
	socketPath string
	hc         *http.Client
}

// New creates a client for the daemon behind socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// do sends one request and decodes the response into out (when non-nil).
// Error responses are returned as *service.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://vessel"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response of %s: %w", path, err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var svcErr service.Error
	if err := json.NewDecoder(resp.Body).Decode(&svcErr); err != nil || svcErr.Kind == "" {
		return &service.Error{
			Kind:    service.KindInternal,
			Message: fmt.Sprintf("daemon returned status %d", resp.StatusCode),
		}
	}
	return &svcErr
}

// CreateVM creates a VM and returns its handle token and CID.
func (c *Client) CreateVM(ctx context.Context, conf types.VMConfig) (*service.CreateVMResult, error) {
	var res service.CreateVMResult
	if err := c.do(ctx, http.MethodPost, "/vms", conf, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Start launches the VM.
func (c *Client) Start(ctx context.Context, handle string) error {
	return c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(handle)+"/start", nil, nil)
}

// Release drops the owning handle.
func (c *Client) Release(ctx context.Context, handle string) error {
	return c.do(ctx, http.MethodDelete, "/vms/"+url.PathEscape(handle), nil, nil)
}

// State reports the flattened VM state.
func (c *Client) State(ctx context.Context, handle string) (types.ExternalState, error) {
	var res struct {
		State types.ExternalState `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/vms/"+url.PathEscape(handle)+"/state", nil, &res); err != nil {
		return "", err
	}
	return res.State, nil
}

// Cid reports the VM's CID.
func (c *Client) Cid(ctx context.Context, handle string) (types.Cid, error) {
	var res struct {
		Cid types.Cid `json:"cid"`
	}
	if err := c.do(ctx, http.MethodGet, "/vms/"+url.PathEscape(handle)+"/cid", nil, &res); err != nil {
		return 0, err
	}
	return res.Cid, nil
}

// Events streams lifecycle events, invoking fn per event until the stream
// ends or fn returns an error.
func (c *Client) Events(ctx context.Context, handle string, fn func(server.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://vessel/vms/"+url.PathEscape(handle)+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev server.Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// InitializeWritablePartition creates an empty writable partition image.
func (c *Client) InitializeWritablePartition(ctx context.Context, path string, size int64, ptype types.PartitionType) error {
	req := struct {
		Path string              `json:"path"`
		Size int64               `json:"size"`
		Type types.PartitionType `json:"type"`
	}{path, size, ptype}
	return c.do(ctx, http.MethodPost, "/partitions", req, nil)
}

// CreateOrUpdateIdsigFile writes the digest file for an application image.
func (c *Client) CreateOrUpdateIdsigFile(ctx context.Context, input, output string) error {
	req := struct {
		Input  string `json:"input"`
		Output string `json:"output"`
	}{input, output}
	return c.do(ctx, http.MethodPost, "/idsigs", req, nil)
}

// DebugListVms reports every live VM.
func (c *Client) DebugListVms(ctx context.Context) ([]types.DebugInfo, error) {
	var res []types.DebugInfo
	if err := c.do(ctx, http.MethodGet, "/debug/vms", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// DebugHoldVmRef pins a VM past its clients' handles.
func (c *Client) DebugHoldVmRef(ctx context.Context, handle string) error {
	return c.do(ctx, http.MethodPost, "/debug/vms/"+url.PathEscape(handle)+"/hold", nil, nil)
}

// DebugDropVmRef releases a held VM reference.
func (c *Client) DebugDropVmRef(ctx context.Context, cid types.Cid) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/debug/vms/%d", cid), nil, nil)
}

// Connect splices a raw connection to a guest vsock port through the
// daemon. The caller owns the returned connection.
func (c *Client) Connect(ctx context.Context, handle string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}

	req := fmt.Sprintf("POST /vms/%s/connect?port=%d HTTP/1.1\r\nHost: vessel\r\n\r\n",
		url.PathEscape(handle), port)
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send connect request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodPost})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer conn.Close() //nolint:errcheck
		return nil, decodeError(resp)
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn keeps bytes the response reader buffered past the 101.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
