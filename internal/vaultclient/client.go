// Package vaultclient is a Go SDK for talking to a single vault node,
// adapted from the teacher's internal/client package: one *http.Client
// with a fixed timeout, typed request/response shapes, and errors
// converted from HTTP status codes rather than left as opaque non-2xx
// responses. Unlike the teacher's client (which fans out replication
// itself never happens client-side) this SDK, too, only ever talks to
// the one node it was constructed with — group consensus is entirely the
// contacted node's problem.
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vaultd/internal/overlay"
)

// Client talks to one vault node over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. A zero timeout defaults to 10s, matching the
// teacher's client.New.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// ErrNotFound is returned by Get when the server reports NoSuchData.
var ErrNotFound = fmt.Errorf("vaultclient: no such data")

// APIError carries the HTTP status and server-supplied message for any
// other non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message) }

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vaultclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Get fetches a chunk by id.
func (c *Client) Get(ctx context.Context, id overlay.DataId) (overlay.Data, error) {
	var data overlay.Data
	err := c.post(ctx, "/client/get", map[string]overlay.DataId{"id": id}, &data)
	return data, err
}

// Put stores a new chunk, returning its committed (DataId, Version) once
// group consensus lands.
func (c *Client) Put(ctx context.Context, data overlay.Data) (overlay.IdAndVersion, error) {
	var idv overlay.IdAndVersion
	err := c.post(ctx, "/client/put", data, &idv)
	return idv, err
}

// Post submits a structured or appendable successor to an existing chunk.
func (c *Client) Post(ctx context.Context, data overlay.Data) (overlay.IdAndVersion, error) {
	var idv overlay.IdAndVersion
	err := c.post(ctx, "/client/post", data, &idv)
	return idv, err
}

// Delete tombstones a structured chunk. next must carry Deleted=true and
// the successor version.
func (c *Client) Delete(ctx context.Context, next overlay.Data) (overlay.IdAndVersion, error) {
	var idv overlay.IdAndVersion
	err := c.post(ctx, "/client/delete", next, &idv)
	return idv, err
}

// Append adds items to an existing appendable chunk.
func (c *Client) Append(ctx context.Context, id overlay.DataId, wrapper overlay.AppendWrapper) (overlay.IdAndVersion, error) {
	var idv overlay.IdAndVersion
	body := struct {
		Id      overlay.DataId        `json:"id"`
		Wrapper overlay.AppendWrapper `json:"wrapper"`
	}{Id: id, Wrapper: wrapper}
	err := c.post(ctx, "/client/append", body, &idv)
	return idv, err
}

// JoinCluster registers peer into the contacted node's membership view.
func (c *Client) JoinCluster(ctx context.Context, peer overlay.PeerID) error {
	return c.post(ctx, "/cluster/join", map[string]overlay.PeerID{"id": peer}, nil)
}

// LeaveCluster removes peer from the contacted node's membership view.
func (c *Client) LeaveCluster(ctx context.Context, peer overlay.PeerID) error {
	return c.post(ctx, "/cluster/leave", map[string]overlay.PeerID{"id": peer}, nil)
}

// ClusterNodes lists every node the contacted vault currently believes in.
func (c *Client) ClusterNodes(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cluster/nodes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}
