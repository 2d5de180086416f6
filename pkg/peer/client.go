package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sindef/redis-sentinel/pkg/auth"
)

// Client talks to one other monitor.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	authenticator *auth.Authenticator
}

// NewClient creates a client for the monitor listening on addr (host:port).
func NewClient(addr string, authenticator *auth.Authenticator, timeout time.Duration) *Client {
	return &Client{
		baseURL: "http://" + addr,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		authenticator: authenticator,
	}
}

// Ping checks the monitor answers. replied is true whenever an HTTP
// response arrived, err is nil only for a healthy one.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return true, nil
}

// IsPrimaryDown sends a down check, optionally asking for a vote.
func (c *Client) IsPrimaryDown(ctx context.Context, req DownRequest) (DownReply, error) {
	var reply DownReply

	body, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/is-primary-down", body)
	if err != nil {
		return reply, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.authenticator.SignRequest(req); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return c.httpClient.Do(req)
}
