// Package causalapi is the HTTP client for the remote Causal Intelligence
// service: serialized CSV windows go in, chain-detection verdicts come out.
// The service owns all chain computation; this client only speaks its
// request/response contract.
package causalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Forecast is the service verdict for one dispatched window.
type Forecast struct {
	Datetime      string `json:"datetime"`
	ChainDetected int    `json:"chain_detected"` // -1, 0 or +1
}

// forecastLayouts are the datetime shapes the service is known to reply with.
var forecastLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// Time parses the verdict datetime; naive timestamps are taken as UTC.
func (f *Forecast) Time() (time.Time, error) {
	for _, layout := range forecastLayouts {
		if t, err := time.Parse(layout, f.Datetime); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("causalapi: unparseable datetime %q", f.Datetime)
}

// Client posts CSV windows to a single causal endpoint.
type Client struct {
	endpoint string
	apiKey   string // optional; sent as a bearer token when set
	httpc    *http.Client
}

// New creates a client for the given endpoint. The client carries no
// global timeout: callers cancel via ctx so dispatch never blocks shutdown.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpc:    &http.Client{},
	}
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint }

// DetectChain posts one serialized window and parses the verdict.
// Any non-2xx status is an error.
func (c *Client) DetectChain(ctx context.Context, csv []byte) (*Forecast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(csv))
	if err != nil {
		return nil, fmt.Errorf("causalapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("causalapi: post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("causalapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("causalapi: status %d: %s", resp.StatusCode, snippet(body))
	}

	var f Forecast
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("causalapi: decode response: %w", err)
	}
	if f.ChainDetected < -1 || f.ChainDetected > 1 {
		return nil, fmt.Errorf("causalapi: chain_detected out of range: %d", f.ChainDetected)
	}
	return &f, nil
}

// snippet trims a response body for error messages.
func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(bytes.TrimSpace(b))
}
