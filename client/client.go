// HTTP client for a single model-serving shard.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one generation shard over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a shard client for the given base URL, e.g.
// "http://localhost:3000". A zero timeout disables the client-side timeout;
// generation steps are expected to be bounded by the server.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type prefillRequest struct {
	Batch   *Batch         `json:"batch"`
	ToPrune []*CachedBatch `json:"to_prune,omitempty"`
}

type nextTokenRequest struct {
	Batches []*CachedBatch `json:"batches"`
}

type generateResponse struct {
	Result *GenerateResult `json:"result,omitempty"`
}

// Prefill submits a freshly formed batch for its first decoding step,
// optionally pruning completed requests out of previously submitted batches.
// A nil result with nil error means every request completed on this step.
func (c *Client) Prefill(ctx context.Context, batch *Batch, toPrune []*CachedBatch) (*GenerateResult, error) {
	return c.post(ctx, "/prefill", prefillRequest{Batch: batch, ToPrune: toPrune})
}

// NextToken advances each supplied batch by exactly one token. The server may
// concatenate the batches into a single forward pass; the returned BatchID
// then identifies the combined batch.
func (c *Client) NextToken(ctx context.Context, batches []*CachedBatch) (*GenerateResult, error) {
	return c.post(ctx, "/next_token", nextTokenRequest{Batches: batches})
}

// Health probes the shard.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shard %s unreachable: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shard %s unhealthy: status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*GenerateResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("shard %s: reading response: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shard %s: %s: %s", c.baseURL, resp.Status, string(data))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("shard %s: decoding response: %w", c.baseURL, err)
	}
	return out.Result, nil
}
