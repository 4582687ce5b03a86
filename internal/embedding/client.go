// Package embedding implements the Embedding Client: turning message text
// into a fixed-dimension unit vector via an external embedding endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"reservoir/internal/observability"
	"reservoir/internal/reservoir/kinderr"
)

const maxAttempts = 3

// Client calls a configured embedding endpoint and L2-normalizes the
// result. Its connection pool is bounded by a semaphore so checkout under
// load fails fast with Overloaded rather than queueing unboundedly, per
// the single-connection-pool-per-endpoint resource contract.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	timeout    time.Duration
	pool       *semaphore.Weighted
}

// New builds a Client. poolSize bounds concurrent in-flight embedding
// calls.
func New(baseURL, model, apiKey string, timeout time.Duration, poolSize int) *Client {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Client{
		httpClient: observability.NewHTTPClient(nil),
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
		timeout:    timeout,
		pool:       semaphore.NewWeighted(int64(poolSize)),
	}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed turns text into a unit-length vector. Transient failures are
// retried with exponential backoff up to maxAttempts; persistent failure
// surfaces as EmbeddingUnavailable, which callers should treat as
// non-fatal.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.pool.TryAcquire(1) {
		return nil, kinderr.New(kinderr.Overloaded, "embedding client pool exhausted", nil)
	}
	defer c.pool.Release(1)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, kinderr.New(kinderr.EmbeddingUnavailable, "embedding canceled", ctx.Err())
			}
		}
		vec, err := c.embedOnce(ctx, text)
		if err == nil {
			return normalize(vec), nil
		}
		lastErr = err
	}
	return nil, kinderr.New(kinderr.EmbeddingUnavailable, "embedding endpoint unavailable", lastErr)
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(embedReq{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint status %s: %s", resp.Status, string(respBody))
	}

	var er embedResp
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("embedding response had no data")
	}
	return er.Data[0].Embedding, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
