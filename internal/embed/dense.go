package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// DenseClient talks to an OpenAI-compatible /v1/embeddings endpoint.
// Inputs are micro-batched and batches run under a semaphore so a large
// ingest cannot flood the embedding service.
type DenseClient struct {
	client  *http.Client
	cfg     DenseConfig
	sem     *semaphore.Weighted
	breaker *Breaker
	retry   cerr.RetryConfig

	mu   sync.RWMutex
	dims int
}

var _ DenseEmbedder = (*DenseClient)(nil)

// NewDenseClient creates a dense embedding client. No network traffic
// happens until the first Embed call; dimensions are probed from the
// first reply when cfg.Dimensions is zero.
func NewDenseClient(cfg DenseConfig) *DenseClient {
	cfg = cfg.withDefaults()
	retry := cerr.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}
	return &DenseClient{
		// Per-request timeouts come from context so retries scale;
		// the client itself carries none.
		client:  &http.Client{},
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		breaker: NewBreaker("dense:" + cfg.Model),
		retry:   retry,
		dims:    cfg.Dimensions,
	}
}

// Model returns the serving model name.
func (c *DenseClient) Model() string { return c.cfg.Model }

// Dimensions returns the vector width, 0 before the first call when
// probing.
func (c *DenseClient) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dims
}

// Close releases idle connections.
func (c *DenseClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Embed returns one vector per text, in input order. Batches run
// concurrently; a failure in any batch fails the whole call.
func (c *DenseClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			vectors, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type denseRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type denseResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *DenseClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return cerr.RetryWithResult(ctx, c.retry, func() ([][]float32, error) {
		return c.breaker.Embed(func() ([][]float32, error) {
			return c.doEmbed(ctx, texts)
		})
	})
}

func (c *DenseClient) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(denseRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, cerr.InternalError("marshal embed request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, cerr.InternalError("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, cerr.New(cerr.ErrCodeRPCTimeout, "embedding request timed out", err).
				WithDetail("model", c.cfg.Model)
		}
		return nil, cerr.TransientRPC("embedding service unreachable", err).
			WithDetail("model", c.cfg.Model)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus(resp.StatusCode, string(raw)).
			WithDetail("model", c.cfg.Model)
	}

	var decoded denseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, cerr.TransientRPC("malformed embedding response", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding count mismatch: sent %d, got %d", len(texts), len(decoded.Data)))
	}

	// The API may return out of order; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}

	if err := c.checkDimensions(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// checkDimensions pins the width from the first reply and rejects any
// later drift, which would silently corrupt the vector index.
func (c *DenseClient) checkDimensions(vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range vectors {
		if c.dims == 0 {
			c.dims = len(v)
			continue
		}
		if len(v) != c.dims {
			return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", c.dims, len(v)))
		}
	}
	return nil
}

// classifyHTTPStatus maps an embedding-service status to a coded error.
// 429 and 5xx are transient; 413 marks an oversized payload the caller
// can split; other 4xx are permanent rejections.
func classifyHTTPStatus(status int, body string) *cerr.CorpusError {
	switch {
	case status == http.StatusTooManyRequests:
		return cerr.New(cerr.ErrCodeRPCThrottled, "embedding service throttled", nil)
	case status == http.StatusRequestEntityTooLarge:
		return cerr.New(cerr.ErrCodeRPCOversized, "payload too large for embedding service", nil)
	case status >= 500:
		return cerr.TransientRPC(fmt.Sprintf("embedding service error %d", status), nil).WithDetail("body", body)
	default:
		return cerr.PermanentRPC(fmt.Sprintf("embedding request rejected with %d", status), nil).WithDetail("body", body)
	}
}
