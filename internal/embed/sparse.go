package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/semaphore"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// SparseClient talks to a SPLADE embedding service. The service runs
// one model on one GPU, so requests are serialized by default; batching
// still amortizes HTTP overhead.
type SparseClient struct {
	client  *http.Client
	cfg     SparseConfig
	sem     *semaphore.Weighted
	breaker *Breaker
	retry   cerr.RetryConfig
}

var _ SparseEmbedder = (*SparseClient)(nil)

// NewSparseClient creates a sparse embedding client.
func NewSparseClient(cfg SparseConfig) *SparseClient {
	cfg = cfg.withDefaults()
	retry := cerr.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}
	return &SparseClient{
		client:  &http.Client{},
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		breaker: NewBreaker("sparse"),
		retry:   retry,
	}
}

// Close releases idle connections.
func (c *SparseClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// EmbedSparse returns one sparse vector per text, in input order.
func (c *SparseClient) EmbedSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	if len(texts) == 0 {
		return []SparseVector{}, nil
	}

	out := make([]SparseVector, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

type sparseRequest struct {
	Texts []string `json:"texts"`
}

// sparseItem accepts both wire spellings the service has used:
// {"indices": [...], "values": [...]} and {"token_ids": [...], "weights": [...]}.
type sparseItem struct {
	Indices  []uint32  `json:"indices"`
	Values   []float32 `json:"values"`
	TokenIDs []uint32  `json:"token_ids"`
	Weights  []float32 `json:"weights"`
}

func (it sparseItem) vector() SparseVector {
	if len(it.Indices) > 0 || len(it.TokenIDs) == 0 {
		return SparseVector{Indices: it.Indices, Values: it.Values}
	}
	return SparseVector{Indices: it.TokenIDs, Values: it.Weights}
}

// sparseResponse accepts both the batch shape {"embeddings": [...]}
// and the single shape {"indices": [...], "values": [...]}.
type sparseResponse struct {
	Embeddings []sparseItem `json:"embeddings"`
	sparseItem
}

func (c *SparseClient) embedBatch(ctx context.Context, texts []string) ([]SparseVector, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return cerr.RetryWithResult(ctx, c.retry, func() ([]SparseVector, error) {
		return c.breaker.EmbedSparse(func() ([]SparseVector, error) {
			return c.doEmbed(ctx, texts)
		})
	})
}

func (c *SparseClient) doEmbed(ctx context.Context, texts []string) ([]SparseVector, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(sparseRequest{Texts: texts})
	if err != nil {
		return nil, cerr.InternalError("marshal sparse request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, cerr.InternalError("build sparse request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, cerr.New(cerr.ErrCodeRPCTimeout, "sparse request timed out", err)
		}
		return nil, cerr.TransientRPC("sparse service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus(resp.StatusCode, string(raw)).WithDetail("service", "sparse")
	}

	var decoded sparseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, cerr.TransientRPC("malformed sparse response", err)
	}

	items := decoded.Embeddings
	if items == nil {
		// Single shape: only valid for a single-text request.
		if len(texts) != 1 {
			return nil, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed,
				fmt.Sprintf("sparse service returned single vector for %d texts", len(texts)))
		}
		items = []sparseItem{decoded.sparseItem}
	}
	if len(items) != len(texts) {
		return nil, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("sparse count mismatch: sent %d, got %d", len(texts), len(items)))
	}

	vectors := make([]SparseVector, len(items))
	for i, item := range items {
		v := item.vector()
		if len(v.Indices) != len(v.Values) {
			return nil, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed,
				"sparse vector indices and values length differ")
		}
		vectors[i] = v
	}
	return vectors, nil
}
