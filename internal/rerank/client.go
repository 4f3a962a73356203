package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"unicode/utf8"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// Client talks to an HTTP cross-encoder service. The service runs one
// model on one GPU, so a mutex keeps a single request outstanding;
// concurrent searches queue here rather than thrash the model.
type Client struct {
	client *http.Client
	cfg    Config
	retry  cerr.RetryConfig

	mu sync.Mutex
}

var _ Reranker = (*Client)(nil)

// NewClient creates a reranker client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	retry := cerr.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}
	return &Client{
		client: &http.Client{},
		cfg:    cfg,
		retry:  retry,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Rerank scores documents against the query. Documents are truncated to
// TextMaxChars before sending. On a 413 the batch is split in half and
// each half retried once; on any terminal failure the caller decides
// whether to fall back to pre-rerank order.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error) {
	if len(documents) == 0 {
		return []Result{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	truncated := make([]string, len(documents))
	for i, doc := range documents {
		truncated[i] = truncate(doc, c.cfg.TextMaxChars)
	}

	scores, err := c.scoreBatch(ctx, query, truncated, true)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(scores))
	for i, score := range scores {
		results[i] = Result{Index: i, Score: score}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// truncate caps s at max bytes without splitting a UTF-8 sequence; the
// service rejects invalid UTF-8 in the request body.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// scoreBatch returns one score per document, in input order. allowSplit
// permits one halve-and-retry on an oversized payload.
func (c *Client) scoreBatch(ctx context.Context, query string, documents []string, allowSplit bool) ([]float64, error) {
	scores, err := cerr.RetryWithResult(ctx, c.retry, func() ([]float64, error) {
		return c.doScore(ctx, query, documents)
	})
	if err == nil {
		return scores, nil
	}

	if allowSplit && cerr.GetCode(err) == cerr.ErrCodeRPCOversized && len(documents) > 1 {
		mid := len(documents) / 2
		left, lerr := c.scoreBatch(ctx, query, documents[:mid], false)
		if lerr != nil {
			return nil, lerr
		}
		right, rerr := c.scoreBatch(ctx, query, documents[mid:], false)
		if rerr != nil {
			return nil, rerr
		}
		return append(left, right...), nil
	}
	return nil, err
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (c *Client) doScore(ctx context.Context, query string, documents []string) ([]float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Model: c.cfg.Model, Query: query, Documents: documents})
	if err != nil {
		return nil, cerr.InternalError("marshal rerank request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, cerr.InternalError("build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, cerr.New(cerr.ErrCodeRPCTimeout, "rerank request timed out", err)
		}
		return nil, cerr.TransientRPC("rerank service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, cerr.TransientRPC("read rerank response", err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, cerr.New(cerr.ErrCodeRPCOversized, "rerank payload too large", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, cerr.New(cerr.ErrCodeRPCThrottled, "rerank service throttled", nil)
	case resp.StatusCode >= 500:
		return nil, cerr.TransientRPC(fmt.Sprintf("rerank service error %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, cerr.PermanentRPC(fmt.Sprintf("rerank request rejected with %d", resp.StatusCode), nil)
	}

	scores, err := decodeScores(raw)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(documents) {
		return nil, cerr.ConsistencyError(cerr.ErrCodeSearchFailed,
			fmt.Sprintf("rerank score count mismatch: sent %d, got %d", len(documents), len(scores)))
	}
	return scores, nil
}

// decodeScores accepts both wire shapes the service has used:
// a bare array [0.9, 0.1, ...] and an object {"scores": [...]}.
func decodeScores(raw []byte) ([]float64, error) {
	var bare []float64
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}

	var wrapped struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Scores != nil {
		return wrapped.Scores, nil
	}
	return nil, cerr.TransientRPC("malformed rerank response", nil)
}
