// Package rerank scores query-document pairs with a cross-encoder
// service. Cross-encoders are slower but markedly more accurate than
// the bi-encoder retrieval stage, so they run over a small candidate
// window after fusion.
package rerank

import (
	"context"
	"time"
)

// Defaults for the rerank stage.
const (
	// DefaultInitialK is how many fused candidates enter reranking.
	DefaultInitialK = 150

	// DefaultTextMaxChars caps each document sent to the service.
	DefaultTextMaxChars = 2000

	DefaultTimeout = 30 * time.Second
)

// Result is one scored document.
type Result struct {
	// Index is the document's position in the input slice.
	Index int
	// Score is the cross-encoder relevance score.
	Score float64
}

// Reranker scores documents against a query and returns results sorted
// by score descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error)
	Close() error
}

// NoOp preserves the caller's order with decreasing scores. Used when
// reranking is disabled.
type NoOp struct{}

var _ Reranker = (*NoOp)(nil)

// Rerank returns documents in original order.
func (NoOp) Rerank(_ context.Context, _ string, documents []string, topK int) ([]Result, error) {
	results := make([]Result, len(documents))
	for i := range documents {
		results[i] = Result{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Close is a no-op.
func (NoOp) Close() error { return nil }

// Config configures the HTTP reranker.
type Config struct {
	URL          string
	Model        string
	TextMaxChars int
	Timeout      time.Duration

	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TextMaxChars <= 0 {
		c.TextMaxChars = DefaultTextMaxChars
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}
