// Package embed turns chunk text into dense and sparse vectors via
// external embedding services. Dense embeddings come from an
// OpenAI-compatible endpoint; sparse embeddings from a SPLADE service.
package embed

import (
	"context"
	"time"
)

// Defaults applied when config leaves fields zero.
const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
	DefaultTimeout     = 60 * time.Second

	// DefaultQueryCacheSize bounds the query-embedding LRU.
	DefaultQueryCacheSize = 512
)

// SparseVector is a SPLADE-style sparse embedding: parallel index and
// weight slices, indices strictly ascending.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// IsZero reports whether the vector has no active terms.
func (v SparseVector) IsZero() bool {
	return len(v.Indices) == 0
}

// DenseEmbedder produces fixed-dimension float vectors.
type DenseEmbedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector width, 0 until the first successful call
	// when probing is in effect.
	Dimensions() int

	// Model names the serving model.
	Model() string

	Close() error
}

// SparseEmbedder produces sparse term-weight vectors.
type SparseEmbedder interface {
	EmbedSparse(ctx context.Context, texts []string) ([]SparseVector, error)
	Close() error
}

// DenseConfig configures one dense endpoint.
type DenseConfig struct {
	URL         string
	Model       string
	APIKey      string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration

	// Dimensions pins the expected width; 0 probes from the first reply.
	Dimensions int

	// MaxRetries overrides the default retry budget when positive;
	// RetryDelay overrides the initial backoff when positive.
	MaxRetries int
	RetryDelay time.Duration
}

func (c DenseConfig) withDefaults() DenseConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// SparseConfig configures the SPLADE endpoint. The service is
// single-tenant on GPU, so concurrency defaults to 1.
type SparseConfig struct {
	URL         string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration

	MaxRetries int
	RetryDelay time.Duration
}

func (c SparseConfig) withDefaults() SparseConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}
