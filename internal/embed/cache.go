package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedDense memoizes dense embeddings in an LRU keyed by model and
// content hash. It fronts the query path, where the same query text
// arrives repeatedly across search requests.
type CachedDense struct {
	inner DenseEmbedder
	cache *lru.Cache[string, []float32]
}

var _ DenseEmbedder = (*CachedDense)(nil)

// NewCachedDense wraps an embedder with an LRU of the given size.
func NewCachedDense(inner DenseEmbedder, size int) (*CachedDense, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedDense{inner: inner, cache: cache}, nil
}

// Embed serves hits from the cache and batches the misses through the
// wrapped embedder. Order is preserved.
func (c *CachedDense) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		vectors, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, v := range vectors {
			out[missIdx[j]] = v
			c.cache.Add(c.key(missTexts[j]), v)
		}
	}
	return out, nil
}

func (c *CachedDense) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.inner.Model() + ":" + hex.EncodeToString(sum[:16])
}

// Dimensions delegates to the wrapped embedder.
func (c *CachedDense) Dimensions() int { return c.inner.Dimensions() }

// Model delegates to the wrapped embedder.
func (c *CachedDense) Model() string { return c.inner.Model() }

// Close closes the wrapped embedder.
func (c *CachedDense) Close() error { return c.inner.Close() }
