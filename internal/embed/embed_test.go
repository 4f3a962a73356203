package embed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

func denseServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// writeDense replies with one constant-valued vector per input, using
// the request order.
func writeDense(w http.ResponseWriter, inputs []string, dims int) {
	type item struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	data := make([]item, len(inputs))
	for i := range inputs {
		vec := make([]float32, dims)
		for d := range vec {
			vec[d] = float32(i)
		}
		data[i] = item{Index: i, Embedding: vec}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestDenseClient_EmbedOrdered(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req denseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		writeDense(w, req.Input, 4)
	})

	c := NewDenseClient(DenseConfig{URL: srv.URL, Model: "test-model", BatchSize: 2})
	defer func() { _ = c.Close() }()

	vectors, err := c.Embed(t.Context(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for _, v := range vectors {
		assert.Len(t, v, 4)
	}
	assert.Equal(t, 4, c.Dimensions(), "dimensions probed from first reply")
}

func TestDenseClient_OutOfOrderIndices(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req denseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		// Reply in reverse order; index field is authoritative.
		fmt.Fprintf(w, `{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`)
	})

	c := NewDenseClient(DenseConfig{URL: srv.URL, Model: "m"})
	defer func() { _ = c.Close() }()

	vectors, err := c.Embed(t.Context(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, vectors)
}

func TestDenseClient_DimensionDrift(t *testing.T) {
	var calls atomic.Int32
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req denseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		dims := 4
		if calls.Add(1) > 1 {
			dims = 8
		}
		writeDense(w, req.Input, dims)
	})

	c := NewDenseClient(DenseConfig{URL: srv.URL, Model: "m"})
	defer func() { _ = c.Close() }()

	_, err := c.Embed(t.Context(), []string{"first"})
	require.NoError(t, err)

	_, err = c.Embed(t.Context(), []string{"second"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeDimensionMismatch, cerr.GetCode(err))
}

func TestDenseClient_ThrottledThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req denseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeDense(w, req.Input, 2)
	})

	c := NewDenseClient(DenseConfig{
		URL: srv.URL, Model: "m",
		MaxRetries: 2, RetryDelay: time.Millisecond,
	})
	defer func() { _ = c.Close() }()

	vectors, err := c.Embed(t.Context(), []string{"q"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDenseClient_PermanentRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	c := NewDenseClient(DenseConfig{
		URL: srv.URL, Model: "m",
		MaxRetries: 3, RetryDelay: time.Millisecond,
	})
	defer func() { _ = c.Close() }()

	_, err := c.Embed(t.Context(), []string{"q"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeRPCRejected, cerr.GetCode(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestDenseClient_CountMismatch(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,2]}]}`)
	})

	c := NewDenseClient(DenseConfig{URL: srv.URL, Model: "m", MaxRetries: 1, RetryDelay: time.Millisecond})
	defer func() { _ = c.Close() }()

	_, err := c.Embed(t.Context(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeEmbeddingFailed, cerr.GetCode(err))
}

func TestDenseClient_EmptyInput(t *testing.T) {
	c := NewDenseClient(DenseConfig{URL: "http://unused", Model: "m"})
	defer func() { _ = c.Close() }()

	vectors, err := c.Embed(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestSparseClient_BatchShape(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req sparseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprint(w, `{"embeddings":[
			{"indices":[3,17],"values":[0.5,1.25]},
			{"indices":[8],"values":[2.0]}
		]}`)
	})

	c := NewSparseClient(SparseConfig{URL: srv.URL})
	defer func() { _ = c.Close() }()

	vectors, err := c.EmbedSparse(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []uint32{3, 17}, vectors[0].Indices)
	assert.Equal(t, []float32{0.5, 1.25}, vectors[0].Values)
	assert.False(t, vectors[1].IsZero())
}

func TestSparseClient_SingleShape(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"indices":[1,2],"values":[0.1,0.2]}`)
	})

	c := NewSparseClient(SparseConfig{URL: srv.URL})
	defer func() { _ = c.Close() }()

	vectors, err := c.EmbedSparse(t.Context(), []string{"only"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []uint32{1, 2}, vectors[0].Indices)
}

func TestSparseClient_TokenIDWeightSpelling(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[{"token_ids":[9],"weights":[0.75]}]}`)
	})

	c := NewSparseClient(SparseConfig{URL: srv.URL})
	defer func() { _ = c.Close() }()

	vectors, err := c.EmbedSparse(t.Context(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []uint32{9}, vectors[0].Indices)
	assert.Equal(t, []float32{0.75}, vectors[0].Values)
}

func TestSparseClient_LengthMismatchRejected(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[{"indices":[1,2],"values":[0.1]}]}`)
	})

	c := NewSparseClient(SparseConfig{URL: srv.URL, MaxRetries: 1, RetryDelay: time.Millisecond})
	defer func() { _ = c.Close() }()

	_, err := c.EmbedSparse(t.Context(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeEmbeddingFailed, cerr.GetCode(err))
}

func TestCachedDense_HitSkipsBackend(t *testing.T) {
	var calls atomic.Int32
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req denseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeDense(w, req.Input, 2)
	})

	inner := NewDenseClient(DenseConfig{URL: srv.URL, Model: "m"})
	c, err := NewCachedDense(inner, 8)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	first, err := c.Embed(t.Context(), []string{"query"})
	require.NoError(t, err)
	second, err := c.Embed(t.Context(), []string{"query"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedDense_PartialMiss(t *testing.T) {
	srv := denseServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req denseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeDense(w, req.Input, 2)
	})

	inner := NewDenseClient(DenseConfig{URL: srv.URL, Model: "m"})
	c, err := NewCachedDense(inner, 8)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Embed(t.Context(), []string{"a"})
	require.NoError(t, err)

	vectors, err := c.Embed(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	require.NotNil(t, vectors[0])
	require.NotNil(t, vectors[1])
}

func TestRouter_Selection(t *testing.T) {
	text := NewDenseClient(DenseConfig{URL: "http://text", Model: "gte-base-en-v1.5"})
	code := NewDenseClient(DenseConfig{URL: "http://code", Model: "coderank-embed"})

	r := NewRouter(text, code)
	assert.Same(t, DenseEmbedder(code), r.ForContent("go"))
	assert.Same(t, DenseEmbedder(code), r.ForContent("rust"))
	assert.Same(t, DenseEmbedder(text), r.ForContent(""))
	assert.Same(t, DenseEmbedder(text), r.ForContent("markdown"))
	assert.Same(t, DenseEmbedder(code), r.ForQuery("coderank-embed"))
	assert.Same(t, DenseEmbedder(text), r.ForQuery("gte-base-en-v1.5"))

	// Without a code endpoint everything routes to text.
	solo := NewRouter(text, nil)
	assert.Same(t, DenseEmbedder(text), solo.ForContent("go"))
	assert.Same(t, DenseEmbedder(text), solo.Code())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test")
	boom := cerr.TransientRPC("down", nil)

	for i := 0; i < 5; i++ {
		_, err := b.Embed(func() ([][]float32, error) { return nil, boom })
		require.Error(t, err)
	}

	_, err := b.Embed(func() ([][]float32, error) {
		t.Fatal("open circuit must not invoke the call")
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, cerr.IsRetryable(err), "open circuit reads as transient")
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("test")
	rejected := cerr.PermanentRPC("bad request", nil)

	for i := 0; i < 10; i++ {
		_, err := b.Embed(func() ([][]float32, error) { return nil, rejected })
		require.Error(t, err)
		assert.Equal(t, cerr.ErrCodeRPCRejected, cerr.GetCode(err))
	}

	// Circuit stays closed: the call is still attempted.
	called := false
	_, _ = b.Embed(func() ([][]float32, error) { called = true; return [][]float32{}, nil })
	assert.True(t, called)
}
