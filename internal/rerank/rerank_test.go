package rerank

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

func server(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{URL: srv.URL, MaxRetries: 1, RetryDelay: time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNoOp_PreservesOrder(t *testing.T) {
	results, err := NoOp{}.Rerank(t.Context(), "q", []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestNoOp_TopK(t *testing.T) {
	results, err := NoOp{}.Rerank(t.Context(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestClient_BareArrayResponse(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "how to auth", req.Query)
		fmt.Fprint(w, `[0.2, 0.9, 0.5]`)
	})

	results, err := c.Rerank(t.Context(), "how to auth", []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Sorted by score descending, index points into the input.
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
}

func TestClient_WrappedScoresResponse(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"scores": [0.1, 0.8]}`)
	})

	results, err := c.Rerank(t.Context(), "q", []string{"a", "b"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
}

func TestClient_TruncatesDocuments(t *testing.T) {
	var gotLen atomic.Int32
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotLen.Store(int32(len(req.Documents[0])))
		fmt.Fprint(w, `[0.5]`)
	})
	c.cfg.TextMaxChars = 100

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := c.Rerank(t.Context(), "q", []string{string(long)}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(100), gotLen.Load())
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// "héllo" is h(1) é(2) l l o; a 2-byte cap falls inside é.
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "héllo", truncate("héllo", 10))

	// Cap inside a 4-byte emoji drops the whole rune.
	assert.Equal(t, "ok ", truncate("ok \U0001F600", 5))
	assert.True(t, utf8.ValidString(truncate("日本語テキスト", 7)))
}

func TestClient_OversizedSplitsOnce(t *testing.T) {
	var calls atomic.Int32
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		scores := make([]float64, len(req.Documents))
		for i := range scores {
			scores[i] = 0.5
		}
		_ = json.NewEncoder(w).Encode(scores)
	})

	results, err := c.Rerank(t.Context(), "q", []string{"a", "b", "c", "d"}, 0)
	require.NoError(t, err)
	assert.Len(t, results, 4)
	// One oversized attempt, then two halves.
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_OversizedSingleDocumentFails(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})

	_, err := c.Rerank(t.Context(), "q", []string{"only"}, 0)
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeRPCOversized, cerr.GetCode(err))
}

func TestClient_ScoreCountMismatch(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[0.5]`)
	})

	_, err := c.Rerank(t.Context(), "q", []string{"a", "b"}, 0)
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeSearchFailed, cerr.GetCode(err))
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	var calls atomic.Int32
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[0.7]`)
	})

	results, err := c.Rerank(t.Context(), "q", []string{"a"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_TopK(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[0.1, 0.9, 0.5, 0.3]`)
	})

	results, err := c.Rerank(t.Context(), "q", []string{"a", "b", "c", "d"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
}

func TestClient_EmptyInput(t *testing.T) {
	c := NewClient(Config{URL: "http://unused"})
	results, err := c.Rerank(t.Context(), "q", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}
