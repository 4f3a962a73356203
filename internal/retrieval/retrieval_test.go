package retrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/embed"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/rerank"
	"github.com/Zykairotis/corpusd/internal/vector"
)

type fakeCatalog struct {
	scopes []catalog.Scope
	cols   map[string]catalog.Collection
}

func (f *fakeCatalog) VisibleScopes(_ context.Context, _ string, _ bool) ([]catalog.Scope, error) {
	return f.scopes, nil
}

func (f *fakeCatalog) CollectionsByName(_ context.Context, _ []string) (map[string]catalog.Collection, error) {
	return f.cols, nil
}

type fakeDense struct {
	model string
	calls int
	fail  error
}

func hashVec(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 4)
	for i := range vec {
		vec[i] = float32(sum[i]) / 255
	}
	return vec
}

func (f *fakeDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVec(t)
	}
	return out, nil
}

func (f *fakeDense) Dimensions() int { return 4 }
func (f *fakeDense) Model() string   { return f.model }
func (f *fakeDense) Close() error    { return nil }

type fakeSparse struct{ fail error }

func (f *fakeSparse) EmbedSparse(_ context.Context, texts []string) ([]embed.SparseVector, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]embed.SparseVector, len(texts))
	for i := range texts {
		out[i] = embed.SparseVector{Indices: []uint32{7}, Values: []float32{1}}
	}
	return out, nil
}

func (f *fakeSparse) Close() error { return nil }

type fakeReranker struct {
	fail    error
	reverse bool
	docs    []string
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string, topK int) ([]rerank.Result, error) {
	f.docs = docs
	if f.fail != nil {
		return nil, f.fail
	}
	results := make([]rerank.Result, len(docs))
	for i := range docs {
		idx := i
		if f.reverse {
			idx = len(docs) - 1 - i
		}
		results[i] = rerank.Result{Index: idx, Score: 10 - float64(i)}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (f *fakeReranker) Close() error { return nil }

// seedStore creates a collection and writes points whose dense vectors
// come from the same hash embedding the fake embedder uses, so a query
// for a chunk's own text ranks it first.
func seedStore(t *testing.T, store vector.Store, collection string, texts map[string]string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, store.EnsureCollection(ctx, vector.CollectionSpec{Name: collection, DenseDims: 4}))

	var points []vector.Point
	for id, text := range texts {
		points = append(points, vector.Point{
			ID:    id,
			Dense: hashVec(text),
			Payload: map[string]any{
				vector.PayloadText:       text,
				vector.PayloadTitle:      "t-" + id,
				vector.PayloadDocumentID: "doc-" + id,
			},
		})
	}
	require.NoError(t, store.Upsert(ctx, collection, points))
}

func newFixture(t *testing.T, opts Options, reranker rerank.Reranker, sparse embed.SparseEmbedder) (*Pipeline, *fakeCatalog, *vector.LocalStore, *fakeDense) {
	t.Helper()
	store, err := vector.NewLocalStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	text := &fakeDense{model: "m-text"}
	cat := &fakeCatalog{cols: map[string]catalog.Collection{}}
	p := New(cat, store, embed.NewRouter(text, nil), sparse, reranker, opts, nil)
	return p, cat, store, text
}

func addScope(cat *fakeCatalog, project, dataset, collection string) {
	cat.scopes = append(cat.scopes, catalog.Scope{Project: project, Dataset: dataset, Collection: collection})
	cat.cols[collection] = catalog.Collection{Name: collection, DenseModel: "m-text", DenseDims: 4}
}

func TestQuery_EmptyQueryRejected(t *testing.T) {
	p, _, _, _ := newFixture(t, Options{}, nil, nil)

	_, err := p.Query(t.Context(), Request{Project: "p"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeQueryEmpty, cerr.GetCode(err))
}

func TestQuery_NoVisibleScopes(t *testing.T) {
	p, _, _, dense := newFixture(t, Options{}, nil, nil)

	resp, err := p.Query(t.Context(), Request{Query: "anything", Project: "p"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, dense.calls, "no scopes means no embedding work")
}

func TestQuery_FanOutAcrossCollections(t *testing.T) {
	p, cat, store, dense := newFixture(t, Options{}, nil, nil)
	addScope(cat, "p", "code", "project_p_dataset_code")
	addScope(cat, "p", "docs", "project_p_dataset_docs")
	seedStore(t, store, "project_p_dataset_code", map[string]string{
		"c1": "parse the config file",
		"c2": "open a websocket",
	})
	seedStore(t, store, "project_p_dataset_docs", map[string]string{
		"d1": "guide to websockets",
	})

	resp, err := p.Query(t.Context(), Request{Query: "parse the config file", Project: "p", TopK: 10})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "c1", resp.Results[0].ID, "own text is the nearest vector")
	assert.Equal(t, "code", resp.Results[0].Dataset)
	assert.Len(t, resp.Meta.Collections, 2)
	assert.Equal(t, 1, dense.calls, "one model, one query embedding")
	assert.Equal(t, 3, resp.Meta.Candidates)

	seen := map[string]bool{}
	for _, r := range resp.Results {
		seen[r.Collection] = true
	}
	assert.Len(t, seen, 2, "hits come from both collections")
}

func TestQuery_DatasetPatternFilters(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{}, nil, nil)
	addScope(cat, "p", "api-v1.2.0", "c_old")
	addScope(cat, "p", "api-v2.0.0", "c_new")
	seedStore(t, store, "c_old", map[string]string{"o1": "old api"})
	seedStore(t, store, "c_new", map[string]string{"n1": "new api"})

	resp, err := p.Query(t.Context(), Request{
		Query: "api", Project: "p", DatasetPattern: "version:latest", TopK: 10})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "api-v2.0.0", r.Dataset)
	}
	assert.Equal(t, []string{"c_new"}, resp.Meta.Collections)
}

func TestQuery_TopKTruncates(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{}, nil, nil)
	addScope(cat, "p", "code", "c")
	seedStore(t, store, "c", map[string]string{
		"a": "alpha", "b": "beta", "c": "gamma", "d": "delta", "e": "epsilon",
	})

	resp, err := p.Query(t.Context(), Request{Query: "alpha", Project: "p", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestQuery_HybridUsesSparseArm(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{HybridEnabled: true}, nil, &fakeSparse{})
	addScope(cat, "p", "code", "c")
	seedStore(t, store, "c", map[string]string{"a": "reconnect with backoff"})

	resp, err := p.Query(t.Context(), Request{Query: "reconnect with backoff", Project: "p", TopK: 5})
	require.NoError(t, err)
	assert.True(t, resp.Meta.HybridUsed)
	require.NotEmpty(t, resp.Results)
	assert.Positive(t, resp.Results[0].SparseRank, "hybrid hits carry arm ranks")
}

func TestQuery_SparseFailureDegradesToDense(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{HybridEnabled: true}, nil,
		&fakeSparse{fail: errors.New("splade down")})
	addScope(cat, "p", "code", "c")
	seedStore(t, store, "c", map[string]string{"a": "some text"})

	resp, err := p.Query(t.Context(), Request{Query: "some text", Project: "p", TopK: 5})
	require.NoError(t, err, "sparse arm failure must not fail the query")
	assert.False(t, resp.Meta.HybridUsed)
	assert.NotEmpty(t, resp.Results)
}

func TestQuery_RerankerReorders(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{RerankEnabled: true, InitialK: 10},
		&fakeReranker{reverse: true}, nil)
	addScope(cat, "p", "code", "c")
	seedStore(t, store, "c", map[string]string{
		"a": "alpha text", "b": "beta text", "c": "gamma text",
	})

	resp, err := p.Query(t.Context(), Request{Query: "alpha text", Project: "p", TopK: 3})
	require.NoError(t, err)

	assert.True(t, resp.Meta.RerankerUsed)
	assert.False(t, resp.Meta.RerankerSkipped)
	require.Len(t, resp.Results, 3)
	assert.NotEqual(t, "a", resp.Results[0].ID, "reversed order puts the fused winner last")
	assert.Equal(t, "a", resp.Results[2].ID)
	assert.Equal(t, float64(10), resp.Results[0].Score, "rerank score replaces the fused score")
	assert.Equal(t, resp.Results[0].RerankScore, resp.Results[0].Score)
}

func TestQuery_RerankerSeesSourceContext(t *testing.T) {
	rr := &fakeReranker{}
	p, cat, store, _ := newFixture(t, Options{RerankEnabled: true, InitialK: 10}, rr, nil)
	addScope(cat, "p", "code", "c")

	ctx := t.Context()
	require.NoError(t, store.EnsureCollection(ctx, vector.CollectionSpec{Name: "c", DenseDims: 4}))
	require.NoError(t, store.Upsert(ctx, "c", []vector.Point{
		{ID: "f", Dense: hashVec("retry with backoff"), Payload: map[string]any{
			vector.PayloadText:      "retry with backoff",
			vector.PayloadSourceRef: "internal/net/retry.go",
		}},
		{ID: "w", Dense: hashVec("backoff guidance"), Payload: map[string]any{
			vector.PayloadText: "backoff guidance",
			vector.PayloadURL:  "https://docs.example.com/backoff",
		}},
		{ID: "bare", Dense: hashVec("plain chunk"), Payload: map[string]any{
			vector.PayloadText: "plain chunk",
		}},
	}))

	_, err := p.Query(ctx, Request{Query: "retry with backoff", Project: "p", TopK: 3})
	require.NoError(t, err)

	// The cross-encoder scores location plus text, file path or URL on
	// the first line.
	require.Len(t, rr.docs, 3)
	assert.Contains(t, rr.docs, "internal/net/retry.go\nretry with backoff")
	assert.Contains(t, rr.docs, "https://docs.example.com/backoff\nbackoff guidance")
	assert.Contains(t, rr.docs, "plain chunk")
}

func TestQuery_RerankerFailureFallsBack(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{RerankEnabled: true},
		&fakeReranker{fail: errors.New("reranker down")}, nil)
	addScope(cat, "p", "code", "c")
	seedStore(t, store, "c", map[string]string{"a": "alpha text", "b": "beta text"})

	resp, err := p.Query(t.Context(), Request{Query: "alpha text", Project: "p", TopK: 2})
	require.NoError(t, err)

	assert.True(t, resp.Meta.RerankerSkipped)
	assert.False(t, resp.Meta.RerankerUsed)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "a", resp.Results[0].ID, "fused order stands")
}

func TestQuery_MissingVectorCollectionSkipped(t *testing.T) {
	p, cat, store, _ := newFixture(t, Options{}, nil, nil)
	addScope(cat, "p", "code", "c_present")
	addScope(cat, "p", "empty", "c_absent")
	seedStore(t, store, "c_present", map[string]string{"a": "content"})

	resp, err := p.Query(t.Context(), Request{Query: "content", Project: "p", TopK: 5})
	require.NoError(t, err, "catalog rows without a vector collection are skipped")
	assert.Len(t, resp.Results, 1)
}

func TestQuery_CancelledContext(t *testing.T) {
	p, cat, _, dense := newFixture(t, Options{}, nil, nil)
	addScope(cat, "p", "code", "c")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	dense.fail = context.Canceled

	_, err := p.Query(ctx, Request{Query: "anything", Project: "p"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeCancelled, cerr.GetCode(err))
}
