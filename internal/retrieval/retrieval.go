// Package retrieval answers queries: it resolves the caller's scope to
// collections, embeds the query once per model, fans hybrid searches
// out across collections, merges the fused hits and reranks them with
// the cross-encoder. Reranker failures fall back to fused order rather
// than failing the query.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/embed"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/rerank"
	"github.com/Zykairotis/corpusd/internal/scope"
	"github.com/Zykairotis/corpusd/internal/vector"
)

// DefaultFanOut caps parallel collection searches.
const DefaultFanOut = 4

// Options carries the retrieval feature flags and tuning.
type Options struct {
	HybridEnabled bool
	RerankEnabled bool

	DenseWeight  float64
	SparseWeight float64
	// RRFConstant and OverFetch tune per-collection fusion; zero values
	// use the vector package defaults.
	RRFConstant int
	OverFetch   int

	// InitialK is the pre-rerank candidate pool (default 150).
	InitialK int
	// FanOutConcurrency caps parallel collection searches.
	FanOutConcurrency int
}

func (o Options) withDefaults() Options {
	if o.InitialK <= 0 {
		o.InitialK = rerank.DefaultInitialK
	}
	if o.FanOutConcurrency <= 0 {
		o.FanOutConcurrency = DefaultFanOut
	}
	return o
}

// Catalog is the scope-resolution slice of the relational catalog.
type Catalog interface {
	VisibleScopes(ctx context.Context, projectName string, includeGlobal bool) ([]catalog.Scope, error)
	CollectionsByName(ctx context.Context, names []string) (map[string]catalog.Collection, error)
}

// Request is one query.
type Request struct {
	Query   string
	Project string
	// DatasetPattern filters the visible datasets (alias, glob or
	// literal, per the scope package). Empty selects all.
	DatasetPattern string
	// IncludeGlobal adds the global project's datasets.
	IncludeGlobal bool
	TopK          int
}

// Result is one ranked snippet.
type Result struct {
	vector.ScoredPoint

	Project    string
	Dataset    string
	Collection string

	// RerankScore is set when the cross-encoder ordered this result.
	RerankScore float64
}

// Timings is the per-step latency breakdown.
type Timings struct {
	Scope  time.Duration `json:"scope_ms"`
	Embed  time.Duration `json:"embed_ms"`
	Search time.Duration `json:"search_ms"`
	Rerank time.Duration `json:"rerank_ms"`
	Total  time.Duration `json:"total_ms"`
}

// Meta describes how the response was produced.
type Meta struct {
	Collections     []string
	HybridUsed      bool
	RerankerUsed    bool
	RerankerSkipped bool
	Candidates      int
	Timings         Timings
}

// Response is the answer to one Request.
type Response struct {
	Results []Result
	Meta    Meta
}

// Pipeline executes queries.
type Pipeline struct {
	cat      Catalog
	store    vector.Store
	router   *embed.Router
	sparse   embed.SparseEmbedder
	reranker rerank.Reranker
	opts     Options
	log      *slog.Logger
}

func New(cat Catalog, store vector.Store, router *embed.Router, sparse embed.SparseEmbedder,
	reranker rerank.Reranker, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cat:      cat,
		store:    store,
		router:   router,
		sparse:   sparse,
		reranker: reranker,
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Query runs the full pipeline.
func (p *Pipeline) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.Query == "" {
		return nil, cerr.ConsistencyError(cerr.ErrCodeQueryEmpty, "query text is empty")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	resp := &Response{Results: []Result{}}

	scopes, err := p.resolveScopes(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Meta.Timings.Scope = time.Since(start)
	if len(scopes) == 0 {
		resp.Meta.Timings.Total = time.Since(start)
		return resp, nil
	}

	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = s.Collection
	}
	resp.Meta.Collections = names

	cols, err := p.cat.CollectionsByName(ctx, names)
	if err != nil {
		return nil, err
	}

	// The reranker needs a deep candidate pool; without it the arms
	// only need to cover topK.
	initialK := req.TopK
	useRerank := p.opts.RerankEnabled && p.reranker != nil
	if useRerank && p.opts.InitialK > initialK {
		initialK = p.opts.InitialK
	}

	embedStart := time.Now()
	dense, sparseVec, err := p.embedQuery(ctx, req.Query, scopes, cols)
	if err != nil {
		return nil, wrapCancelled(ctx, err)
	}
	resp.Meta.Timings.Embed = time.Since(embedStart)
	resp.Meta.HybridUsed = p.opts.HybridEnabled && !sparseVec.IsZero()

	searchStart := time.Now()
	candidates, err := p.fanOut(ctx, req.Query, scopes, cols, dense, sparseVec, initialK)
	if err != nil {
		return nil, wrapCancelled(ctx, err)
	}
	resp.Meta.Timings.Search = time.Since(searchStart)
	resp.Meta.Candidates = len(candidates)

	if len(candidates) > initialK {
		candidates = candidates[:initialK]
	}

	rerankStart := time.Now()
	results := p.rank(ctx, req.Query, candidates, req.TopK, useRerank, &resp.Meta)
	resp.Meta.Timings.Rerank = time.Since(rerankStart)

	resp.Results = results
	resp.Meta.Timings.Total = time.Since(start)
	return resp, nil
}

// resolveScopes lists the visible collections, filtered by the dataset
// pattern.
func (p *Pipeline) resolveScopes(ctx context.Context, req Request) ([]catalog.Scope, error) {
	scopes, err := p.cat.VisibleScopes(ctx, req.Project, req.IncludeGlobal)
	if err != nil {
		return nil, err
	}
	if req.DatasetPattern == "" {
		return scopes, nil
	}

	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = s.Dataset
	}
	matched := scope.ExpandPattern(req.DatasetPattern, names)
	keep := make(map[string]bool, len(matched))
	for _, name := range matched {
		keep[name] = true
	}

	var filtered []catalog.Scope
	for _, s := range scopes {
		if keep[s.Dataset] {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// embedQuery embeds the query once per dense model in use, plus one
// sparse embedding when the hybrid arm is on.
func (p *Pipeline) embedQuery(ctx context.Context, query string, scopes []catalog.Scope,
	cols map[string]catalog.Collection) (map[string][]float32, embed.SparseVector, error) {

	models := make(map[string]bool)
	for _, s := range scopes {
		models[cols[s.Collection].DenseModel] = true
	}

	dense := make(map[string][]float32, len(models))
	for model := range models {
		vecs, err := p.router.ForQuery(model).Embed(ctx, []string{query})
		if err != nil {
			return nil, embed.SparseVector{}, err
		}
		if len(vecs) != 1 {
			return nil, embed.SparseVector{}, cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed, "query embedding count mismatch")
		}
		dense[model] = vecs[0]
	}

	var sparseVec embed.SparseVector
	if p.opts.HybridEnabled && p.sparse != nil {
		vecs, err := p.sparse.EmbedSparse(ctx, []string{query})
		if err != nil {
			// The dense arm still works; degrade instead of failing.
			p.log.Warn("sparse query embedding failed, dense-only search", "error", err)
		} else if len(vecs) == 1 {
			sparseVec = vecs[0]
		}
	}
	return dense, sparseVec, nil
}

// fanOut searches every collection in parallel and merges the hits by
// fused score.
func (p *Pipeline) fanOut(ctx context.Context, query string, scopes []catalog.Scope,
	cols map[string]catalog.Collection, dense map[string][]float32,
	sparseVec embed.SparseVector, limit int) ([]Result, error) {

	var mu sync.Mutex
	var merged []Result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FanOutConcurrency)
	for _, sc := range scopes {
		g.Go(func() error {
			exists, err := p.store.CollectionExists(gctx, sc.Collection)
			if err != nil {
				return err
			}
			if !exists {
				return nil
			}

			hybrid := p.opts.HybridEnabled && !sparseVec.IsZero()
			hits, err := p.store.Query(gctx, sc.Collection, vector.Query{
				Dense:        dense[cols[sc.Collection].DenseModel],
				Sparse:       sparseVec,
				Text:         query,
				Hybrid:       hybrid,
				Limit:        limit,
				DenseWeight:  p.opts.DenseWeight,
				SparseWeight: p.opts.SparseWeight,
				RRFConstant:  p.opts.RRFConstant,
				OverFetch:    p.opts.OverFetch,
			})
			if err != nil {
				return err
			}

			mu.Lock()
			for _, hit := range hits {
				merged = append(merged, Result{
					ScoredPoint: hit,
					Project:     sc.Project,
					Dataset:     sc.Dataset,
					Collection:  sc.Collection,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, nil
}

// rank applies the cross-encoder. On failure the fused order stands and
// the response says so.
func (p *Pipeline) rank(ctx context.Context, query string, candidates []Result,
	topK int, useRerank bool, meta *Meta) []Result {

	if !useRerank || len(candidates) == 0 {
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		return candidates
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = rerankDoc(c.Payload)
	}

	ranked, err := p.reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		p.log.Warn("reranker failed, keeping fused order", "error", err)
		meta.RerankerSkipped = true
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		return candidates
	}

	meta.RerankerUsed = true
	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		res := candidates[r.Index]
		res.RerankScore = r.Score
		res.Score = r.Score
		results = append(results, res)
	}
	return results
}

// rerankDoc builds the candidate text the cross-encoder scores: the
// source path or URL on the first line, then the chunk text. The
// location line lets the model weigh file and section context.
func rerankDoc(payload map[string]any) string {
	text, _ := payload[vector.PayloadText].(string)
	ref, _ := payload[vector.PayloadSourceRef].(string)
	if ref == "" {
		ref, _ = payload[vector.PayloadURL].(string)
	}
	if ref == "" {
		return text
	}
	return ref + "\n" + text
}

func wrapCancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cerr.Cancelled("query cancelled")
	}
	return err
}
