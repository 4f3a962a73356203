package vector

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// LocalStore is the embedded driver for development, tests and
// air-gapped runs: an HNSW graph serves the dense arm and a bleve BM25
// index serves the lexical arm in place of SPLADE. Hybrid fusion
// semantics match the Qdrant driver exactly.
type LocalStore struct {
	mu          sync.RWMutex
	dataDir     string
	collections map[string]*localCollection
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local store. With dataDir empty the bleve
// indexes live in memory; otherwise they persist under dataDir. Graphs
// and payloads are rebuilt by re-ingesting.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, cerr.ConfigError("create vector data dir", err)
		}
	}
	return &LocalStore{
		dataDir:     dataDir,
		collections: make(map[string]*localCollection),
	}, nil
}

type localCollection struct {
	mu   sync.RWMutex
	dims int

	graph   *hnsw.Graph[uint64]
	index   bleve.Index
	nextKey uint64

	// Lazy deletion: removing a node from the graph is unreliable in
	// coder/hnsw, so deleted ids are only unmapped and their nodes
	// filtered out of search results.
	idMap  map[string]uint64
	keyMap map[uint64]string

	points map[string]Point
}

// bleveDoc is what gets indexed for the lexical arm.
type bleveDoc struct {
	Text  string `json:"text"`
	Title string `json:"title"`
}

// EnsureCollection creates the in-memory collection when missing. An
// existing collection with different dense dimensions is rejected;
// changing models requires a drop.
func (s *LocalStore) EnsureCollection(_ context.Context, spec CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[spec.Name]; ok {
		if col.dims != spec.DenseDims {
			return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("collection %s has %d dense dims, got %d", spec.Name, col.dims, spec.DenseDims))
		}
		return nil
	}

	var index bleve.Index
	var err error
	mapping := bleve.NewIndexMapping()
	if s.dataDir == "" {
		index, err = bleve.NewMemOnly(mapping)
	} else {
		path := filepath.Join(s.dataDir, spec.Name+".bleve")
		index, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			index, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return cerr.InternalError("open bleve index", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance

	s.collections[spec.Name] = &localCollection{
		dims:   spec.DenseDims,
		graph:  graph,
		index:  index,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		points: make(map[string]Point),
	}
	return nil
}

// DropCollection removes the collection and its on-disk index.
func (s *LocalStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return nil
	}
	delete(s.collections, name)

	if err := col.index.Close(); err != nil {
		return cerr.InternalError("close bleve index", err)
	}
	if s.dataDir != "" {
		if err := os.RemoveAll(filepath.Join(s.dataDir, name+".bleve")); err != nil {
			return cerr.InternalError("remove bleve index", err)
		}
	}
	return nil
}

// CollectionExists reports whether the collection exists.
func (s *LocalStore) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *LocalStore) collection(name string) (*localCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, cerr.ConsistencyError(cerr.ErrCodeMissingRow, "unknown collection "+name)
	}
	return col, nil
}

// Upsert writes points, replacing existing ids.
func (s *LocalStore) Upsert(_ context.Context, collection string, points []Point) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	batch := col.index.NewBatch()
	for _, p := range points {
		if col.dims > 0 && len(p.Dense) != col.dims {
			return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", col.dims, len(p.Dense)))
		}

		if oldKey, exists := col.idMap[p.ID]; exists {
			delete(col.keyMap, oldKey)
		}
		key := col.nextKey
		col.nextKey++

		vec := make([]float32, len(p.Dense))
		copy(vec, p.Dense)
		normalizeInPlace(vec)
		col.graph.Add(hnsw.MakeNode(key, vec))

		col.idMap[p.ID] = key
		col.keyMap[key] = p.ID
		col.points[p.ID] = p

		text, _ := p.Payload[PayloadText].(string)
		title, _ := p.Payload[PayloadTitle].(string)
		if err := batch.Index(p.ID, bleveDoc{Text: text, Title: title}); err != nil {
			return cerr.InternalError("index point", err)
		}
	}

	if err := col.index.Batch(batch); err != nil {
		return cerr.InternalError("flush bleve batch", err)
	}
	return nil
}

// DeleteByDocument removes all points whose payload document_id matches.
func (s *LocalStore) DeleteByDocument(_ context.Context, collection, documentID string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	batch := col.index.NewBatch()
	for id, p := range col.points {
		doc, _ := p.Payload[PayloadDocumentID].(string)
		if doc != documentID {
			continue
		}
		if key, exists := col.idMap[id]; exists {
			delete(col.keyMap, key)
			delete(col.idMap, id)
		}
		delete(col.points, id)
		batch.Delete(id)
	}

	if err := col.index.Batch(batch); err != nil {
		return cerr.InternalError("flush bleve batch", err)
	}
	return nil
}

// Query searches the collection: dense arm over the graph, lexical arm
// over bleve when hybrid, fused with weighted RRF.
func (s *LocalStore) Query(_ context.Context, collection string, q Query) ([]ScoredPoint, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	q = q.withDefaults()

	col.mu.RLock()
	defer col.mu.RUnlock()

	dense := col.searchDense(q.Dense, q.armLimit())

	if !q.Hybrid || q.Text == "" {
		if len(dense) > q.Limit {
			dense = dense[:q.Limit]
		}
		return dense, nil
	}

	lexical, err := col.searchLexical(q.Text, q.armLimit())
	if err != nil {
		return nil, err
	}
	for i := range lexical {
		if p, ok := col.points[lexical[i].ID]; ok {
			lexical[i].Payload = p.Payload
		}
	}

	return FuseRRF(dense, lexical, q.DenseWeight, q.SparseWeight, q.RRFConstant, q.Limit), nil
}

func (col *localCollection) searchDense(query []float32, k int) []ScoredPoint {
	if len(query) == 0 || col.graph.Len() == 0 {
		return []ScoredPoint{}
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-ask to compensate for lazily deleted nodes still in the graph.
	nodes := col.graph.Search(normalized, k*2)

	out := make([]ScoredPoint, 0, k)
	for _, node := range nodes {
		id, live := col.keyMap[node.Key]
		if !live {
			continue
		}
		distance := col.graph.Distance(normalized, node.Value)
		point := col.points[id]
		out = append(out, ScoredPoint{
			ID:      id,
			Score:   1 - float64(distance),
			Payload: point.Payload,
		})
		if len(out) == k {
			break
		}
	}
	return out
}

func (col *localCollection) searchLexical(text string, k int) ([]ScoredPoint, error) {
	query := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(query)
	req.Size = k

	res, err := col.index.Search(req)
	if err != nil {
		return nil, cerr.New(cerr.ErrCodeSearchFailed, "bleve search failed", err)
	}

	out := make([]ScoredPoint, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if _, live := col.idMap[hit.ID]; !live {
			continue
		}
		out = append(out, ScoredPoint{ID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// Count returns the number of live points.
func (s *LocalStore) Count(_ context.Context, collection string) (uint64, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	return uint64(len(col.idMap)), nil
}

// Close closes every bleve index.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, col := range s.collections {
		if err := col.index.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", name, err)
		}
	}
	s.collections = make(map[string]*localCollection)
	return firstErr
}

func normalizeInPlace(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
