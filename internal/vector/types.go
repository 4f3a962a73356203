// Package vector stores and searches chunk embeddings. Two drivers
// implement the Store interface: a Qdrant driver with named dense and
// sparse vectors, and a local driver backed by an HNSW graph and a
// bleve BM25 index for air-gapped or test use. Hybrid queries run both
// arms and fuse ranks with weighted Reciprocal Rank Fusion.
package vector

import (
	"context"

	"github.com/Zykairotis/corpusd/internal/embed"
)

// Vector names inside a collection.
const (
	DenseVectorName  = "dense"
	SparseVectorName = "sparse"
)

// Fusion defaults. k=60 is the standard RRF smoothing constant.
const (
	DefaultRRFConstant  = 60
	DefaultDenseWeight  = 0.6
	DefaultSparseWeight = 0.4

	// DefaultOverFetch is the per-arm fetch multiplier before fusion.
	DefaultOverFetch = 3
)

// Payload keys stored with every point.
const (
	PayloadText            = "text"
	PayloadTitle           = "chunk_title"
	PayloadSourceRef       = "source_ref"
	PayloadDocumentID      = "document_id"
	PayloadOrdinal         = "ordinal"
	PayloadStartLine       = "start_line"
	PayloadEndLine         = "end_line"
	PayloadLanguage        = "language"
	PayloadKind            = "kind"
	PayloadSymbolName      = "symbol_name"
	PayloadSymbolKind      = "symbol_kind"
	PayloadSymbolParent    = "symbol_parent"
	PayloadSymbolSignature = "symbol_signature"
	PayloadSymbolDocstring = "symbol_docstring"
	PayloadURL             = "url"
	PayloadDomain          = "domain"
	PayloadPageTitle       = "page_title"
	PayloadSectionPath     = "section_path"
)

// Point is one chunk ready for storage: a deterministic UUID, both
// embeddings and the retrieval payload.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  embed.SparseVector
	Payload map[string]any
}

// ScoredPoint is one search hit. DenseScore and SparseScore preserve
// the per-arm raw scores; Score is the arm score for single-arm queries
// and the normalized RRF score for hybrid ones.
type ScoredPoint struct {
	ID          string
	Score       float64
	DenseScore  float64
	SparseScore float64
	DenseRank   int // 1-indexed, 0 when absent from the arm
	SparseRank  int
	Payload     map[string]any
}

// CollectionSpec describes a collection to create.
type CollectionSpec struct {
	Name      string
	DenseDims int
}

// Query is one search against a collection.
type Query struct {
	// Dense is the dense query vector; nil skips the dense arm.
	Dense []float32

	// Sparse is the SPLADE query vector; zero skips the sparse arm.
	Sparse embed.SparseVector

	// Text is the raw query text, used by drivers whose sparse arm is
	// lexical (the local BM25 driver).
	Text string

	// Hybrid requests rank fusion of both arms. With Hybrid false the
	// dense arm alone is searched.
	Hybrid bool

	Limit        int
	DenseWeight  float64
	SparseWeight float64
	RRFConstant  int

	// OverFetch multiplies Limit for each arm before fusion.
	OverFetch int
}

func (q Query) withDefaults() Query {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.DenseWeight <= 0 {
		q.DenseWeight = DefaultDenseWeight
	}
	if q.SparseWeight <= 0 {
		q.SparseWeight = DefaultSparseWeight
	}
	if q.RRFConstant <= 0 {
		q.RRFConstant = DefaultRRFConstant
	}
	if q.OverFetch <= 0 {
		q.OverFetch = DefaultOverFetch
	}
	return q
}

// armLimit is how many candidates each arm fetches.
func (q Query) armLimit() int {
	return q.Limit * q.OverFetch
}

// Store is a vector storage backend. Collection names arrive already
// scoped (project and dataset baked in by the scope package).
type Store interface {
	EnsureCollection(ctx context.Context, spec CollectionSpec) error
	DropCollection(ctx context.Context, name string) error
	CollectionExists(ctx context.Context, name string) (bool, error)

	// Upsert writes points; existing IDs are overwritten.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByDocument removes every point whose payload document_id
	// matches.
	DeleteByDocument(ctx context.Context, collection, documentID string) error

	Query(ctx context.Context, collection string, q Query) ([]ScoredPoint, error)

	// Count returns the number of stored points.
	Count(ctx context.Context, collection string) (uint64, error)

	Close() error
}
