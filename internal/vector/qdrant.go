package vector

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// QdrantConfig configures the Qdrant driver.
type QdrantConfig struct {
	// Addr is host:port of the gRPC endpoint, default localhost:6334.
	Addr   string
	APIKey string
	UseTLS bool
}

// QdrantStore is the production driver: named dense and sparse vectors
// per collection, sparse weighted with the IDF modifier server-side.
// Hybrid queries run the two arms as separate queries and fuse ranks
// in-process, keeping the weighted RRF semantics identical across
// drivers.
type QdrantStore struct {
	client *qdrant.Client
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant over gRPC.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		return nil, cerr.ConfigError(fmt.Sprintf("invalid qdrant address %q", cfg.Addr), err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, cerr.TransientRPC("connect to qdrant", err)
	}
	return &QdrantStore{client: client}, nil
}

func splitAddr(addr string) (string, int, error) {
	if addr == "" {
		return "localhost", 6334, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection when missing. An existing
// collection with different dense dimensions is rejected; changing
// models requires a drop.
func (s *QdrantStore) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	exists, err := s.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return cerr.TransientRPC("check collection", err)
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, spec.Name)
		if err != nil {
			return cerr.TransientRPC("get collection info", err)
		}
		params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[DenseVectorName]
		if got := params.GetSize(); got != uint64(spec.DenseDims) {
			return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("collection %s has %d dense dims, got %d", spec.Name, got, spec.DenseDims))
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			DenseVectorName: {
				Size:     uint64(spec.DenseDims),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			SparseVectorName: {
				Modifier: qdrant.Modifier_Idf.Enum(),
			},
		}),
	})
	if err != nil {
		return cerr.TransientRPC("create collection "+spec.Name, err)
	}
	return nil
}

// DropCollection removes the collection and all its points.
func (s *QdrantStore) DropCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return cerr.TransientRPC("drop collection "+name, err)
	}
	return nil
}

// CollectionExists reports whether the collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, cerr.TransientRPC("check collection", err)
	}
	return exists, nil
}

// Upsert writes points with both named vectors. Wait is set so a
// completed ingest phase means the points are searchable.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		vectors := map[string]*qdrant.Vector{
			DenseVectorName: qdrant.NewVectorDense(p.Dense),
		}
		if !p.Sparse.IsZero() {
			vectors[SparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return cerr.TransientRPC("upsert points", err)
	}
	return nil
}

// DeleteByDocument removes all points carrying the document id.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(PayloadDocumentID, documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return cerr.TransientRPC("delete document points", err)
	}
	return nil
}

// Query searches the collection. Hybrid queries run both arms and fuse
// in-process; otherwise the dense arm alone is searched.
func (s *QdrantStore) Query(ctx context.Context, collection string, q Query) ([]ScoredPoint, error) {
	q = q.withDefaults()

	dense, err := s.queryArm(ctx, collection, qdrant.NewQueryDense(q.Dense), DenseVectorName, q.armLimit())
	if err != nil {
		return nil, err
	}

	if !q.Hybrid || q.Sparse.IsZero() {
		if len(dense) > q.Limit {
			dense = dense[:q.Limit]
		}
		return dense, nil
	}

	sparse, err := s.queryArm(ctx, collection,
		qdrant.NewQuerySparse(q.Sparse.Indices, q.Sparse.Values), SparseVectorName, q.armLimit())
	if err != nil {
		return nil, err
	}

	return FuseRRF(dense, sparse, q.DenseWeight, q.SparseWeight, q.RRFConstant, q.Limit), nil
}

func (s *QdrantStore) queryArm(ctx context.Context, collection string, query *qdrant.Query, using string, limit int) ([]ScoredPoint, error) {
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          query,
		Using:          qdrant.PtrOf(using),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, cerr.New(cerr.ErrCodeSearchFailed, "qdrant query failed", err).
			WithDetail("collection", collection).WithDetail("arm", using)
	}

	out := make([]ScoredPoint, len(hits))
	for i, hit := range hits {
		out[i] = ScoredPoint{
			ID:      hit.GetId().GetUuid(),
			Score:   float64(hit.GetScore()),
			Payload: payloadToMap(hit.GetPayload()),
		}
	}
	return out, nil
}

// Count returns the exact point count.
func (s *QdrantStore) Count(ctx context.Context, collection string) (uint64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, cerr.TransientRPC("count points", err)
	}
	return count, nil
}

// payloadToMap flattens qdrant payload values to plain Go types.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = valueToAny(value)
	}
	return out
}

func valueToAny(value *qdrant.Value) any {
	switch kind := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		nested := make(map[string]any, len(fields))
		for k, v := range fields {
			nested[k] = valueToAny(v)
		}
		return nested
	default:
		return nil
	}
}
