package catalog

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// testCatalog connects to the database named by TEST_DATABASE_URL and
// migrates it. Tests are skipped when the variable is unset so the
// suite stays runnable without Postgres.
func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	cat, err := Connect(t.Context(), url, 4)
	require.NoError(t, err)
	t.Cleanup(cat.Close)
	require.NoError(t, cat.Migrate(t.Context()))

	_, err = cat.pool.Exec(t.Context(), `
		TRUNCATE corpusd.projects, corpusd.ingestion_jobs CASCADE`)
	require.NoError(t, err)
	return cat
}

func TestEnsureProject_DeterministicAndIdempotent(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	p1, err := cat.EnsureProject(ctx, "My Service")
	require.NoError(t, err)
	p2, err := cat.EnsureProject(ctx, "My Service")
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "my-service", p1.NormalizedName)

	got, err := cat.GetProject(ctx, "My Service")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, got.ID)
}

func TestGetProject_Missing(t *testing.T) {
	cat := testCatalog(t)

	_, err := cat.GetProject(t.Context(), "nope")
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeMissingRow, cerr.GetCode(err))
}

func TestEnsureDataset_CollisionRejected(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d1, err := cat.EnsureDataset(ctx, "proj", "my docs", "web")
	require.NoError(t, err)

	// Exact same raw name returns the existing dataset.
	d2, err := cat.EnsureDataset(ctx, "proj", "my docs", "web")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	// Different spelling, same normalized collection name.
	_, err = cat.EnsureDataset(ctx, "proj", "My-Docs", "web")
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeNameCollision, cerr.GetCode(err))
}

func TestCollections_PinAndCount(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "proj", "code", "github")
	require.NoError(t, err)

	col := Collection{Name: "project_proj_dataset_code", DatasetID: d.ID,
		DenseModel: "text-embedding-3-small", DenseDims: 1536}
	require.NoError(t, cat.UpsertCollection(ctx, col))

	// Same model and dims: the count updates.
	col.PointCount = 42
	require.NoError(t, cat.UpsertCollection(ctx, col))

	// A different model or different dims is rejected, the row is
	// untouched.
	drifted := col
	drifted.DenseModel = "other-model"
	err = cat.UpsertCollection(ctx, drifted)
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeDimensionMismatch, cerr.GetCode(err))

	drifted = col
	drifted.DenseDims = 768
	err = cat.UpsertCollection(ctx, drifted)
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeDimensionMismatch, cerr.GetCode(err))

	got, err := cat.GetCollection(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", got.DenseModel)
	assert.Equal(t, 1536, got.DenseDims)
	assert.Equal(t, int64(42), got.PointCount)

	require.NoError(t, cat.SetPointCount(ctx, col.Name, 99))
	got, err = cat.GetCollection(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.PointCount)
}

func TestReconcileDocument_Lifecycle(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "proj", "code", "github")
	require.NoError(t, err)

	doc, status, err := cat.ReconcileDocument(ctx, d.ID, "pkg/main.go", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, DocNew, status)
	assert.Equal(t, DocumentID(d.ID, "pkg/main.go"), doc.ID)

	_, status, err = cat.ReconcileDocument(ctx, d.ID, "pkg/main.go", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, DocUnchanged, status)

	_, status, err = cat.ReconcileDocument(ctx, d.ID, "pkg/main.go", "hash-b")
	require.NoError(t, err)
	assert.Equal(t, DocUpdated, status)

	require.NoError(t, cat.SetChunkCount(ctx, doc.ID, 7))
	docs, err := cat.ListDocuments(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 7, docs[0].ChunkCount)
	assert.Equal(t, "hash-b", docs[0].ContentHash)
}

func TestDeleteVanishedDocuments(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "proj", "code", "github")
	require.NoError(t, err)

	for _, ref := range []string{"a.go", "b.go", "c.go"} {
		_, _, err := cat.ReconcileDocument(ctx, d.ID, ref, "h-"+ref)
		require.NoError(t, err)
	}

	gone, err := cat.DeleteVanishedDocuments(ctx, d.ID, []string{"a.go", "c.go"})
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, "b.go", gone[0].SourceRef)

	docs, err := cat.ListDocuments(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestProvenance_VersionBumps(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "proj", "docs", "web")
	require.NoError(t, err)
	doc, _, err := cat.ReconcileDocument(ctx, d.ID, "https://example.com/a", "h1")
	require.NoError(t, err)

	_, found, err := cat.GetProvenance(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, found)

	p := WebProvenance{DocumentID: doc.ID, URL: "https://example.com/a",
		ETag: `"v1"`, StatusCode: 200}
	require.NoError(t, cat.UpsertProvenance(ctx, p, true))

	got, found, err := cat.GetProvenance(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, `"v1"`, got.ETag)

	// 304 refetch: no version bump.
	p.StatusCode = 304
	require.NoError(t, cat.UpsertProvenance(ctx, p, false))
	got, _, err = cat.GetProvenance(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	// Content changed.
	p.ETag = `"v2"`
	p.StatusCode = 200
	require.NoError(t, cat.UpsertProvenance(ctx, p, true))
	got, _, err = cat.GetProvenance(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, `"v2"`, got.ETag)
	assert.WithinDuration(t, time.Now(), got.FetchedAt, time.Minute)
}

func TestVisibleScopes(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	seed := func(project, dataset string) {
		d, err := cat.EnsureDataset(ctx, project, dataset, "github")
		require.NoError(t, err)
		require.NoError(t, cat.UpsertCollection(ctx, Collection{
			Name:       fmt.Sprintf("project_%s_dataset_%s", project, dataset),
			DatasetID:  d.ID,
			DenseModel: "m", DenseDims: 4,
		}))
	}
	seed("alpha", "code")
	seed("beta", "code")
	seed(GlobalProject, "shared_docs")

	// Own datasets only.
	scopes, err := cat.VisibleScopes(ctx, "alpha", false)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, "alpha", scopes[0].Project)

	// Global opt-in adds the global project's datasets.
	scopes, err = cat.VisibleScopes(ctx, "alpha", true)
	require.NoError(t, err)
	assert.Len(t, scopes, 2)

	// Sharing beta with alpha.
	beta, err := cat.GetProject(ctx, "beta")
	require.NoError(t, err)
	require.NoError(t, cat.ShareProject(ctx, beta.ID, "alpha", nil))
	scopes, err = cat.VisibleScopes(ctx, "alpha", false)
	require.NoError(t, err)
	assert.Len(t, scopes, 2)

	// Project "all" sees everything.
	scopes, err = cat.VisibleScopes(ctx, "all", false)
	require.NoError(t, err)
	assert.Len(t, scopes, 3)
}

func TestShareProject_Expiry(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "beta", "code", "github")
	require.NoError(t, err)
	require.NoError(t, cat.UpsertCollection(ctx, Collection{
		Name: "project_beta_dataset_code", DatasetID: d.ID, DenseModel: "m", DenseDims: 4}))
	_, err = cat.EnsureProject(ctx, "alpha")
	require.NoError(t, err)

	beta, err := cat.GetProject(ctx, "beta")
	require.NoError(t, err)

	// An expired share grants nothing.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, cat.ShareProject(ctx, beta.ID, "alpha", &past))
	scopes, err := cat.VisibleScopes(ctx, "alpha", false)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	// Re-sharing with a future deadline revives it.
	future := time.Now().Add(time.Hour)
	require.NoError(t, cat.ShareProject(ctx, beta.ID, "alpha", &future))
	scopes, err = cat.VisibleScopes(ctx, "alpha", false)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, "beta", scopes[0].Project)
}

func TestStats(t *testing.T) {
	cat := testCatalog(t)
	ctx := t.Context()

	d, err := cat.EnsureDataset(ctx, "proj", "code", "github")
	require.NoError(t, err)
	require.NoError(t, cat.UpsertCollection(ctx, Collection{
		Name: "project_proj_dataset_code", DatasetID: d.ID, DenseModel: "m", DenseDims: 4}))

	doc, _, err := cat.ReconcileDocument(ctx, d.ID, "a.go", "h")
	require.NoError(t, err)
	require.NoError(t, cat.SetChunkCount(ctx, doc.ID, 5))

	stats, err := cat.Stats(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Datasets)
	assert.Equal(t, int64(1), stats.Documents)
	assert.Equal(t, int64(5), stats.Chunks)
	require.Len(t, stats.Collection, 1)
	assert.Equal(t, "project_proj_dataset_code", stats.Collection[0].Name)
}
