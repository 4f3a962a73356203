package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/scope"
)

// GlobalProject is the reserved project whose datasets are visible to
// every other project when a query opts into global scope.
const GlobalProject = "global"

// Project is one tenant.
type Project struct {
	ID             string
	Name           string
	NormalizedName string
	CreatedAt      time.Time
}

// Dataset is one ingestion target inside a project.
type Dataset struct {
	ID             string
	ProjectID      string
	Name           string
	NormalizedName string
	SourceKind     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Collection is the vector collection backing a dataset.
type Collection struct {
	Name       string
	DatasetID  string
	DenseModel string
	DenseDims  int
	PointCount int64
	UpdatedAt  time.Time
}

// Scope is one searchable (project, dataset, collection) triple.
type Scope struct {
	Project    string
	Dataset    string
	Collection string
}

// EnsureProject creates the project when missing. IDs are deterministic
// (uuid5 of the name) so re-creation after a wipe yields the same id.
func (c *Catalog) EnsureProject(ctx context.Context, name string) (Project, error) {
	if name == "" {
		name = "default"
	}
	p := Project{
		ID:             scope.ProjectID(name).String(),
		Name:           name,
		NormalizedName: scope.Normalize(name),
	}

	err := c.pool.QueryRow(ctx, `
		INSERT INTO corpusd.projects (id, name, normalized_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING created_at`,
		p.ID, p.Name, p.NormalizedName,
	).Scan(&p.CreatedAt)
	if err != nil {
		return Project{}, cerr.TransientRPC("ensure project", err)
	}
	return p, nil
}

// GetProject looks a project up by name.
func (c *Catalog) GetProject(ctx context.Context, name string) (Project, error) {
	var p Project
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, normalized_name, created_at
		FROM corpusd.projects WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.NormalizedName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, cerr.ConsistencyError(cerr.ErrCodeMissingRow, "project not found: "+name)
	}
	if err != nil {
		return Project{}, cerr.TransientRPC("get project", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (c *Catalog) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, name, normalized_name, created_at
		FROM corpusd.projects ORDER BY name`)
	if err != nil {
		return nil, cerr.TransientRPC("list projects", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.NormalizedName, &p.CreatedAt); err != nil {
			return nil, cerr.TransientRPC("scan project", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// EnsureDataset creates the dataset under the project when missing and
// verifies its collection name does not collide with an existing one
// from a differently-spelled raw name.
func (c *Catalog) EnsureDataset(ctx context.Context, projectName, datasetName, sourceKind string) (Dataset, error) {
	project, err := c.EnsureProject(ctx, projectName)
	if err != nil {
		return Dataset{}, err
	}

	existing, err := c.ListDatasets(ctx, project.ID)
	if err != nil {
		return Dataset{}, err
	}
	names := make([]string, 0, len(existing)+1)
	for _, d := range existing {
		if d.Name == datasetName {
			return d, nil
		}
		names = append(names, d.Name)
	}
	names = append(names, datasetName)
	if err := scope.EnsureDistinct(names); err != nil {
		return Dataset{}, err
	}

	d := Dataset{
		ID:             scope.DatasetID(project.Name, datasetName).String(),
		ProjectID:      project.ID,
		Name:           datasetName,
		NormalizedName: scope.Normalize(datasetName),
		SourceKind:     sourceKind,
	}
	err = c.pool.QueryRow(ctx, `
		INSERT INTO corpusd.datasets (id, project_id, name, normalized_name, source_kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, name) DO UPDATE SET updated_at = now()
		RETURNING created_at, updated_at`,
		d.ID, d.ProjectID, d.Name, d.NormalizedName, d.SourceKind,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Dataset{}, cerr.TransientRPC("ensure dataset", err)
	}
	return d, nil
}

// ListDatasets returns a project's datasets ordered by name.
func (c *Catalog) ListDatasets(ctx context.Context, projectID string) ([]Dataset, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, project_id, name, normalized_name, source_kind, created_at, updated_at
		FROM corpusd.datasets WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, cerr.TransientRPC("list datasets", err)
	}
	defer rows.Close()

	var datasets []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.NormalizedName,
			&d.SourceKind, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, cerr.TransientRPC("scan dataset", err)
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// DeleteDataset removes the dataset row; documents, provenance and the
// collection row cascade.
func (c *Catalog) DeleteDataset(ctx context.Context, datasetID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM corpusd.datasets WHERE id = $1`, datasetID)
	if err != nil {
		return cerr.TransientRPC("delete dataset", err)
	}
	return nil
}

// UpsertCollection records the vector collection backing a dataset.
// The dense model and dimensions are pinned on first write; a write
// with different dims or model is rejected, re-ingest into a fresh
// collection instead.
func (c *Catalog) UpsertCollection(ctx context.Context, col Collection) error {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO corpusd.collections (name, dataset_id, dense_model, dense_dims, point_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			point_count = EXCLUDED.point_count,
			updated_at = now()
		WHERE corpusd.collections.dense_dims = EXCLUDED.dense_dims
		  AND corpusd.collections.dense_model = EXCLUDED.dense_model`,
		col.Name, col.DatasetID, col.DenseModel, col.DenseDims, col.PointCount)
	if err != nil {
		return cerr.TransientRPC("upsert collection", err)
	}
	if tag.RowsAffected() == 0 {
		return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("collection %s exists with different dense dims or model", col.Name))
	}
	return nil
}

// GetCollection looks a collection up by dataset id.
func (c *Catalog) GetCollection(ctx context.Context, datasetID string) (Collection, error) {
	var col Collection
	err := c.pool.QueryRow(ctx, `
		SELECT name, dataset_id, dense_model, dense_dims, point_count, updated_at
		FROM corpusd.collections WHERE dataset_id = $1`, datasetID,
	).Scan(&col.Name, &col.DatasetID, &col.DenseModel, &col.DenseDims, &col.PointCount, &col.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Collection{}, cerr.ConsistencyError(cerr.ErrCodeMissingRow, "collection not found for dataset "+datasetID)
	}
	if err != nil {
		return Collection{}, cerr.TransientRPC("get collection", err)
	}
	return col, nil
}

// CollectionsByName loads collection rows keyed by name. Missing names
// are simply absent from the map.
func (c *Catalog) CollectionsByName(ctx context.Context, names []string) (map[string]Collection, error) {
	if len(names) == 0 {
		return map[string]Collection{}, nil
	}
	rows, err := c.pool.Query(ctx, `
		SELECT name, dataset_id, dense_model, dense_dims, point_count, updated_at
		FROM corpusd.collections WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, cerr.TransientRPC("load collections", err)
	}
	defer rows.Close()

	cols := make(map[string]Collection, len(names))
	for rows.Next() {
		var col Collection
		if err := rows.Scan(&col.Name, &col.DatasetID, &col.DenseModel, &col.DenseDims,
			&col.PointCount, &col.UpdatedAt); err != nil {
			return nil, cerr.TransientRPC("scan collection", err)
		}
		cols[col.Name] = col
	}
	return cols, rows.Err()
}

// SetPointCount updates the cached point count for a collection.
func (c *Catalog) SetPointCount(ctx context.Context, collection string, count int64) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE corpusd.collections SET point_count = $2, updated_at = now()
		WHERE name = $1`, collection, count)
	if err != nil {
		return cerr.TransientRPC("set point count", err)
	}
	return nil
}

// ShareProject makes a project's datasets visible to another project
// name, or to everyone with sharedWith = "all". A nil expiresAt grants
// an open-ended share; otherwise the share stops resolving once the
// deadline passes. Re-sharing overwrites the deadline.
func (c *Catalog) ShareProject(ctx context.Context, projectID, sharedWith string, expiresAt *time.Time) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO corpusd.project_shares (project_id, shared_with, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, shared_with) DO UPDATE SET
			expires_at = EXCLUDED.expires_at`, projectID, sharedWith, expiresAt)
	if err != nil {
		return cerr.TransientRPC("share project", err)
	}
	return nil
}

// VisibleScopes returns every (project, dataset, collection) triple a
// query from the named project may search: the project's own datasets,
// the global project's datasets when includeGlobal is set, and datasets
// of projects shared with it. Project "all" sees everything.
func (c *Catalog) VisibleScopes(ctx context.Context, projectName string, includeGlobal bool) ([]Scope, error) {
	const base = `
		SELECT p.name, d.name, col.name
		FROM corpusd.datasets d
		JOIN corpusd.projects p ON p.id = d.project_id
		JOIN corpusd.collections col ON col.dataset_id = d.id`

	var rows pgx.Rows
	var err error
	if projectName == "all" {
		rows, err = c.pool.Query(ctx, base+` ORDER BY p.name, d.name`)
	} else {
		query := base + `
		WHERE p.name = $1
		   OR ($2 AND p.name = $3)
		   OR EXISTS (
			SELECT 1 FROM corpusd.project_shares s
			WHERE s.project_id = p.id AND s.shared_with IN ($1, 'all')
			  AND (s.expires_at IS NULL OR s.expires_at > now())
		   )
		ORDER BY p.name, d.name`
		rows, err = c.pool.Query(ctx, query, projectName, includeGlobal, GlobalProject)
	}
	if err != nil {
		return nil, cerr.TransientRPC("resolve scopes", err)
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.Project, &s.Dataset, &s.Collection); err != nil {
			return nil, cerr.TransientRPC("scan scope", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// ProjectStats summarizes a project for the stats surface.
type ProjectStats struct {
	Project    string
	Datasets   int64
	Documents  int64
	Chunks     int64
	Collection []Collection
}

// Stats aggregates dataset, document and chunk counts for a project.
func (c *Catalog) Stats(ctx context.Context, projectName string) (ProjectStats, error) {
	stats := ProjectStats{Project: projectName}

	err := c.pool.QueryRow(ctx, `
		WITH proj AS (SELECT id FROM corpusd.projects WHERE name = $1)
		SELECT
			(SELECT count(*) FROM corpusd.datasets d WHERE d.project_id IN (SELECT id FROM proj)),
			(SELECT count(*) FROM corpusd.documents doc
				JOIN corpusd.datasets d ON d.id = doc.dataset_id
				WHERE d.project_id IN (SELECT id FROM proj)),
			(SELECT coalesce(sum(doc.chunk_count), 0) FROM corpusd.documents doc
				JOIN corpusd.datasets d ON d.id = doc.dataset_id
				WHERE d.project_id IN (SELECT id FROM proj))`, projectName,
	).Scan(&stats.Datasets, &stats.Documents, &stats.Chunks)
	if err != nil {
		return ProjectStats{}, cerr.TransientRPC("project stats", err)
	}

	rows, err := c.pool.Query(ctx, `
		SELECT col.name, col.dataset_id, col.dense_model, col.dense_dims, col.point_count, col.updated_at
		FROM corpusd.collections col
		JOIN corpusd.datasets d ON d.id = col.dataset_id
		JOIN corpusd.projects p ON p.id = d.project_id
		WHERE p.name = $1 ORDER BY col.name`, projectName)
	if err != nil {
		return ProjectStats{}, cerr.TransientRPC("project collections", err)
	}
	defer rows.Close()

	for rows.Next() {
		var col Collection
		if err := rows.Scan(&col.Name, &col.DatasetID, &col.DenseModel, &col.DenseDims,
			&col.PointCount, &col.UpdatedAt); err != nil {
			return ProjectStats{}, cerr.TransientRPC("scan collection", err)
		}
		stats.Collection = append(stats.Collection, col)
	}
	return stats, rows.Err()
}
