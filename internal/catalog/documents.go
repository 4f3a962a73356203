package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// DocStatus classifies a document during reconciliation.
type DocStatus string

const (
	// DocUnchanged: same source_ref, same content hash. Skip re-embedding.
	DocUnchanged DocStatus = "unchanged"
	// DocUpdated: same source_ref, new content hash. Delete old points,
	// re-embed.
	DocUpdated DocStatus = "updated"
	// DocNew: first sighting of this source_ref in the dataset.
	DocNew DocStatus = "new"
)

// Document is one ingested file or page.
type Document struct {
	ID          string
	DatasetID   string
	SourceRef   string
	ContentHash string
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WebProvenance records the HTTP caching state of a fetched page.
type WebProvenance struct {
	DocumentID   string
	URL          string
	ETag         string
	LastModified string
	StatusCode   int
	Version      int
	FetchedAt    time.Time
}

// DocumentID derives the deterministic id for a document.
func DocumentID(datasetID, sourceRef string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(datasetID+"/"+sourceRef)).String()
}

// ReconcileDocument compares the incoming content hash against the
// stored row and upserts it. The returned status tells the pipeline
// whether embedding work is needed.
func (c *Catalog) ReconcileDocument(ctx context.Context, datasetID, sourceRef, contentHash string) (Document, DocStatus, error) {
	doc := Document{
		ID:          DocumentID(datasetID, sourceRef),
		DatasetID:   datasetID,
		SourceRef:   sourceRef,
		ContentHash: contentHash,
	}

	var existingHash string
	err := c.pool.QueryRow(ctx, `
		SELECT content_hash FROM corpusd.documents
		WHERE dataset_id = $1 AND source_ref = $2`,
		datasetID, sourceRef,
	).Scan(&existingHash)

	status := DocNew
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		status = DocNew
	case err != nil:
		return Document{}, "", cerr.TransientRPC("reconcile document", err)
	case existingHash == contentHash:
		status = DocUnchanged
	default:
		status = DocUpdated
	}

	if status == DocUnchanged {
		err = c.pool.QueryRow(ctx, `
			SELECT id, chunk_count, created_at, updated_at FROM corpusd.documents
			WHERE dataset_id = $1 AND source_ref = $2`,
			datasetID, sourceRef,
		).Scan(&doc.ID, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return Document{}, "", cerr.TransientRPC("load document", err)
		}
		return doc, status, nil
	}

	err = c.pool.QueryRow(ctx, `
		INSERT INTO corpusd.documents (id, dataset_id, source_ref, content_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset_id, source_ref) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		doc.ID, datasetID, sourceRef, contentHash,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, "", cerr.TransientRPC("upsert document", err)
	}
	return doc, status, nil
}

// SetChunkCount records how many chunks a document produced.
func (c *Catalog) SetChunkCount(ctx context.Context, documentID string, count int) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE corpusd.documents SET chunk_count = $2, updated_at = now()
		WHERE id = $1`, documentID, count)
	if err != nil {
		return cerr.TransientRPC("set chunk count", err)
	}
	return nil
}

// ListDocuments returns a dataset's documents ordered by source_ref.
func (c *Catalog) ListDocuments(ctx context.Context, datasetID string) ([]Document, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, dataset_id, source_ref, content_hash, chunk_count, created_at, updated_at
		FROM corpusd.documents WHERE dataset_id = $1 ORDER BY source_ref`, datasetID)
	if err != nil {
		return nil, cerr.TransientRPC("list documents", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.DatasetID, &d.SourceRef, &d.ContentHash,
			&d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, cerr.TransientRPC("scan document", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document row; the caller is responsible for
// deleting its vector points first.
func (c *Catalog) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM corpusd.documents WHERE id = $1`, documentID)
	if err != nil {
		return cerr.TransientRPC("delete document", err)
	}
	return nil
}

// DeleteVanishedDocuments removes documents of a dataset that are not
// in the keep set, returning the removed rows so the pipeline can clear
// their vector points. Used after a full re-enumeration of a source.
func (c *Catalog) DeleteVanishedDocuments(ctx context.Context, datasetID string, keep []string) ([]Document, error) {
	rows, err := c.pool.Query(ctx, `
		DELETE FROM corpusd.documents
		WHERE dataset_id = $1 AND NOT (source_ref = ANY($2))
		RETURNING id, dataset_id, source_ref, content_hash, chunk_count, created_at, updated_at`,
		datasetID, keep)
	if err != nil {
		return nil, cerr.TransientRPC("delete vanished documents", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.DatasetID, &d.SourceRef, &d.ContentHash,
			&d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, cerr.TransientRPC("scan vanished document", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetProvenance loads the web caching state for a document.
func (c *Catalog) GetProvenance(ctx context.Context, documentID string) (WebProvenance, bool, error) {
	var p WebProvenance
	var etag, lastModified *string
	var statusCode *int
	err := c.pool.QueryRow(ctx, `
		SELECT document_id, url, etag, last_modified, status_code, version, fetched_at
		FROM corpusd.web_provenance WHERE document_id = $1`, documentID,
	).Scan(&p.DocumentID, &p.URL, &etag, &lastModified, &statusCode, &p.Version, &p.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebProvenance{}, false, nil
	}
	if err != nil {
		return WebProvenance{}, false, cerr.TransientRPC("get provenance", err)
	}
	if etag != nil {
		p.ETag = *etag
	}
	if lastModified != nil {
		p.LastModified = *lastModified
	}
	if statusCode != nil {
		p.StatusCode = *statusCode
	}
	return p, true, nil
}

// UpsertProvenance records a fetch. bumpVersion marks that the content
// actually changed; conditional refetches that return 304 keep the
// stored version.
func (c *Catalog) UpsertProvenance(ctx context.Context, p WebProvenance, bumpVersion bool) error {
	bump := 0
	if bumpVersion {
		bump = 1
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO corpusd.web_provenance (document_id, url, etag, last_modified, status_code, version, fetched_at)
		VALUES ($1, $2, nullif($3, ''), nullif($4, ''), $5, 1, now())
		ON CONFLICT (document_id) DO UPDATE SET
			url = EXCLUDED.url,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			status_code = EXCLUDED.status_code,
			version = corpusd.web_provenance.version + $6,
			fetched_at = now()`,
		p.DocumentID, p.URL, p.ETag, p.LastModified, p.StatusCode, bump)
	if err != nil {
		return cerr.TransientRPC("upsert provenance", err)
	}
	return nil
}
