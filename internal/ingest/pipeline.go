// Package ingest turns source trees and fetched pages into embedded,
// searchable points. The pipeline is idempotent per document: content
// hashes decide whether a document is re-embedded, and point ids are
// deterministic so replays converge.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/chunk"
	"github.com/Zykairotis/corpusd/internal/embed"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/scanner"
	"github.com/Zykairotis/corpusd/internal/scope"
	"github.com/Zykairotis/corpusd/internal/vector"
)

// Options bounds the pipeline.
type Options struct {
	// ChunkBatchSize is the number of chunk texts per embed request.
	ChunkBatchSize int
	// MaxConcurrentBatches caps documents in the embed+upsert stages.
	MaxConcurrentBatches int
}

func (o Options) withDefaults() Options {
	if o.ChunkBatchSize <= 0 {
		o.ChunkBatchSize = 32
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = 4
	}
	return o
}

// Catalog is the slice of the relational catalog the pipeline needs.
// *catalog.Catalog implements it.
type Catalog interface {
	EnsureDataset(ctx context.Context, project, dataset, sourceKind string) (catalog.Dataset, error)
	ReconcileDocument(ctx context.Context, datasetID, sourceRef, contentHash string) (catalog.Document, catalog.DocStatus, error)
	SetChunkCount(ctx context.Context, documentID string, count int) error
	UpsertCollection(ctx context.Context, col catalog.Collection) error
	SetPointCount(ctx context.Context, collection string, count int64) error
	DeleteVanishedDocuments(ctx context.Context, datasetID string, keep []string) ([]catalog.Document, error)
	UpsertProvenance(ctx context.Context, p catalog.WebProvenance, bumpVersion bool) error
}

// Pipeline wires the chunkers, embedders, catalog and vector store.
type Pipeline struct {
	cat      Catalog
	store    vector.Store
	router   *embed.Router
	sparse   embed.SparseEmbedder // nil disables the sparse arm
	files    *scanner.Scanner
	code     *chunk.CodeChunker
	web      *chunk.WebChunker
	splitter *chunk.TextSplitter
	opts     Options
	log      *slog.Logger
}

func New(cat Catalog, store vector.Store, router *embed.Router,
	sparse embed.SparseEmbedder, chunkOpts chunk.Options, opts Options, log *slog.Logger) (*Pipeline, error) {
	files, err := scanner.New()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cat:      cat,
		store:    store,
		router:   router,
		sparse:   sparse,
		files:    files,
		code:     chunk.NewCodeChunker(chunkOpts),
		web:      chunk.NewWebChunker(chunkOpts),
		splitter: chunk.NewTextSplitter(chunkOpts),
		opts:     opts.withDefaults(),
		log:      log,
	}, nil
}

func (p *Pipeline) Close() {
	p.code.Close()
	p.web.Close()
}

// FileRequest ingests a local tree (a clone scratch dir or a user path).
type FileRequest struct {
	Project    string
	Dataset    string
	Root       string
	SourceKind string // recorded on the dataset: "github", "files"

	IncludePatterns  []string
	ExcludePatterns  []string
	RespectGitignore bool

	// ForceReindex re-embeds documents whose content hash is unchanged.
	ForceReindex bool

	// Prune removes documents that vanished from the tree. Only safe
	// when the enumeration covered the whole dataset.
	Prune bool

	OnProgress ProgressFunc
}

// Page is one fetched page plus its HTTP caching state.
type Page struct {
	Input      chunk.PageInput
	Provenance *catalog.WebProvenance // nil when the source is not HTTP
}

// PageRequest ingests already-fetched web pages.
type PageRequest struct {
	Project      string
	Dataset      string
	Pages        []Page
	ForceReindex bool
	OnProgress   ProgressFunc
}

// Summary reports what one run did.
type Summary struct {
	Dataset    catalog.Dataset
	Collection string

	Documents     int
	New           int
	Updated       int
	Unchanged     int
	Deleted       int
	Chunks        int
	ParseFailures int
}

// run carries the per-invocation state shared by the stages.
type run struct {
	dataset    catalog.Dataset
	collection string
	model      string
	progress   *ProgressMapper

	mu       sync.Mutex
	ensured  bool
	total    int
	chunked  int
	summary  Summary
	seenRefs []string
}

func (r *run) chunkDone() (done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunked++
	return r.chunked, r.total
}

func (r *run) note(status catalog.DocStatus, chunks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Documents++
	r.summary.Chunks += chunks
	switch status {
	case catalog.DocNew:
		r.summary.New++
	case catalog.DocUpdated:
		r.summary.Updated++
	case catalog.DocUnchanged:
		r.summary.Unchanged++
	}
}

func (r *run) parseFailure() {
	r.mu.Lock()
	r.summary.ParseFailures++
	r.mu.Unlock()
}

func (r *run) seen(sourceRef string) {
	r.mu.Lock()
	r.seenRefs = append(r.seenRefs, sourceRef)
	r.mu.Unlock()
}

// IngestFiles runs the full pipeline over a tree.
func (p *Pipeline) IngestFiles(ctx context.Context, req FileRequest) (Summary, error) {
	r, err := p.begin(ctx, req.Project, req.Dataset, req.SourceKind, req.OnProgress)
	if err != nil {
		return Summary{}, err
	}
	// Acquire happened before this call (clone or user-supplied path).
	r.progress.PhaseDone(PhaseAcquire)

	results, err := p.files.Scan(ctx, scanner.Options{
		Root:             req.Root,
		IncludePatterns:  req.IncludePatterns,
		ExcludePatterns:  req.ExcludePatterns,
		RespectGitignore: req.RespectGitignore,
	})
	if err != nil {
		return r.summary, err
	}

	// Enumerate fully first: totals drive the progress bands and the
	// channel keeps memory flat (entries only, no contents).
	var entries []*scanner.Entry
	for res := range results {
		if res.Err != nil {
			return r.summary, res.Err
		}
		entries = append(entries, res.Entry)
		r.progress.Update(PhaseEnumerate, len(entries), len(entries)+1)
	}
	r.progress.PhaseDone(PhaseEnumerate)
	r.total = len(entries)

	var done int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrentBatches)
	for _, entry := range entries {
		g.Go(func() error {
			if err := p.ingestFile(gctx, r, entry, req.ForceReindex); err != nil {
				return err
			}
			r.mu.Lock()
			done++
			n := done
			r.mu.Unlock()
			r.progress.Update(PhaseUpsert, n, len(entries))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.summary, err
	}

	if req.Prune {
		if err := p.prune(ctx, r); err != nil {
			return r.summary, err
		}
	}
	if err := p.finalize(ctx, r); err != nil {
		return r.summary, err
	}
	return r.summary, nil
}

// IngestPages runs the pipeline over fetched pages.
func (p *Pipeline) IngestPages(ctx context.Context, req PageRequest) (Summary, error) {
	r, err := p.begin(ctx, req.Project, req.Dataset, "web", req.OnProgress)
	if err != nil {
		return Summary{}, err
	}
	r.progress.PhaseDone(PhaseAcquire)
	r.progress.PhaseDone(PhaseEnumerate)

	var done int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrentBatches)
	for _, page := range req.Pages {
		g.Go(func() error {
			if err := p.ingestPage(gctx, r, page, req.ForceReindex); err != nil {
				return err
			}
			r.mu.Lock()
			done++
			n := done
			r.mu.Unlock()
			r.progress.Update(PhaseUpsert, n, len(req.Pages))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.summary, err
	}

	if err := p.finalize(ctx, r); err != nil {
		return r.summary, err
	}
	return r.summary, nil
}

func (p *Pipeline) begin(ctx context.Context, project, datasetName, sourceKind string, fn ProgressFunc) (*run, error) {
	dataset, err := p.cat.EnsureDataset(ctx, project, datasetName, sourceKind)
	if err != nil {
		return nil, err
	}

	model := p.router.Text().Model()
	if sourceKind == "github" || sourceKind == "files" {
		model = p.router.Code().Model()
	}
	return &run{
		dataset:    dataset,
		collection: scope.CollectionName(project, datasetName),
		model:      model,
		progress:   NewProgressMapper(fn),
	}, nil
}

// ingestFile reconciles, chunks, embeds and upserts one file. Parse
// and read failures are logged and counted, not fatal.
func (p *Pipeline) ingestFile(ctx context.Context, r *run, entry *scanner.Entry, force bool) error {
	r.seen(entry.Path)

	content, err := os.ReadFile(entry.AbsPath)
	if err != nil {
		p.log.Warn("skipping unreadable file", "path", entry.Path, "error", err)
		r.parseFailure()
		return nil
	}

	doc, status, err := p.cat.ReconcileDocument(ctx, r.dataset.ID, entry.Path, ContentHash(content))
	if err != nil {
		return err
	}
	if status == catalog.DocUnchanged && !force {
		r.note(status, doc.ChunkCount)
		return nil
	}

	chunks, err := p.chunkFile(ctx, entry, content)
	if err != nil {
		p.log.Warn("chunking failed", "path", entry.Path, "error", err)
		r.parseFailure()
		return nil
	}
	done, total := r.chunkDone()
	r.progress.Update(PhaseChunk, done, total)

	if err := p.embedAndUpsert(ctx, r, doc, chunks); err != nil {
		return err
	}
	r.note(status, len(chunks))
	return nil
}

func (p *Pipeline) ingestPage(ctx context.Context, r *run, page Page, force bool) error {
	sourceRef := page.Input.URL
	if sourceRef == "" {
		sourceRef = page.Input.Title
	}
	r.seen(sourceRef)

	hash := ContentHash([]byte(page.Input.Markdown))
	doc, status, err := p.cat.ReconcileDocument(ctx, r.dataset.ID, sourceRef, hash)
	if err != nil {
		return err
	}

	if page.Provenance != nil {
		prov := *page.Provenance
		prov.DocumentID = doc.ID
		if err := p.cat.UpsertProvenance(ctx, prov, status != catalog.DocUnchanged); err != nil {
			return err
		}
	}

	if status == catalog.DocUnchanged && !force {
		r.note(status, doc.ChunkCount)
		return nil
	}

	chunks, err := p.web.ChunkPage(ctx, &page.Input)
	if err != nil {
		p.log.Warn("page chunking failed", "url", sourceRef, "error", err)
		r.parseFailure()
		return nil
	}

	if err := p.embedAndUpsert(ctx, r, doc, chunks); err != nil {
		return err
	}
	r.note(status, len(chunks))
	return nil
}

func (p *Pipeline) chunkFile(ctx context.Context, entry *scanner.Entry, content []byte) ([]*chunk.Chunk, error) {
	input := &chunk.FileInput{Path: entry.Path, Content: content, Language: entry.Language}
	switch entry.Kind {
	case scanner.KindCode:
		return p.code.Chunk(ctx, input)
	case scanner.KindMarkdown:
		chunks, err := p.web.ChunkPage(ctx, &chunk.PageInput{
			Title:    filepath.Base(entry.Path),
			Markdown: string(content),
		})
		if err != nil {
			return nil, err
		}
		// Repo markdown is a text source, not a web page.
		for _, c := range chunks {
			c.Kind = chunk.SourceKindText
			c.SourceRef = entry.Path
			c.URL = ""
			c.Domain = ""
		}
		return chunks, nil
	default:
		return p.splitter.SplitFile(input, "")
	}
}

// embedAndUpsert batches the chunk texts through both embedders, then
// replaces the document's points. Deletion precedes insertion so a
// query never sees two versions of the same document.
func (p *Pipeline) embedAndUpsert(ctx context.Context, r *run, doc catalog.Document, chunks []*chunk.Chunk) error {
	points := make([]vector.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vector.Point{
			ID:      PointID(doc.ID, c.Ordinal, c.Text),
			Payload: payloadFor(c, doc.ID),
		}
	}

	for start := 0; start < len(chunks); start += p.opts.ChunkBatchSize {
		end := min(start+p.opts.ChunkBatchSize, len(chunks))
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		dense, err := p.router.ForContent(languageOf(batch)).Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(dense) != len(batch) {
			return cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed, "dense embedding count mismatch")
		}
		for i := range batch {
			points[start+i].Dense = dense[i]
		}

		if p.sparse != nil {
			sparse, err := p.sparse.EmbedSparse(ctx, texts)
			if err != nil {
				return err
			}
			if len(sparse) != len(batch) {
				return cerr.ConsistencyError(cerr.ErrCodeEmbeddingFailed, "sparse embedding count mismatch")
			}
			for i := range batch {
				points[start+i].Sparse = sparse[i]
			}
		}
		r.progress.Update(PhaseEmbed, end, len(chunks)+1)
	}

	if err := p.ensureCollection(ctx, r); err != nil {
		return err
	}
	if err := p.store.DeleteByDocument(ctx, r.collection, doc.ID); err != nil {
		return err
	}
	if len(points) > 0 {
		if err := p.store.Upsert(ctx, r.collection, points); err != nil {
			return err
		}
	}
	return p.cat.SetChunkCount(ctx, doc.ID, len(chunks))
}

// ensureCollection runs once per pipeline invocation, after the first
// embed so the probed dimension is known.
func (p *Pipeline) ensureCollection(ctx context.Context, r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensured {
		return nil
	}

	dims := p.router.ForQuery(r.model).Dimensions()
	if dims <= 0 {
		return cerr.ConsistencyError(cerr.ErrCodeDimensionMismatch, "dense dimension unknown before first upsert")
	}
	if err := p.store.EnsureCollection(ctx, vector.CollectionSpec{Name: r.collection, DenseDims: dims}); err != nil {
		return err
	}
	if err := p.cat.UpsertCollection(ctx, catalog.Collection{
		Name:       r.collection,
		DatasetID:  r.dataset.ID,
		DenseModel: r.model,
		DenseDims:  dims,
	}); err != nil {
		return err
	}
	r.ensured = true
	return nil
}

// prune drops documents that were not seen by this run.
func (p *Pipeline) prune(ctx context.Context, r *run) error {
	gone, err := p.cat.DeleteVanishedDocuments(ctx, r.dataset.ID, r.seenRefs)
	if err != nil {
		return err
	}
	for _, doc := range gone {
		if err := p.store.DeleteByDocument(ctx, r.collection, doc.ID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.summary.Deleted = len(gone)
	r.mu.Unlock()
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, r *run) error {
	r.summary.Dataset = r.dataset
	r.summary.Collection = r.collection
	r.progress.Update(PhaseFinalize, 1, 2)

	exists, err := p.store.CollectionExists(ctx, r.collection)
	if err != nil {
		return err
	}
	if exists {
		count, err := p.store.Count(ctx, r.collection)
		if err != nil {
			return err
		}
		if err := p.cat.SetPointCount(ctx, r.collection, int64(count)); err != nil {
			return err
		}
	}
	r.progress.Complete()
	return nil
}

// languageOf picks the batch's embedding route. Batches are per
// document, so all chunks share one language.
func languageOf(chunks []*chunk.Chunk) string {
	for _, c := range chunks {
		if c.Language != "" {
			return c.Language
		}
	}
	return ""
}
