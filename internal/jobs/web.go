package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Zykairotis/corpusd/internal/catalog"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/ingest"
)

// WebPayload is the payload of a web_ingest job.
type WebPayload struct {
	URLs         []string `json:"urls"`
	ForceReindex bool     `json:"force_reindex,omitempty"`
}

// CrawlPayload is the payload of a crawl_ingest job.
type CrawlPayload struct {
	RootURL      string `json:"root_url"`
	MaxPages     int    `json:"max_pages,omitempty"` // default 20
	MaxDepth     int    `json:"max_depth,omitempty"` // default 2
	ForceReindex bool   `json:"force_reindex,omitempty"`
}

// WebResult is the result document of a web or crawl ingest.
type WebResult struct {
	Pages         int `json:"pages"`
	NotModified   int `json:"not_modified"`
	FetchFailures int `json:"fetch_failures,omitempty"`

	Documents int `json:"documents"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Chunks    int `json:"chunks"`
}

// webCatalog is the catalog slice the web handlers need.
type webCatalog interface {
	EnsureDataset(ctx context.Context, project, dataset, sourceKind string) (catalog.Dataset, error)
	GetProvenance(ctx context.Context, documentID string) (catalog.WebProvenance, bool, error)
	UpsertProvenance(ctx context.Context, p catalog.WebProvenance, bumpVersion bool) error
}

// pageIngester is the ingest slice the web handlers need.
type pageIngester interface {
	IngestPages(ctx context.Context, req ingest.PageRequest) (ingest.Summary, error)
}

// pageFetcher acquires one page with conditional-request validators.
type pageFetcher interface {
	Fetch(ctx context.Context, pageURL string, cond ingest.Conditional) (ingest.FetchedPage, error)
}

// WebHandler ingests explicit page lists; CrawlHandler discovers pages
// by following same-host links. Both share the ingest step.
type WebHandler struct {
	cat      webCatalog
	pipeline pageIngester
	fetch    pageFetcher
	log      *slog.Logger
}

func NewWebHandler(cat webCatalog, pipeline pageIngester, fetch pageFetcher, log *slog.Logger) *WebHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebHandler{cat: cat, pipeline: pipeline, fetch: fetch, log: log}
}

// Handle implements Handler for KindWeb jobs. Pages are fetched with
// the stored validators; a 304 skips extraction entirely. Per-page
// fetch failures are counted, not fatal, unless nothing succeeds.
func (h *WebHandler) Handle(ctx context.Context, job *Job, report ProgressReporter) (any, error) {
	var payload WebPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, cerr.ValidationError("decode web payload", err)
	}
	if len(payload.URLs) == 0 {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "web payload has no urls", nil)
	}

	dataset, err := h.cat.EnsureDataset(ctx, job.Project, job.Dataset, "web")
	if err != nil {
		return nil, err
	}

	result := WebResult{}
	var fetched []acquiredPage
	for i, pageURL := range payload.URLs {
		if ctx.Err() != nil {
			return nil, cerr.Cancelled("web ingest cancelled")
		}
		report(string(ingest.PhaseAcquire), i*10/len(payload.URLs))

		var cond ingest.Conditional
		if !payload.ForceReindex {
			docID := catalog.DocumentID(dataset.ID, pageURL)
			if prov, found, err := h.cat.GetProvenance(ctx, docID); err == nil && found {
				cond = ingest.Conditional{ETag: prov.ETag, LastModified: prov.LastModified}
			}
		}

		page, err := h.fetch.Fetch(ctx, pageURL, cond)
		if err != nil {
			if cerr.IsCancelled(err) {
				return nil, err
			}
			h.log.Warn("page fetch failed", "url", pageURL, "error", err, "job_id", job.ID)
			result.FetchFailures++
			continue
		}
		fetched = append(fetched, acquiredPage{url: pageURL, page: page})
	}

	return h.ingestAcquired(ctx, job, dataset, fetched, result, payload.ForceReindex, report)
}

// acquiredPage pairs a URL with its fetch outcome.
type acquiredPage struct {
	url  string
	page ingest.FetchedPage
}

// ingestAcquired records provenance for unmodified pages and hands the
// rest to the ingest pipeline.
func (h *WebHandler) ingestAcquired(ctx context.Context, job *Job, dataset catalog.Dataset,
	fetched []acquiredPage, result WebResult, force bool, report ProgressReporter) (any, error) {

	var pages []ingest.Page
	for _, item := range fetched {
		prov := catalog.WebProvenance{
			DocumentID:   catalog.DocumentID(dataset.ID, item.url),
			URL:          item.url,
			ETag:         item.page.ETag,
			LastModified: item.page.LastModified,
			StatusCode:   item.page.StatusCode,
			FetchedAt:    item.page.FetchedAt,
		}
		if item.page.NotModified {
			if err := h.cat.UpsertProvenance(ctx, prov, false); err != nil {
				h.log.Warn("provenance update failed", "url", item.url, "error", err)
			}
			result.NotModified++
			continue
		}
		result.Pages++
		pages = append(pages, ingest.Page{Input: item.page.Input, Provenance: &prov})
	}

	if len(pages) == 0 {
		if result.FetchFailures > 0 && result.NotModified == 0 {
			return nil, cerr.New(cerr.ErrCodeIngestFailed, "every page fetch failed", nil)
		}
		report(string(ingest.PhaseFinalize), 100)
		return result, nil
	}

	summary, err := h.pipeline.IngestPages(ctx, ingest.PageRequest{
		Project:      job.Project,
		Dataset:      job.Dataset,
		Pages:        pages,
		ForceReindex: force,
		OnProgress: func(phase ingest.Phase, percent int) {
			report(string(phase), percent)
		},
	})
	if err != nil {
		return nil, err
	}

	result.Documents = summary.Documents
	result.New = summary.New
	result.Updated = summary.Updated
	result.Unchanged = summary.Unchanged
	result.Chunks = summary.Chunks
	return result, nil
}

// CrawlHandler walks same-host links breadth-first from a root URL.
type CrawlHandler struct {
	web *WebHandler
}

func NewCrawlHandler(web *WebHandler) *CrawlHandler {
	return &CrawlHandler{web: web}
}

// Handle implements Handler for KindCrawl jobs. Discovery fetches
// unconditionally because link extraction needs the body; content-hash
// idempotency in the pipeline still prevents re-embedding.
func (h *CrawlHandler) Handle(ctx context.Context, job *Job, report ProgressReporter) (any, error) {
	var payload CrawlPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, cerr.ValidationError("decode crawl payload", err)
	}
	if payload.RootURL == "" {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "crawl payload has no root_url", nil)
	}
	if payload.MaxPages <= 0 {
		payload.MaxPages = 20
	}
	if payload.MaxDepth <= 0 {
		payload.MaxDepth = 2
	}

	dataset, err := h.web.cat.EnsureDataset(ctx, job.Project, job.Dataset, "web")
	if err != nil {
		return nil, err
	}

	type frontierItem struct {
		url   string
		depth int
	}
	visited := map[string]bool{payload.RootURL: true}
	frontier := []frontierItem{{url: payload.RootURL, depth: 0}}
	result := WebResult{}
	var fetched []acquiredPage

	for len(frontier) > 0 && len(fetched) < payload.MaxPages {
		if ctx.Err() != nil {
			return nil, cerr.Cancelled("crawl cancelled")
		}
		item := frontier[0]
		frontier = frontier[1:]
		report(string(ingest.PhaseAcquire), len(fetched)*10/payload.MaxPages)

		page, err := h.web.fetch.Fetch(ctx, item.url, ingest.Conditional{})
		if err != nil {
			if cerr.IsCancelled(err) {
				return nil, err
			}
			h.web.log.Warn("crawl fetch failed", "url", item.url, "error", err, "job_id", job.ID)
			result.FetchFailures++
			continue
		}

		fetched = append(fetched, acquiredPage{url: item.url, page: page})
		if item.depth >= payload.MaxDepth {
			continue
		}
		for _, link := range page.Links {
			if !visited[link] {
				visited[link] = true
				frontier = append(frontier, frontierItem{url: link, depth: item.depth + 1})
			}
		}
	}

	if len(fetched) == 0 {
		return nil, cerr.New(cerr.ErrCodeIngestFailed, "crawl found no reachable pages", nil)
	}
	return h.web.ingestAcquired(ctx, job, dataset, fetched, result, payload.ForceReindex, report)
}
