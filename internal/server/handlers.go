package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/jobs"
	"github.com/Zykairotis/corpusd/internal/retrieval"
	"github.com/Zykairotis/corpusd/internal/scope"
	"github.com/Zykairotis/corpusd/internal/vector"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}

// toolDescriptor advertises one operation of the surface.
type toolDescriptor struct {
	Name        string `json:"name"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []toolDescriptor{
		{"ingest_github", "POST", "/projects/{project}/ingest/github", "Clone a repository and index its files"},
		{"ingest_web", "POST", "/projects/{project}/ingest/web", "Fetch and index a list of pages"},
		{"ingest_crawl", "POST", "/projects/{project}/ingest/crawl", "Crawl same-host links from a root URL and index the pages"},
		{"query", "POST", "/projects/{project}/query", "Hybrid search with reranking across the project's datasets"},
		{"stats", "GET", "/projects/{project}/stats", "Dataset, document and point counts"},
		{"scopes", "GET", "/projects/{project}/scopes", "Visible datasets and suggested search patterns"},
		{"history", "GET", "/projects/{project}/ingest/history", "Past and running ingestion jobs"},
		{"cancel", "POST", "/projects/{project}/jobs/{jobID}/cancel", "Cancel a queued or running job"},
		{"events", "GET", "/ws", "WebSocket stream of job progress and status events"},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cat.Stats(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type collectionJSON struct {
		Name       string `json:"name"`
		DenseModel string `json:"dense_model"`
		DenseDims  int    `json:"dense_dims"`
		PointCount int64  `json:"point_count"`
	}
	cols := make([]collectionJSON, 0, len(stats.Collection))
	for _, c := range stats.Collection {
		cols = append(cols, collectionJSON{c.Name, c.DenseModel, c.DenseDims, c.PointCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":     stats.Project,
		"datasets":    stats.Datasets,
		"documents":   stats.Documents,
		"chunks":      stats.Chunks,
		"collections": cols,
	})
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	includeGlobal := r.URL.Query().Get("include_global") == "true"

	scopes, err := s.cat.VisibleScopes(r.Context(), project, includeGlobal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type scopeJSON struct {
		Project    string `json:"project"`
		Dataset    string `json:"dataset"`
		Collection string `json:"collection"`
	}
	out := make([]scopeJSON, 0, len(scopes))
	datasets := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		out = append(out, scopeJSON{sc.Project, sc.Dataset, sc.Collection})
		datasets = append(datasets, sc.Dataset)
	}

	type patternJSON struct {
		Pattern string `json:"pattern"`
		Matches int    `json:"matches"`
	}
	var patterns []patternJSON
	for _, p := range scope.SuggestPatterns(datasets) {
		patterns = append(patterns, patternJSON{p.Pattern, p.MatchCount})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scopes":             out,
		"suggested_patterns": patterns,
	})
}

// jobJSON is the wire shape of a queue row.
type jobJSON struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Project    string     `json:"project"`
	Dataset    string     `json:"dataset"`
	State      string     `json:"state"`
	Phase      string     `json:"phase,omitempty"`
	Progress   int        `json:"progress"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toJobJSON(j jobs.Job) jobJSON {
	out := jobJSON{
		ID:         j.ID,
		Kind:       j.Kind,
		Project:    j.Project,
		Dataset:    j.Dataset,
		State:      j.State,
		Phase:      j.Phase,
		Progress:   j.Progress,
		Attempts:   j.Attempts,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	if len(j.Result) > 0 && string(j.Result) != "{}" && string(j.Result) != "null" {
		var doc any
		if err := json.Unmarshal(j.Result, &doc); err == nil {
			out.Result = doc
		}
	}
	return out
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	all, err := s.queue.List(r.Context(), chi.URLParam(r, "project"), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	live := make([]jobJSON, 0)
	for _, j := range all {
		if j.State == jobs.StateQueued || j.State == jobs.StateRunning {
			live = append(live, toJobJSON(j))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": live})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.queue.List(r.Context(), chi.URLParam(r, "project"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobJSON, 0, len(list))
	for _, j := range list {
		out = append(out, toJobJSON(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// ingestGitHubRequest is the body of POST /ingest/github.
type ingestGitHubRequest struct {
	RepoURL         string   `json:"repo_url"`
	Branch          string   `json:"branch,omitempty"`
	Dataset         string   `json:"dataset,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	ForceReindex    bool     `json:"force_reindex,omitempty"`
}

func (s *Server) handleIngestGitHub(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var body ingestGitHubRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RepoURL == "" {
		s.writeError(w, r, cerr.New(cerr.ErrCodeInvalidInput, "repo_url is required", nil))
		return
	}
	dataset := body.Dataset
	if dataset == "" {
		dataset = jobs.DefaultDatasetForRepo(body.RepoURL)
	}

	identity := jobs.NormalizeRepoURL(body.RepoURL)
	if body.Branch != "" {
		identity += "@" + body.Branch
	}
	s.enqueue(w, r, jobs.EnqueueRequest{
		Kind:    jobs.KindGitHub,
		Project: project,
		Dataset: dataset,
		Payload: jobs.GitHubPayload{
			RepoURL:         body.RepoURL,
			Branch:          body.Branch,
			IncludePatterns: body.IncludePatterns,
			ExcludePatterns: body.ExcludePatterns,
			ForceReindex:    body.ForceReindex,
		},
		SingletonKey: jobs.SingletonKey(jobs.KindGitHub, project, identity, dataset),
	})
}

// ingestWebRequest is the body of POST /ingest/web.
type ingestWebRequest struct {
	URLs         []string `json:"urls"`
	Dataset      string   `json:"dataset,omitempty"`
	ForceReindex bool     `json:"force_reindex,omitempty"`
}

func (s *Server) handleIngestWeb(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var body ingestWebRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.URLs) == 0 {
		s.writeError(w, r, cerr.New(cerr.ErrCodeInvalidInput, "urls is required", nil))
		return
	}
	dataset := body.Dataset
	if dataset == "" {
		dataset = datasetForURL(body.URLs[0])
	}
	if dataset == "" {
		s.writeError(w, r, cerr.New(cerr.ErrCodeInvalidInput, "invalid url: "+body.URLs[0], nil))
		return
	}

	s.enqueue(w, r, jobs.EnqueueRequest{
		Kind:         jobs.KindWeb,
		Project:      project,
		Dataset:      dataset,
		Payload:      jobs.WebPayload{URLs: body.URLs, ForceReindex: body.ForceReindex},
		SingletonKey: jobs.SingletonKey(jobs.KindWeb, project, body.URLs[0], dataset),
	})
}

// ingestCrawlRequest is the body of POST /ingest/crawl.
type ingestCrawlRequest struct {
	RootURL      string `json:"root_url"`
	Dataset      string `json:"dataset,omitempty"`
	MaxPages     int    `json:"max_pages,omitempty"`
	MaxDepth     int    `json:"max_depth,omitempty"`
	ForceReindex bool   `json:"force_reindex,omitempty"`
}

func (s *Server) handleIngestCrawl(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var body ingestCrawlRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RootURL == "" {
		s.writeError(w, r, cerr.New(cerr.ErrCodeInvalidInput, "root_url is required", nil))
		return
	}
	dataset := body.Dataset
	if dataset == "" {
		dataset = datasetForURL(body.RootURL)
	}
	if dataset == "" {
		s.writeError(w, r, cerr.New(cerr.ErrCodeInvalidInput, "invalid url: "+body.RootURL, nil))
		return
	}

	s.enqueue(w, r, jobs.EnqueueRequest{
		Kind:    jobs.KindCrawl,
		Project: project,
		Dataset: dataset,
		Payload: jobs.CrawlPayload{
			RootURL:      body.RootURL,
			MaxPages:     body.MaxPages,
			MaxDepth:     body.MaxDepth,
			ForceReindex: body.ForceReindex,
		},
		SingletonKey: jobs.SingletonKey(jobs.KindCrawl, project, body.RootURL, dataset),
	})
}

// enqueue submits the job and answers 202 with the (possibly coalesced)
// job id.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, req jobs.EnqueueRequest) {
	job, coalesced, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.State,
		"dataset":   job.Dataset,
		"coalesced": coalesced,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.queue.Cancel(r.Context(), jobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": jobs.StateCancelled})
}

// queryRequest is the body of POST /query.
type queryRequest struct {
	Query         string `json:"query"`
	Dataset       string `json:"dataset,omitempty"`
	IncludeGlobal bool   `json:"include_global,omitempty"`
	TopK          int    `json:"top_k,omitempty"`
}

// queryResult is one ranked hit on the wire.
type queryResult struct {
	ID          string         `json:"id"`
	Score       float64        `json:"score"`
	DenseScore  float64        `json:"dense_score,omitempty"`
	SparseScore float64        `json:"sparse_score,omitempty"`
	DenseRank   int            `json:"dense_rank,omitempty"`
	SparseRank  int            `json:"sparse_rank,omitempty"`
	RerankScore float64        `json:"rerank_score,omitempty"`
	Project     string         `json:"project"`
	Dataset     string         `json:"dataset"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var body queryRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.retriever.Query(r.Context(), retrieval.Request{
		Query:          body.Query,
		Project:        project,
		DatasetPattern: body.Dataset,
		IncludeGlobal:  body.IncludeGlobal,
		TopK:           body.TopK,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results := make([]queryResult, 0, len(resp.Results))
	for _, res := range resp.Results {
		text, _ := res.Payload[vector.PayloadText].(string)
		metadata := make(map[string]any, len(res.Payload))
		for k, v := range res.Payload {
			if k != vector.PayloadText {
				metadata[k] = v
			}
		}
		results = append(results, queryResult{
			ID:          res.ID,
			Score:       res.Score,
			DenseScore:  res.DenseScore,
			SparseScore: res.SparseScore,
			DenseRank:   res.DenseRank,
			SparseRank:  res.SparseRank,
			RerankScore: res.RerankScore,
			Project:     res.Project,
			Dataset:     res.Dataset,
			Text:        text,
			Metadata:    metadata,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"meta": map[string]any{
			"collections":      resp.Meta.Collections,
			"hybrid_used":      resp.Meta.HybridUsed,
			"reranker_used":    resp.Meta.RerankerUsed,
			"reranker_skipped": resp.Meta.RerankerSkipped,
			"candidates":       resp.Meta.Candidates,
			"timings_ms": map[string]int64{
				"scope":  resp.Meta.Timings.Scope.Milliseconds(),
				"embed":  resp.Meta.Timings.Embed.Milliseconds(),
				"search": resp.Meta.Timings.Search.Milliseconds(),
				"rerank": resp.Meta.Timings.Rerank.Milliseconds(),
				"total":  resp.Meta.Timings.Total.Milliseconds(),
			},
		},
	})
}

// datasetForURL derives the default dataset name from a URL's host.
func datasetForURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return scope.DatasetNameForURL(parsed.Host)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return cerr.ValidationError("decode request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps coded errors to HTTP statuses. Unexpected failures
// get a 500 with the request id as correlation handle.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := cerr.GetCode(err)
	status := http.StatusInternalServerError
	switch {
	case code == cerr.ErrCodeMissingRow:
		status = http.StatusNotFound
	case code == cerr.ErrCodeNameCollision:
		status = http.StatusConflict
	case code == cerr.ErrCodeCancelled:
		status = http.StatusConflict
	case len(code) > 4 && code[4] == '4':
		status = http.StatusBadRequest
	case cerr.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}

	requestID := middleware.GetReqID(r.Context())
	if status >= 500 {
		s.log.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID)
	}
	writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"code":       code,
		"request_id": requestID,
	})
}
