// Package server is the thin HTTP surface over the pipelines: job
// submission, query, stats and the WebSocket event stream. It owns no
// business logic; handlers validate, dispatch and shape JSON.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/jobs"
	"github.com/Zykairotis/corpusd/internal/retrieval"
)

// Querier runs retrieval requests.
type Querier interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// JobStore is the queue slice the handlers need.
type JobStore interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (jobs.Job, bool, error)
	Get(ctx context.Context, jobID string) (jobs.Job, error)
	List(ctx context.Context, project string, limit int) ([]jobs.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Catalog is the read-only catalog slice the handlers need.
type Catalog interface {
	Stats(ctx context.Context, projectName string) (catalog.ProjectStats, error)
	VisibleScopes(ctx context.Context, projectName string, includeGlobal bool) ([]catalog.Scope, error)
}

// Server wires the HTTP routes.
type Server struct {
	queue     JobStore
	cat       Catalog
	retriever Querier
	ws        http.Handler
	log       *slog.Logger
	started   time.Time
}

func New(queue JobStore, cat Catalog, retriever Querier, ws http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		queue:     queue,
		cat:       cat,
		retriever: retriever,
		ws:        ws,
		log:       log,
		started:   time.Now(),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/tools", s.handleTools)

	r.Route("/projects/{project}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/scopes", s.handleScopes)
		r.Get("/operations", s.handleOperations)

		r.Post("/ingest/github", s.handleIngestGitHub)
		r.Post("/ingest/web", s.handleIngestWeb)
		r.Post("/ingest/crawl", s.handleIngestCrawl)
		r.Get("/ingest/history", s.handleHistory)

		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)

		r.Post("/query", s.handleQuery)
	})

	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	return r
}

// ListenAndServe runs the server until ctx ends, then drains for up to
// ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
