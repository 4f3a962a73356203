package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/chunk"
	"github.com/Zykairotis/corpusd/internal/config"
	"github.com/Zykairotis/corpusd/internal/embed"
	"github.com/Zykairotis/corpusd/internal/ingest"
	"github.com/Zykairotis/corpusd/internal/jobs"
	"github.com/Zykairotis/corpusd/internal/logging"
	"github.com/Zykairotis/corpusd/internal/realtime"
	"github.com/Zykairotis/corpusd/internal/rerank"
	"github.com/Zykairotis/corpusd/internal/retrieval"
	"github.com/Zykairotis/corpusd/internal/server"
	"github.com/Zykairotis/corpusd/internal/vector"
)

// newServeCmd creates the serve command.
func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the corpusd server",
		Long: `Start the HTTP API, the WebSocket event stream and the background
ingestion workers. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:    cfg.Server.LogLevel,
		FilePath: cfg.Server.LogFile,
	})
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer cat.Close()
	if err := cat.Migrate(ctx); err != nil {
		return err
	}

	store, err := buildVectorStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	router, sparse, err := buildEmbedders(cfg)
	if err != nil {
		return err
	}

	var reranker rerank.Reranker = rerank.NoOp{}
	if cfg.Rerank.Enabled {
		client := rerank.NewClient(rerank.Config{
			URL:          cfg.Rerank.URL,
			TextMaxChars: cfg.Rerank.TextMaxChars,
			Timeout:      cfg.Rerank.Timeout,
		})
		defer client.Close()
		reranker = client
	}

	pipeline, err := ingest.New(cat, store, router, sparse,
		chunk.Options{
			ChunkSize:      cfg.Chunking.ChunkSize,
			ChunkOverlap:   cfg.Chunking.ChunkOverlap,
			SymbolsEnabled: cfg.Chunking.SymbolsEnabled,
		},
		ingest.Options{
			ChunkBatchSize:       cfg.Chunking.BatchSize,
			MaxConcurrentBatches: cfg.Chunking.MaxConcurrentBatches,
		}, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	retriever := retrieval.New(cat, store, router, sparse, reranker,
		retrieval.Options{
			HybridEnabled:     cfg.Search.HybridEnabled,
			RerankEnabled:     cfg.Rerank.Enabled,
			DenseWeight:       cfg.Search.DenseWeight,
			SparseWeight:      cfg.Search.SparseWeight,
			RRFConstant:       cfg.Search.RRFConstant,
			OverFetch:         cfg.Vector.OverFetch,
			InitialK:          cfg.Rerank.InitialK,
			FanOutConcurrency: cfg.Search.FanOutConcurrency,
		}, logger)

	queue := jobs.NewQueue(cat.Pool(), jobs.Options{
		Lease:       cfg.Jobs.VisibilityTimeout,
		RetryDelay:  cfg.Jobs.RetryDelay,
		MaxAttempts: cfg.Jobs.MaxRetries + 1,
	})

	worker := jobs.NewWorker(queue, jobs.WorkerOptions{
		PollInterval: cfg.Jobs.PollInterval,
	}, logger)
	worker.Register(jobs.KindGitHub, jobs.NewGitHubHandler(pipeline, queue, "", logger).Handle)
	web := jobs.NewWebHandler(cat, pipeline, ingest.NewFetcher(nil), logger)
	worker.Register(jobs.KindWeb, web.Handle)
	worker.Register(jobs.KindCrawl, jobs.NewCrawlHandler(web).Handle)

	bus := realtime.NewBus(logger)
	go func() {
		if err := queue.Listen(ctx, realtime.JobRelay(bus, worker.Wake)); err != nil && ctx.Err() == nil {
			logger.Error("job notification listener stopped", "error", err)
		}
	}()
	go worker.Run(ctx)

	srv := server.New(queue, cat, retriever, realtime.NewWSHandler(bus, logger), logger)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func buildVectorStore(cfg *config.Config) (vector.Store, error) {
	if cfg.Vector.Driver == "local" {
		return vector.NewLocalStore(cfg.Vector.DataDir)
	}
	return vector.NewQdrantStore(vector.QdrantConfig{
		Addr:   cfg.Vector.QdrantURL,
		APIKey: cfg.Vector.QdrantAPIKey,
	})
}

func buildEmbedders(cfg *config.Config) (*embed.Router, embed.SparseEmbedder, error) {
	text := embed.NewDenseClient(embed.DenseConfig{
		URL:         cfg.Embedding.DenseTextURL,
		Model:       cfg.Embedding.DenseTextModel,
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		Timeout:     cfg.Embedding.Timeout,
	})
	code := embed.NewDenseClient(embed.DenseConfig{
		URL:         cfg.Embedding.DenseCodeURL,
		Model:       cfg.Embedding.DenseCodeModel,
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		Timeout:     cfg.Embedding.Timeout,
	})

	// Query embeddings repeat across requests; cache the dense arms.
	cachedText, err := embed.NewCachedDense(text, 0)
	if err != nil {
		return nil, nil, err
	}
	cachedCode, err := embed.NewCachedDense(code, 0)
	if err != nil {
		return nil, nil, err
	}
	router := embed.NewRouter(cachedText, cachedCode)

	var sparse embed.SparseEmbedder
	if cfg.Search.HybridEnabled && cfg.Embedding.SparseURL != "" {
		sparse = embed.NewSparseClient(embed.SparseConfig{
			URL:         cfg.Embedding.SparseURL,
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.SparseConcurrency,
			Timeout:     cfg.Embedding.Timeout,
		})
	}
	return router, sparse, nil
}
