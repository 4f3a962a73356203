// Package config loads corpusd configuration from the environment.
// Environment variables take precedence over an optional YAML config file;
// a .env file is honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// Config is the complete corpusd configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Search    SearchConfig    `yaml:"search"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Server    ServerConfig    `yaml:"server"`
}

// DatabaseConfig configures the relational catalog.
type DatabaseConfig struct {
	// URL is the Postgres connection string. Required.
	URL string `yaml:"url"`
	// MaxConns caps the pgx pool size (default: 10).
	MaxConns int `yaml:"max_conns"`
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	// Driver selects the backend: "qdrant" (default) or "local".
	Driver string `yaml:"driver"`
	// QdrantURL is the qdrant gRPC endpoint (default: localhost:6334).
	QdrantURL string `yaml:"qdrant_url"`
	// QdrantAPIKey authenticates against a managed qdrant.
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	// DataDir is the storage directory for the local driver.
	DataDir string `yaml:"data_dir"`
	// OverFetch multiplies topK on each hybrid arm before fusion (default: 3).
	OverFetch int `yaml:"over_fetch"`
}

// EmbeddingConfig configures the dense and sparse embedding clients.
type EmbeddingConfig struct {
	// DenseTextURL is the OpenAI-compatible endpoint for prose embeddings.
	DenseTextURL string `yaml:"dense_text_url"`
	// DenseCodeURL is the OpenAI-compatible endpoint for code embeddings.
	DenseCodeURL string `yaml:"dense_code_url"`
	// DenseTextModel / DenseCodeModel name the models sent in requests.
	DenseTextModel string `yaml:"dense_text_model"`
	DenseCodeModel string `yaml:"dense_code_model"`
	// SparseURL is the SPLADE endpoint. Required when hybrid is enabled.
	SparseURL string `yaml:"sparse_url"`
	// Concurrency caps in-flight dense requests (default: 4).
	Concurrency int `yaml:"concurrency"`
	// SparseConcurrency caps in-flight sparse requests (default: 1;
	// the sparse service is memory-constrained).
	SparseConcurrency int `yaml:"sparse_concurrency"`
	// BatchSize is the per-request text cap (default: 32).
	BatchSize int `yaml:"batch_size"`
	// Timeout bounds each embedding RPC (default: 60s).
	Timeout time.Duration `yaml:"timeout"`
}

// RerankConfig configures the cross-encoder reranker.
type RerankConfig struct {
	// Enabled turns reranking on.
	Enabled bool `yaml:"enabled"`
	// URL is the reranker endpoint.
	URL string `yaml:"url"`
	// InitialK is how many fused candidates feed the reranker (default: 150).
	InitialK int `yaml:"initial_k"`
	// FinalK caps results after reranking (0 = use query top_k).
	FinalK int `yaml:"final_k"`
	// TextMaxChars truncates each candidate text (default: 2000).
	TextMaxChars int `yaml:"text_max_chars"`
	// Timeout bounds each rerank RPC (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// HybridEnabled turns on the sparse arm (requires SparseURL).
	HybridEnabled bool `yaml:"hybrid_enabled"`
	// DenseWeight / SparseWeight are the RRF arm coefficients.
	// Defaults 0.6 / 0.4.
	DenseWeight  float64 `yaml:"dense_weight"`
	SparseWeight float64 `yaml:"sparse_weight"`
	// RRFConstant is the fusion smoothing parameter k (default: 60).
	RRFConstant int `yaml:"rrf_constant"`
	// TopK is the default result count (default: 10).
	TopK int `yaml:"top_k"`
	// FanOutConcurrency caps parallel per-collection searches (default: 4).
	FanOutConcurrency int `yaml:"fan_out_concurrency"`
}

// ChunkingConfig configures the chunker.
type ChunkingConfig struct {
	// ChunkSize is the maximum chunk size in characters (default: 2048).
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap carried between sub-chunks (default: 256).
	ChunkOverlap int `yaml:"chunk_overlap"`
	// SymbolsEnabled turns on AST symbol extraction.
	SymbolsEnabled bool `yaml:"symbols_enabled"`
	// BatchSize groups chunks per embedding request (default: 32).
	BatchSize int `yaml:"batch_size"`
	// MaxConcurrentBatches bounds the embed stage of the pipeline (default: 4).
	MaxConcurrentBatches int `yaml:"max_concurrent_batches"`
}

// JobsConfig configures the durable queue.
type JobsConfig struct {
	// VisibilityTimeout before a stalled job is released for retry (default: 10m).
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// MaxRetries per job (default: 2).
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay before a released job becomes visible again (default: 30s).
	RetryDelay time.Duration `yaml:"retry_delay"`
	// PollInterval for workers (default: 2s).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address (default: :8765).
	Addr string `yaml:"addr"`
	// LogLevel is the minimum log level (default: info).
	LogLevel string `yaml:"log_level"`
	// LogFile enables the rotating file sink when set.
	LogFile string `yaml:"log_file"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{MaxConns: 10},
		Vector: VectorConfig{
			Driver:    "qdrant",
			QdrantURL: "localhost:6334",
			OverFetch: 3,
		},
		Embedding: EmbeddingConfig{
			DenseTextModel:    "gte-base-en-v1.5",
			DenseCodeModel:    "coderank-embed",
			Concurrency:       4,
			SparseConcurrency: 1,
			BatchSize:         32,
			Timeout:           60 * time.Second,
		},
		Rerank: RerankConfig{
			InitialK:     150,
			TextMaxChars: 2000,
			Timeout:      30 * time.Second,
		},
		Search: SearchConfig{
			DenseWeight:       0.6,
			SparseWeight:      0.4,
			RRFConstant:       60,
			TopK:              10,
			FanOutConcurrency: 4,
		},
		Chunking: ChunkingConfig{
			ChunkSize:            2048,
			ChunkOverlap:         256,
			SymbolsEnabled:       true,
			BatchSize:            32,
			MaxConcurrentBatches: 4,
		},
		Jobs: JobsConfig{
			VisibilityTimeout: 10 * time.Minute,
			MaxRetries:        2,
			RetryDelay:        30 * time.Second,
			PollInterval:      2 * time.Second,
		},
		Server: ServerConfig{
			Addr:     ":8765",
			LogLevel: "info",
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment variables (highest priority). A .env file in the
// working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, cerr.New(cerr.ErrCodeConfigMissing, fmt.Sprintf("config file %s not readable", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cerr.ConfigError(fmt.Sprintf("config file %s is not valid YAML", path), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setInt(&c.Database.MaxConns, "DATABASE_MAX_CONNS")

	setString(&c.Vector.Driver, "VECTOR_DRIVER")
	setString(&c.Vector.QdrantURL, "QDRANT_URL")
	setString(&c.Vector.QdrantAPIKey, "QDRANT_API_KEY")
	setString(&c.Vector.DataDir, "VECTOR_DATA_DIR")
	setInt(&c.Vector.OverFetch, "HYBRID_OVER_FETCH")

	setString(&c.Embedding.DenseTextURL, "DENSE_TEXT_URL")
	setString(&c.Embedding.DenseCodeURL, "DENSE_CODE_URL")
	setString(&c.Embedding.DenseTextModel, "DENSE_TEXT_MODEL")
	setString(&c.Embedding.DenseCodeModel, "DENSE_CODE_MODEL")
	setString(&c.Embedding.SparseURL, "SPARSE_URL")
	setInt(&c.Embedding.Concurrency, "EMBEDDING_CONCURRENCY")
	setInt(&c.Embedding.SparseConcurrency, "SPARSE_CONCURRENCY")
	setInt(&c.Embedding.BatchSize, "EMBEDDING_BATCH_SIZE")
	setDuration(&c.Embedding.Timeout, "EMBEDDING_TIMEOUT")

	setBool(&c.Rerank.Enabled, "ENABLE_RERANK")
	setString(&c.Rerank.URL, "RERANKER_URL")
	setInt(&c.Rerank.InitialK, "RERANK_INITIAL_K")
	setInt(&c.Rerank.FinalK, "RERANK_FINAL_K")
	setInt(&c.Rerank.TextMaxChars, "RERANK_TEXT_MAX_CHARS")
	setDuration(&c.Rerank.Timeout, "RERANK_TIMEOUT")

	setBool(&c.Search.HybridEnabled, "ENABLE_HYBRID")
	setFloat(&c.Search.DenseWeight, "HYBRID_DENSE_WEIGHT")
	setFloat(&c.Search.SparseWeight, "HYBRID_SPARSE_WEIGHT")
	setInt(&c.Search.RRFConstant, "RRF_CONSTANT")
	setInt(&c.Search.TopK, "SEARCH_TOP_K")
	setInt(&c.Search.FanOutConcurrency, "SEARCH_FAN_OUT")

	setInt(&c.Chunking.ChunkSize, "CHUNK_SIZE")
	setInt(&c.Chunking.ChunkOverlap, "CHUNK_OVERLAP")
	setBool(&c.Chunking.SymbolsEnabled, "ENABLE_SYMBOLS")
	setInt(&c.Chunking.BatchSize, "CHUNK_BATCH_SIZE")
	setInt(&c.Chunking.MaxConcurrentBatches, "MAX_CONCURRENT_BATCHES")

	setDuration(&c.Jobs.VisibilityTimeout, "JOB_VISIBILITY_TIMEOUT")
	setInt(&c.Jobs.MaxRetries, "JOB_MAX_RETRIES")
	setDuration(&c.Jobs.RetryDelay, "JOB_RETRY_DELAY")
	setDuration(&c.Jobs.PollInterval, "JOB_POLL_INTERVAL")

	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Server.LogLevel, "LOG_LEVEL")
	setString(&c.Server.LogFile, "LOG_FILE")
}

// Validate checks invariants that must hold before startup.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return cerr.New(cerr.ErrCodeConfigMissing, "DATABASE_URL is required", nil)
	}

	switch c.Vector.Driver {
	case "qdrant", "local":
	default:
		return cerr.ConfigError(fmt.Sprintf("unknown vector driver %q (want qdrant or local)", c.Vector.Driver), nil)
	}

	if c.Search.HybridEnabled && c.Embedding.SparseURL == "" && c.Vector.Driver != "local" {
		return cerr.New(cerr.ErrCodeFlagConflict, "ENABLE_HYBRID requires SPARSE_URL", nil)
	}
	if c.Rerank.Enabled && c.Rerank.URL == "" {
		return cerr.New(cerr.ErrCodeFlagConflict, "ENABLE_RERANK requires RERANKER_URL", nil)
	}

	if c.Search.DenseWeight < 0 || c.Search.SparseWeight < 0 {
		return cerr.ConfigError("fusion weights must be non-negative", nil)
	}
	if c.Search.DenseWeight == 0 && c.Search.SparseWeight == 0 {
		return cerr.ConfigError("at least one fusion weight must be positive", nil)
	}

	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return cerr.ConfigError("chunk_overlap must be smaller than chunk_size", nil)
	}

	if c.Rerank.InitialK <= 0 {
		return cerr.ConfigError("rerank initial_k must be positive", nil)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
