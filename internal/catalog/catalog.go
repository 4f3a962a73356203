// Package catalog is the relational system of record: projects,
// datasets, collections, documents and web provenance live in Postgres
// under the corpusd schema. The vector store holds embeddings; the
// catalog holds everything that must survive a vector store rebuild.
package catalog

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NotifyChannel is the pg_notify channel for job queue wakeups.
const NotifyChannel = "corpusd_jobs"

// Catalog wraps a pgx pool with the queries of the corpusd schema.
type Catalog struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the database URL.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*Catalog, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, cerr.ConfigError("parse database url", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, cerr.TransientRPC("connect to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, cerr.TransientRPC("ping postgres", err)
	}
	return &Catalog{pool: pool}, nil
}

// Pool exposes the underlying pool for the job queue and listeners.
func (c *Catalog) Pool() *pgxpool.Pool { return c.pool }

// Close closes the pool.
func (c *Catalog) Close() {
	c.pool.Close()
}

// Migrate applies all pending migrations. goose runs through
// database/sql, so the pool is adapted via pgx stdlib.
func (c *Catalog) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return cerr.InternalError("set migration dialect", err)
	}

	db := stdlib.OpenDBFromPool(c.pool)
	defer func() { _ = db.Close() }()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return cerr.InternalError("apply migrations", err)
	}
	return nil
}
