// Package database opens the relational stores used by the queue and article
// repositories and makes sure their tables exist.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// OpenPostgres connects a pgx pool and ensures the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := EnsurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// EnsurePostgresSchema creates missing tables and indexes.
func EnsurePostgresSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// OpenSQLite opens the embedded store. SQLite has no row locks, so the
// handle is limited to one connection and every statement runs under the
// database write lock; busy_timeout makes other processes wait their turn.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// PostgresSchema is the table layout for Postgres deployments.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id            BIGSERIAL PRIMARY KEY,
	project       TEXT NOT NULL,
	target_url    TEXT NOT NULL,
	instruction   TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	priority      INTEGER NOT NULL DEFAULT 5,
	claimant      TEXT,
	claimed_at    TIMESTAMPTZ,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at  TIMESTAMPTZ,
	UNIQUE (project, target_url)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items (project, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_locked ON queue_items (status, claimed_at);

CREATE TABLE IF NOT EXISTS articles (
	id              BIGSERIAL PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL,
	content         TEXT NOT NULL,
	author          TEXT,
	published_date  TEXT,
	source_strategy TEXT NOT NULL,
	extracted_at    TIMESTAMPTZ NOT NULL,
	metadata        JSONB,
	html            TEXT
);

CREATE TABLE IF NOT EXISTS spiders (
	name            TEXT PRIMARY KEY,
	allowed_domains JSONB NOT NULL DEFAULT '[]',
	start_urls      JSONB NOT NULL DEFAULT '[]',
	rules           JSONB NOT NULL DEFAULT '[]',
	settings        JSONB NOT NULL DEFAULT '{}',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// SQLiteSchema is the table layout for the embedded store. Timestamps are
// unix microseconds so ordering and comparisons stay numeric.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	project       TEXT NOT NULL,
	target_url    TEXT NOT NULL,
	instruction   TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	priority      INTEGER NOT NULL DEFAULT 5,
	claimant      TEXT,
	claimed_at    INTEGER,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	completed_at  INTEGER,
	UNIQUE (project, target_url)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items (project, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_locked ON queue_items (status, claimed_at);

CREATE TABLE IF NOT EXISTS articles (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	url             TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL,
	content         TEXT NOT NULL,
	author          TEXT,
	published_date  TEXT,
	source_strategy TEXT NOT NULL,
	extracted_at    INTEGER NOT NULL,
	metadata        TEXT,
	html            TEXT
);

CREATE TABLE IF NOT EXISTS spiders (
	name            TEXT PRIMARY KEY,
	allowed_domains TEXT NOT NULL DEFAULT '[]',
	start_urls      TEXT NOT NULL DEFAULT '[]',
	rules           TEXT NOT NULL DEFAULT '[]',
	settings        TEXT NOT NULL DEFAULT '{}',
	active          INTEGER NOT NULL DEFAULT 1,
	updated_at      INTEGER NOT NULL
);
`
