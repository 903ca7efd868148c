// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Pool is the subset of pgxpool.Pool the stores use.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// ArticleStore writes extracted articles into Postgres.
type ArticleStore struct {
	pool Pool
}

// NewArticleStore constructs a store from an existing pool.
func NewArticleStore(pool Pool) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArticleStore{pool: pool}, nil
}

// ExistingURLs returns the subset of urls already stored.
func (s *ArticleStore) ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(urls) == 0 {
		return found, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT url FROM articles WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, fmt.Errorf("lookup articles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan article url: %w", err)
		}
		found[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup articles: %w", err)
	}
	return found, nil
}

// InsertBatch writes articles with one multi-row INSERT inside a
// transaction and returns the URLs inserted. Rows are passed as parallel
// arrays and expanded with unnest.
func (s *ArticleStore) InsertBatch(ctx context.Context, articles []crawler.Article) ([]string, error) {
	if len(articles) == 0 {
		return nil, nil
	}
	n := len(articles)
	var (
		urls       = make([]string, n)
		titles     = make([]string, n)
		contents   = make([]string, n)
		authors    = make([]string, n)
		published  = make([]string, n)
		strategies = make([]string, n)
		extracted  = make([]time.Time, n)
		metas      = make([]string, n)
		htmls      = make([]string, n)
	)
	for i, a := range articles {
		meta, err := metadataJSON(a.Metadata)
		if err != nil {
			return nil, err
		}
		urls[i], titles[i], contents[i] = a.URL, a.Title, a.Content
		authors[i], published[i], strategies[i] = a.Author, a.PublishedDate, a.SourceStrategy
		extracted[i], metas[i], htmls[i] = a.ExtractedAt, string(meta), a.HTML
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin article batch: %w", err)
	}
	rows, err := tx.Query(ctx, `
INSERT INTO articles (url, title, content, author, published_date, source_strategy, extracted_at, metadata, html)
SELECT u, t, c, NULLIF(a, ''), NULLIF(p, ''), s, e, NULLIF(m, '')::jsonb, NULLIF(h, '')
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::timestamptz[], $8::text[], $9::text[])
	AS r(u, t, c, a, p, s, e, m, h)
ON CONFLICT (url) DO NOTHING
RETURNING url`,
		urls, titles, contents, authors, published, strategies, extracted, metas, htmls,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("insert %d articles: %w", n, err)
	}
	inserted := make([]string, 0, n)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("scan inserted url: %w", err)
		}
		inserted = append(inserted, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("insert %d articles: %w", n, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit article batch: %w", err)
	}
	return inserted, nil
}

func metadataJSON(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}
