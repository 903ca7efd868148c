// Package sqlite stores articles and spider definitions in the embedded database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// lookupChunk keeps IN lists under SQLite's bound-parameter limit.
const lookupChunk = 500

// ArticleStore implements crawler.ArticleStore.
type ArticleStore struct {
	db *sql.DB
}

// NewArticleStore wraps a handle opened with database.OpenSQLite.
func NewArticleStore(db *sql.DB) *ArticleStore {
	return &ArticleStore{db: db}
}

// ExistingURLs returns the subset of urls already stored.
func (s *ArticleStore) ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(urls); start += lookupChunk {
		end := min(start+lookupChunk, len(urls))
		chunk := urls[start:end]
		args := make([]any, len(chunk))
		for i, u := range chunk {
			args[i] = u
		}
		query := `SELECT url FROM articles WHERE url IN (` + strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
		if err := s.collect(ctx, query, args, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *ArticleStore) collect(ctx context.Context, query string, args []any, into map[string]struct{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("lookup articles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return fmt.Errorf("scan article url: %w", err)
		}
		into[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lookup articles: %w", err)
	}
	return nil
}

// InsertBatch writes articles in one transaction and returns the URLs inserted.
// Any failure rolls back the whole batch.
func (s *ArticleStore) InsertBatch(ctx context.Context, articles []crawler.Article) ([]string, error) {
	if len(articles) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin article batch: %w", err)
	}
	inserted := make([]string, 0, len(articles))
	for _, a := range articles {
		meta, err := encodeMetadata(a.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		var u string
		err = tx.QueryRowContext(ctx, `
INSERT INTO articles (url, title, content, author, published_date, source_strategy, extracted_at, metadata, html)
VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''))
ON CONFLICT (url) DO NOTHING
RETURNING url`,
			a.URL, a.Title, a.Content, a.Author, a.PublishedDate, a.SourceStrategy,
			a.ExtractedAt.UTC().UnixMicro(), meta, a.HTML,
		).Scan(&u)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("insert article %s: %w", a.URL, err)
		}
		inserted = append(inserted, u)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit article batch: %w", err)
	}
	return inserted, nil
}

// Count returns the number of stored articles.
func (s *ArticleStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return n, nil
}

func encodeMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}
