package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/database"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func openDB(t *testing.T) *ArticleStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewArticleStore(db)
}

func article(url string) crawler.Article {
	return crawler.Article{
		URL:            url,
		Title:          "A title for " + url,
		Content:        "body",
		SourceStrategy: "pattern",
		ExtractedAt:    time.Unix(1700000000, 0).UTC(),
		Metadata:       map[string]any{"section": "news"},
	}
}

func TestInsertBatchSkipsExistingURLs(t *testing.T) {
	t.Parallel()

	store := openDB(t)
	ctx := context.Background()

	inserted, err := store.InsertBatch(ctx, []crawler.Article{article("https://a.test/1"), article("https://a.test/2")})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.test/1", "https://a.test/2"}, inserted)

	inserted, err = store.InsertBatch(ctx, []crawler.Article{article("https://a.test/2"), article("https://a.test/3")})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.test/3"}, inserted)

	existing, err := store.ExistingURLs(ctx, []string{"https://a.test/1", "https://a.test/9"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"https://a.test/1": {}}, existing)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestInsertBatchEmpty(t *testing.T) {
	t.Parallel()

	store := openDB(t)
	inserted, err := store.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, inserted)
}

func TestSpiderStoreRoundTrip(t *testing.T) {
	t.Parallel()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "spiders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSpiderStore(db, fixedClock{now: time.Unix(1700000000, 0).UTC()})
	ctx := context.Background()

	_, err = store.GetSpider(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrSpiderNotFound)

	cfg := crawler.SpiderConfig{
		Name:           "news",
		AllowedDomains: []string{"news.test"},
		StartURLs:      []string{"https://news.test/"},
		Rules:          []crawler.Rule{{Allow: []string{"/article/"}, Callback: "parse_article", Priority: 10}},
		Settings:       map[string]any{"EXTRACTOR_ORDER": []any{"pattern", "heuristic"}},
		Active:         true,
	}
	require.NoError(t, store.SaveSpider(ctx, cfg))

	got, err := store.GetSpider(ctx, "news")
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	cfg.Active = false
	require.NoError(t, store.SaveSpider(ctx, cfg))
	all, err := store.ListSpiders(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Active)

	require.Error(t, store.SaveSpider(ctx, crawler.SpiderConfig{}))
}
