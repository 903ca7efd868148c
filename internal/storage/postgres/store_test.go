package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

func TestInsertBatchCommitsInsertedURLs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	articles := []crawler.Article{
		{URL: "https://a.test/1", Title: "First story", Content: "body", SourceStrategy: "pattern", ExtractedAt: now},
		{URL: "https://a.test/2", Title: "Second story", Content: "body", SourceStrategy: "pattern", ExtractedAt: now},
	}

	articles[1].Metadata = map[string]any{"section": "world"}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO articles .+ FROM unnest`).
		WithArgs(
			[]string{"https://a.test/1", "https://a.test/2"},
			[]string{"First story", "Second story"},
			[]string{"body", "body"},
			[]string{"", ""},
			[]string{"", ""},
			[]string{"pattern", "pattern"},
			[]time.Time{now, now},
			[]string{"", `{"section":"world"}`},
			[]string{"", ""},
		).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://a.test/1"))
	mock.ExpectCommit()

	inserted, err := store.InsertBatch(context.Background(), articles)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.test/1"}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO articles").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err = store.InsertBatch(context.Background(), []crawler.Article{{URL: "https://a.test/1"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingURLs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	urls := []string{"https://a.test/1", "https://a.test/2"}
	mock.ExpectQuery("SELECT url FROM articles").
		WithArgs(urls).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://a.test/2"))

	found, err := store.ExistingURLs(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"https://a.test/2": {}}, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSpiderNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSpiderStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT name").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"name", "allowed_domains", "start_urls", "rules", "settings", "active"}))

	_, err = store.GetSpider(context.Background(), "ghost")
	require.ErrorIs(t, err, crawler.ErrSpiderNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSpiderDecodesJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSpiderStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT name").
		WithArgs("news").
		WillReturnRows(pgxmock.NewRows([]string{"name", "allowed_domains", "start_urls", "rules", "settings", "active"}).
			AddRow("news",
				[]byte(`["news.test"]`),
				[]byte(`["https://news.test/"]`),
				[]byte(`[{"allow":["/a/"],"callback":"parse_article","follow":false,"priority":3}]`),
				[]byte(`{"USE_BROWSER":true}`),
				true))

	cfg, err := store.GetSpider(context.Background(), "news")
	require.NoError(t, err)
	require.Equal(t, []string{"news.test"}, cfg.AllowedDomains)
	require.Len(t, cfg.Rules, 1)
	require.Equal(t, "parse_article", cfg.Rules[0].Callback)
	require.Equal(t, true, cfg.Settings["USE_BROWSER"])
	require.True(t, cfg.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSpiderUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSpiderStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("ON CONFLICT \\(name\\) DO UPDATE").
		WithArgs("news", []byte(`[]`), []byte(`[]`), []byte(`[]`), []byte(`{}`), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveSpider(context.Background(), crawler.SpiderConfig{Name: "news", Active: true}))
	require.NoError(t, mock.ExpectationsWereMet())
}
