package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/app"
	"github.com/discourselab/scrapai-cli-sub000/internal/config"
	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// sqliteFactory keeps state in one database across invocations.
func sqliteFactory(t *testing.T) appFactory {
	t.Helper()
	dir := t.TempDir()
	return func(ctx context.Context, cfg config.Config) (*app.App, error) {
		cfg.Database = config.DatabaseConfig{Kind: config.DatabaseSQLite, SQLitePath: filepath.Join(dir, "scrapai.db")}
		cfg.Crawler.CheckpointDir = filepath.Join(dir, "checkpoints")
		cfg.Output.Dir = filepath.Join(dir, "output")
		return app.BuildWithLogger(ctx, cfg, zap.NewNop())
	}
}

func run(t *testing.T, build appFactory, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(context.Background(), build, args, &out)
	return out.String(), err
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	out, err := run(t, build, "queue", "add", "news", "https://example.com/a", "--priority", "9")
	require.NoError(t, err)
	require.Contains(t, out, `"id": 1`)
	_, err = run(t, build, "queue", "add", "news", "https://example.com/b")
	require.NoError(t, err)

	_, err = run(t, build, "queue", "add", "news", "https://example.com/a")
	require.ErrorIs(t, err, crawler.ErrDuplicate)

	out, err = run(t, build, "queue", "claim", "news", "--claimant", "w1")
	require.NoError(t, err)
	var item crawler.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &item))
	require.Equal(t, "https://example.com/a", item.TargetURL)
	require.Equal(t, "w1", item.Claimant)

	_, err = run(t, build, "queue", "complete", "1")
	require.NoError(t, err)
	_, err = run(t, build, "queue", "claim", "news")
	require.NoError(t, err)
	_, err = run(t, build, "queue", "fail", "2", "--message", "timeout")
	require.NoError(t, err)

	out, err = run(t, build, "queue", "stats", "news")
	require.NoError(t, err)
	var stats map[crawler.QueueStatus]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats[crawler.QueueStatusCompleted])
	require.Equal(t, 1, stats[crawler.QueueStatusFailed])

	_, err = run(t, build, "queue", "retry", "2")
	require.NoError(t, err)
	out, err = run(t, build, "queue", "list", "news", "--status", "pending")
	require.NoError(t, err)
	var items []crawler.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].RetryCount)

	out, err = run(t, build, "queue", "cleanup")
	require.NoError(t, err)
	require.Contains(t, out, `"removed": 1`)

	_, err = run(t, build, "queue", "remove", "2")
	require.NoError(t, err)
	out, err = run(t, build, "queue", "claim", "news")
	require.NoError(t, err)
	require.Contains(t, out, `"claimed": false`)
}

func TestQueueItemErrors(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	_, err := run(t, build, "queue", "retry", "abc")
	require.ErrorContains(t, err, "invalid item id")

	_, err = run(t, build, "queue", "complete", "42")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = run(t, build, "queue", "fail", "1")
	require.ErrorContains(t, err, "message")
}

func TestQueueRequeueStale(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	_, err := run(t, build, "queue", "add", "news", "https://example.com/a")
	require.NoError(t, err)
	_, err = run(t, build, "queue", "claim", "news")
	require.NoError(t, err)

	out, err := run(t, build, "queue", "requeue-stale", "--older-than", "1h")
	require.NoError(t, err)
	require.Contains(t, out, `"requeued": 0`)
}

func TestSpidersImportAndList(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	path := filepath.Join(t.TempDir(), "spiders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`spiders:
  - name: news
    allowed_domains: [example.com]
    start_urls: [https://example.com/]
  - name: archive
    start_urls: [https://example.com/archive]
    active: false
`), 0o600))

	out, err := run(t, build, "spiders", "import", path)
	require.NoError(t, err)
	require.Contains(t, out, `"news"`)

	out, err = run(t, build, "spiders", "list")
	require.NoError(t, err)
	var cfgs []crawler.SpiderConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfgs))
	require.Len(t, cfgs, 2)
}

func TestCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	_, err := run(t, build, "crawl", "missing")
	require.ErrorIs(t, err, crawler.ErrSpiderNotFound)

	_, err = run(t, build, "crawl", "missing", "--proxy-type", "tor")
	require.ErrorContains(t, err, "--proxy-type")
}

func TestWorkUntilEmpty(t *testing.T) {
	t.Parallel()
	build := sqliteFactory(t)

	out, err := run(t, build, "work", "news", "--until-empty", "--workers", "2")
	require.NoError(t, err)
	require.Contains(t, out, `"claimed": 0`)
}

func TestInvalidConfigFails(t *testing.T) {
	t.Parallel()

	_, err := run(t, sqliteFactory(t), "queue", "stats", "news", "--database", "mysql")
	require.ErrorContains(t, err, "database.kind")
}
