package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/config"
	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/dispatcher"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Database: config.DatabaseConfig{Kind: config.DatabaseMemory},
		Queue:    config.QueueConfig{Workers: 1},
		Crawler: config.CrawlerConfig{
			UserAgent:     "scrapai-test",
			CheckpointDir: filepath.Join(dir, "checkpoints"),
			BatchSize:     10,
		},
		HTTP:   config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 1, BackoffInitialMs: 10, BackoffMaxMs: 20},
		Proxy:  config.ProxyConfig{Mode: string(crawler.ProxyModeAuto)},
		Output: config.OutputConfig{Dir: filepath.Join(dir, "output")},
		Upload: config.UploadConfig{Backend: config.UploadMemory, Prefix: "scrapai"},
		Server: config.ServerConfig{Port: 8080},
		Spiders: config.SpidersConfig{Definitions: []config.SpiderDefinition{{
			Name:           "bbc",
			AllowedDomains: []string{"bbc.co.uk"},
			StartURLs:      []string{"https://www.bbc.co.uk/news"},
		}}},
	}
}

func TestBuildWithMemoryDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := BuildWithLogger(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	sp, err := a.Registry.Get(ctx, "bbc")
	require.NoError(t, err)
	require.Equal(t, "bbc", sp.Name())

	rec := httptest.NewRecorder()
	a.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/spiders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"bbc"`)
}

func TestBuildQueueDrainsEmptyProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := BuildWithLogger(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	stats, err := a.Orchestrator.RunQueue(ctx, "bbc", dispatcher.QueueOptions{UntilEmpty: true})
	require.NoError(t, err)
	require.Zero(t, stats.Claimed)
}

func TestBuildWithSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Kind: config.DatabaseSQLite, SQLitePath: filepath.Join(t.TempDir(), "db", "scrapai.db")}

	a, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	id, err := a.Queue.Enqueue(ctx, crawler.EnqueueRequest{Project: "bbc", TargetURL: "https://www.bbc.co.uk/news/1"})
	require.NoError(t, err)
	item, err := a.Queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusPending, item.Status)
	require.NoError(t, a.ready(ctx))

	list, err := a.Registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestBuildImportsSpiderFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "spiders.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: guardian\nstart_urls: [https://www.theguardian.com/]\n"), 0o600))
	cfg := testConfig(t)
	cfg.Spiders.Files = []string{path}

	ctx := context.Background()
	a, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	_, err = a.Registry.Get(ctx, "guardian")
	require.NoError(t, err)
}

func TestBuildFailsOnMissingSpiderFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Spiders.Files = []string{filepath.Join(t.TempDir(), "missing.yaml")}

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "spider file")
}
