package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, DatabaseSQLite, cfg.Database.Kind)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	require.Equal(t, 30*time.Minute, cfg.Queue.StaleAfter)
	require.Equal(t, 30*time.Second, cfg.HTTPTimeout())
	require.Equal(t, crawler.ProxyModeAuto, cfg.ProxyMode())
	require.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
database:
  kind: postgres
  dsn: postgres://localhost/scrapai
  max_conns: 16
queue:
  workers: 4
  poll_interval: 500ms
crawler:
  checkpoint_dir: /tmp/ckpt
  batch_size: 10
  concurrency: 6
http:
  timeout_seconds: 45
  max_retries: 4
proxy:
  mode: datacenter
  datacenter: http://dc.proxy:8080
browser:
  enabled: true
  max_parallel: 3
evasion:
  refresh_threshold: 5m
upload:
  backend: gcs
  bucket: articles
pubsub:
  project_id: proj
  topic_name: articles
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
spiders:
  files: ["spiders/news.yaml"]
  definitions:
    - name: bbc
      allowed_domains: [bbc.co.uk]
      start_urls: ["https://www.bbc.co.uk/news"]
      rules:
        - allow: ["/news/articles/"]
          callback: parse_article
          priority: 5
      settings:
        download_delay: 2
    - name: paused
      active: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	require.Equal(t, DatabasePostgres, cfg.Database.Kind)
	require.Equal(t, int32(16), cfg.Database.MaxConns)
	require.Equal(t, 4, cfg.Queue.Workers)
	require.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
	require.Equal(t, "/tmp/ckpt", cfg.Crawler.CheckpointDir)
	require.Equal(t, 6, cfg.Crawler.Concurrency)
	require.Equal(t, 45*time.Second, cfg.HTTPTimeout())
	require.Equal(t, crawler.ProxyModeDatacenter, cfg.ProxyMode())
	require.Equal(t, 3, cfg.Browser.MaxParallel)
	require.Equal(t, 5*time.Minute, cfg.Evasion.RefreshThreshold)
	require.Equal(t, "articles", cfg.Upload.Bucket)
	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, []string{"spiders/news.yaml"}, cfg.Spiders.Files)

	require.Len(t, cfg.Spiders.Definitions, 2)
	bbc := cfg.Spiders.Definitions[0].SpiderConfig()
	require.Equal(t, "bbc", bbc.Name)
	require.True(t, bbc.Active)
	require.Len(t, bbc.Rules, 1)
	require.Equal(t, "parse_article", bbc.Rules[0].Callback)
	require.Equal(t, 5, bbc.Rules[0].Priority)
	require.Contains(t, bbc.Settings, "download_delay")
	require.False(t, cfg.Spiders.Definitions[1].SpiderConfig().Active)
}

func TestLoadEnvAndFlagOverrides(t *testing.T) {
	t.Setenv("SCRAPAI_SERVER_PORT", "7070")
	t.Setenv("SCRAPAI_DATABASE_KIND", "memory")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 1, "")
	flags.Bool("dev", true, "")
	require.NoError(t, flags.Parse([]string{"--workers=5"}))

	cfg, err := Load("", map[string]*pflag.Flag{
		"queue.workers":       flags.Lookup("workers"),
		"logging.development": flags.Lookup("dev"),
	})
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, DatabaseMemory, cfg.Database.Kind)
	require.Equal(t, 5, cfg.Queue.Workers)
	require.True(t, cfg.Logging.Development, "unset flag must not override the default")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorContains(t, err, "read config")
}

func TestRetryPolicyFromHTTP(t *testing.T) {
	t.Parallel()

	cfg := Config{HTTP: HTTPConfig{MaxRetries: 2, BackoffInitialMs: 100, BackoffMaxMs: 400}}
	policy := cfg.RetryPolicy()
	require.False(t, policy.ShouldRetry(nil, 0))
	require.LessOrEqual(t, policy.Backoff(10), 400*time.Millisecond)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Database: DatabaseConfig{Kind: DatabaseMemory},
		Queue:    QueueConfig{Workers: 1},
		Crawler:  CrawlerConfig{BatchSize: 10},
		HTTP:     HTTPConfig{TimeoutSeconds: 10},
		Server:   ServerConfig{Port: 8080},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown database", func(c *Config) { c.Database.Kind = "mysql" }, "database.kind"},
		{"postgres without dsn", func(c *Config) { c.Database.Kind = DatabasePostgres }, "database.dsn"},
		{"sqlite without path", func(c *Config) { c.Database.Kind = DatabaseSQLite }, "database.sqlite_path"},
		{"no workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"no batch size", func(c *Config) { c.Crawler.BatchSize = 0 }, "crawler.batch_size"},
		{"negative concurrency", func(c *Config) { c.Crawler.Concurrency = -1 }, "crawler.concurrency"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"bad proxy mode", func(c *Config) { c.Proxy.Mode = "tor" }, "proxy.mode"},
		{"browser without parallelism", func(c *Config) { c.Browser.Enabled = true }, "browser.max_parallel"},
		{"gcs without bucket", func(c *Config) { c.Upload.Backend = UploadGCS }, "upload.bucket"},
		{"local without dir", func(c *Config) { c.Upload.Backend = UploadLocal }, "upload.local_dir"},
		{"unknown upload", func(c *Config) { c.Upload.Backend = "s3" }, "upload.backend"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unnamed spider", func(c *Config) {
			c.Spiders.Definitions = []SpiderDefinition{{StartURLs: []string{"https://a.test"}}}
		}, "spiders.definitions[0].name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
