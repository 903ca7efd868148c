// Package config loads and validates scrapai configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Database kinds.
const (
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite"
	DatabaseMemory   = "memory"
)

// Upload backends.
const (
	UploadNone   = ""
	UploadGCS    = "gcs"
	UploadLocal  = "local"
	UploadMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Evasion    EvasionConfig    `mapstructure:"evasion"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Output     OutputConfig     `mapstructure:"output"`
	Upload     UploadConfig     `mapstructure:"upload"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Spiders    SpidersConfig    `mapstructure:"spiders"`
}

// DatabaseConfig selects the store behind the queue, articles and spiders.
type DatabaseConfig struct {
	Kind            string        `mapstructure:"kind"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig controls queue workers.
type QueueConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// CrawlerConfig governs spider runs.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	CheckpointDir   string `mapstructure:"checkpoint_dir"`
	CheckpointEvery int    `mapstructure:"checkpoint_every"`
	BatchSize       int    `mapstructure:"batch_size"`
	// Concurrency overrides the spider's concurrent_requests when > 0.
	Concurrency int `mapstructure:"concurrency"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// ProxyConfig names the proxy tiers.
type ProxyConfig struct {
	Mode        string `mapstructure:"mode"`
	Datacenter  string `mapstructure:"datacenter"`
	Residential string `mapstructure:"residential"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	ProxyServer       string `mapstructure:"proxy_server"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// EvasionConfig tunes challenge sessions. Spider settings override the
// refresh threshold per identity.
type EvasionConfig struct {
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
}

// ExtractionConfig sizes the extraction pool.
type ExtractionConfig struct {
	PoolSize int `mapstructure:"pool_size"`
	// ShellThreshold is the size in bytes below which a script-heavy page is
	// sent to the browser first. Only used when the browser is enabled.
	ShellThreshold int `mapstructure:"shell_threshold"`
}

// OutputConfig sets where JSONL files go when a run names none.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// UploadConfig selects where finished output files are shipped.
type UploadConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for article events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SpidersConfig lists spiders imported at startup.
type SpidersConfig struct {
	Files       []string           `mapstructure:"files"`
	Definitions []SpiderDefinition `mapstructure:"definitions"`
}

// SpiderDefinition is an inline spider. Active defaults to true.
type SpiderDefinition struct {
	Name           string         `mapstructure:"name"`
	AllowedDomains []string       `mapstructure:"allowed_domains"`
	StartURLs      []string       `mapstructure:"start_urls"`
	Rules          []crawler.Rule `mapstructure:"rules"`
	Settings       map[string]any `mapstructure:"settings"`
	Active         *bool          `mapstructure:"active"`
}

// SpiderConfig converts the definition.
func (d SpiderDefinition) SpiderConfig() crawler.SpiderConfig {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return crawler.SpiderConfig{
		Name:           d.Name,
		AllowedDomains: d.AllowedDomains,
		StartURLs:      d.StartURLs,
		Rules:          d.Rules,
		Settings:       d.Settings,
		Active:         active,
	}
}

// Load builds a Config from disk/environment. flags maps config keys to
// command-line flags; a flag only overrides the key when it was set.
func Load(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for key, flag := range flags {
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.kind", DatabaseSQLite)
	v.SetDefault("database.sqlite_path", "data/scrapai.db")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.stale_after", "30m")
	v.SetDefault("crawler.user_agent", "scrapai/1.0")
	v.SetDefault("crawler.checkpoint_dir", "data/checkpoints")
	v.SetDefault("crawler.checkpoint_every", 25)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("proxy.mode", string(crawler.ProxyModeAuto))
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("evasion.refresh_threshold", "10m")
	v.SetDefault("extraction.shell_threshold", 2048)
	v.SetDefault("output.dir", "data/output")
	v.SetDefault("upload.prefix", "scrapai")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Kind {
	case DatabasePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for postgres")
		}
	case DatabaseSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for sqlite")
		}
	case DatabaseMemory:
	default:
		return fmt.Errorf("database.kind %q is not one of postgres, sqlite, memory", c.Database.Kind)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.Concurrency < 0 {
		return fmt.Errorf("crawler.concurrency must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if _, err := crawler.ParseProxyMode(c.Proxy.Mode); err != nil {
		return fmt.Errorf("proxy.mode: %w", err)
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	switch c.Upload.Backend {
	case UploadNone, UploadMemory:
	case UploadGCS:
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket must be set for gcs")
		}
	case UploadLocal:
		if c.Upload.LocalDir == "" {
			return fmt.Errorf("upload.local_dir must be set for local uploads")
		}
	default:
		return fmt.Errorf("upload.backend %q is not one of gcs, local, memory", c.Upload.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for i, def := range c.Spiders.Definitions {
		if strings.TrimSpace(def.Name) == "" {
			return fmt.Errorf("spiders.definitions[%d].name must be set", i)
		}
	}
	return nil
}

// HTTPTimeout converts the HTTP timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryPolicy builds the fetch retry policy from the HTTP section.
func (c Config) RetryPolicy() *crawler.ExponentialRetryPolicy {
	return crawler.NewRetryPolicy(
		c.HTTP.MaxRetries,
		time.Duration(c.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs)*time.Millisecond,
	)
}

// ProxyMode returns the parsed default proxy mode.
func (c Config) ProxyMode() crawler.ProxyMode {
	mode, _ := crawler.ParseProxyMode(c.Proxy.Mode)
	return mode
}
