// Package app builds the long-lived services of a scrapai process from
// configuration and tears them down again.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discourselab/scrapai-cli-sub000/internal/api"
	"github.com/discourselab/scrapai-cli-sub000/internal/clock/system"
	"github.com/discourselab/scrapai-cli-sub000/internal/config"
	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/database"
	"github.com/discourselab/scrapai-cli-sub000/internal/dispatcher"
	"github.com/discourselab/scrapai-cli-sub000/internal/evasion"
	"github.com/discourselab/scrapai-cli-sub000/internal/extract"
	collyfetcher "github.com/discourselab/scrapai-cli-sub000/internal/fetcher/colly"
	"github.com/discourselab/scrapai-cli-sub000/internal/fetcher/headless"
	"github.com/discourselab/scrapai-cli-sub000/internal/hash/sha256"
	"github.com/discourselab/scrapai-cli-sub000/internal/headless/detector"
	"github.com/discourselab/scrapai-cli-sub000/internal/id/uuid"
	"github.com/discourselab/scrapai-cli-sub000/internal/logging"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
	"github.com/discourselab/scrapai-cli-sub000/internal/policy/robots"
	gcppublisher "github.com/discourselab/scrapai-cli-sub000/internal/publisher/pubsub"
	queuememory "github.com/discourselab/scrapai-cli-sub000/internal/queue/memory"
	queuepostgres "github.com/discourselab/scrapai-cli-sub000/internal/queue/postgres"
	queuesqlite "github.com/discourselab/scrapai-cli-sub000/internal/queue/sqlite"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
	gcsstorage "github.com/discourselab/scrapai-cli-sub000/internal/storage/gcs"
	localstorage "github.com/discourselab/scrapai-cli-sub000/internal/storage/local"
	memorystorage "github.com/discourselab/scrapai-cli-sub000/internal/storage/memory"
	pgstore "github.com/discourselab/scrapai-cli-sub000/internal/storage/postgres"
	sqlitestore "github.com/discourselab/scrapai-cli-sub000/internal/storage/sqlite"
	"github.com/discourselab/scrapai-cli-sub000/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Clock        crawler.Clock
	Queue        crawler.WorkQueue
	Articles     crawler.ArticleStore
	Registry     *spider.Registry
	Evasion      *evasion.Shared
	Orchestrator *dispatcher.Orchestrator
	API          *api.Server

	pgPool          *pgxpool.Pool
	sqliteDB        *sql.DB
	browser         *headless.Browser
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-provided logger. On error every
// resource opened so far is released.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Clock: system.New()}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	shutdown, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "scrapai"})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = shutdown

	a.Logger.Info("building application dependencies",
		zap.String("database", a.Config.Database.Kind),
		zap.String("upload", a.Config.Upload.Backend),
		zap.Bool("browser", a.Config.Browser.Enabled),
	)
	spiders, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	a.Registry = spider.NewRegistry(spiders, a.Clock, a.Logger.Named("spiders"))
	if err := a.importConfiguredSpiders(ctx); err != nil {
		return err
	}

	blob, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	fetcher, renderer, err := a.setupFetchers()
	if err != nil {
		return err
	}
	chain := a.setupExtraction(renderer)
	hasher, err := sha256.NewTruncated(16)
	if err != nil {
		return err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "scrapai"
	}

	robotsPolicy := robots.New(robots.Config{
		UserAgent: a.Config.Crawler.UserAgent,
		Timeout:   a.Config.HTTPTimeout(),
	}, a.Logger.Named("robots"))
	a.Orchestrator = dispatcher.New(dispatcher.Deps{
		Registry:  a.Registry,
		Queue:     a.Queue,
		Articles:  a.Articles,
		Fetcher:   fetcher,
		Extractor: chain,
		Publisher: publisher,
		Blob:      blob,
		Robots:    robotsPolicy,
		Hasher:    hasher,
		Clock:     a.Clock,
		IDs:       uuid.New(host),
	}, dispatcher.Config{
		CheckpointDir:   a.Config.Crawler.CheckpointDir,
		OutputDir:       a.Config.Output.Dir,
		BatchSize:       a.Config.Crawler.BatchSize,
		CheckpointEvery: a.Config.Crawler.CheckpointEvery,
		Topic:           a.Config.PubSub.TopicName,
		PollInterval:    a.Config.Queue.PollInterval,
	}, a.Logger.Named("orchestrator"))

	a.API = api.NewServer(
		a.Queue,
		a.Registry,
		a.Evasion.Blocked,
		a.ready,
		api.Config{AuthEnabled: a.Config.Auth.Enabled, APIKey: a.Config.Auth.APIKey},
		a.Logger.Named("api"),
	)
	return nil
}

// setupDatabase opens the configured store and returns its spider store.
func (a *App) setupDatabase(ctx context.Context) (crawler.SpiderStore, error) {
	switch a.Config.Database.Kind {
	case config.DatabasePostgres:
		pool, err := database.OpenPostgres(ctx, database.PostgresConfig{
			DSN:             a.Config.Database.DSN,
			MaxConns:        a.Config.Database.MaxConns,
			MinConns:        a.Config.Database.MinConns,
			MaxConnLifetime: a.Config.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		a.pgPool = pool
		if a.Queue, err = queuepostgres.New(pool, a.Clock); err != nil {
			return nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		if a.Articles, err = pgstore.NewArticleStore(pool); err != nil {
			return nil, fmt.Errorf("postgres article store init failed: %w", err)
		}
		spiders, err := pgstore.NewSpiderStore(pool)
		if err != nil {
			return nil, fmt.Errorf("postgres spider store init failed: %w", err)
		}
		a.Logger.Info("using postgres database")
		return spiders, nil
	case config.DatabaseSQLite:
		db, err := database.OpenSQLite(a.Config.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite init failed: %w", err)
		}
		a.sqliteDB = db
		a.Queue = queuesqlite.New(db, a.Clock)
		a.Articles = sqlitestore.NewArticleStore(db)
		a.Logger.Info("using sqlite database", zap.String("path", a.Config.Database.SQLitePath))
		return sqlitestore.NewSpiderStore(db, a.Clock), nil
	default:
		a.Logger.Warn("using in-memory database, nothing survives the process")
		a.Queue = queuememory.NewQueue(a.Clock)
		a.Articles = memorystorage.NewArticleStore()
		return memorystorage.NewSpiderStore(), nil
	}
}

func (a *App) importConfiguredSpiders(ctx context.Context) error {
	var cfgs []crawler.SpiderConfig
	for _, path := range a.Config.Spiders.Files {
		loaded, err := spider.LoadFile(path)
		if err != nil {
			return fmt.Errorf("spider file %s: %w", path, err)
		}
		cfgs = append(cfgs, loaded...)
	}
	for _, def := range a.Config.Spiders.Definitions {
		cfgs = append(cfgs, def.SpiderConfig())
	}
	if len(cfgs) == 0 {
		return nil
	}
	if err := a.Registry.Import(ctx, cfgs); err != nil {
		return fmt.Errorf("import configured spiders: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.Config.Upload.Backend {
	case config.UploadGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blob, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.Config.Upload.Bucket,
			Prefix: a.Config.Upload.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.Logger.Info("uploading output to GCS", zap.String("bucket", a.Config.Upload.Bucket))
		return blob, nil
	case config.UploadLocal:
		blob, err := localstorage.New(localstorage.Config{BaseDir: a.Config.Upload.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.Logger.Info("uploading output to a local directory", zap.String("path", a.Config.Upload.LocalDir))
		return blob, nil
	case config.UploadMemory:
		a.Logger.Info("uploading output to memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.Logger.Info("output upload disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.Config.PubSub.TopicName == "" || a.Config.PubSub.ProjectID == "" {
		a.Logger.Info("no Pub/Sub topic configured, article events disabled")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.Config.PubSub.TopicName)
	a.Logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.Config.PubSub.ProjectID),
		zap.String("topic", a.Config.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// setupFetchers builds the evasion controller over colly and, when
// enabled, Chrome. The returned renderer also serves browser extraction.
func (a *App) setupFetchers() (*evasion.Controller, crawler.Renderer, error) {
	httpFetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:        a.Config.Crawler.UserAgent,
		Timeout:          a.Config.HTTPTimeout(),
		DatacenterProxy:  a.Config.Proxy.Datacenter,
		ResidentialProxy: a.Config.Proxy.Residential,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("http fetcher init failed: %w", err)
	}

	var renderer crawler.Renderer = headless.NewDisabled()
	if a.Config.Browser.Enabled {
		browser, err := headless.New(headless.Config{
			Headless:          a.Config.Browser.Headless,
			ExecPath:          a.Config.Browser.ExecPath,
			ProxyServer:       a.Config.Browser.ProxyServer,
			UserAgent:         a.Config.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.Config.Browser.NavTimeoutSeconds) * time.Second,
			MaxParallel:       a.Config.Browser.MaxParallel,
		}, a.Logger.Named("browser"))
		if err != nil {
			return nil, nil, fmt.Errorf("browser init failed: %w", err)
		}
		a.browser = browser
		renderer = browser
		a.Logger.Info("browser enabled", zap.Int("max_parallel", a.Config.Browser.MaxParallel))
	}

	a.Evasion = evasion.NewShared(renderer, a.Config.Evasion.RefreshThreshold)
	router := evasion.NewProxyRouter(httpFetcher, a.Evasion.Blocked, a.Config.RetryPolicy(), a.Logger.Named("proxy"))
	controller := evasion.NewController(a.Evasion, router, evasion.NewDetector(), a.Clock, a.Logger.Named("evasion"))
	return controller, renderer, nil
}

func (a *App) setupExtraction(renderer crawler.Renderer) *extract.Chain {
	chain := extract.NewChain(
		extract.NewPool(a.Config.Extraction.PoolSize),
		a.Clock,
		a.Logger.Named("extract"),
		extract.NewPatternStrategy(a.Clock),
		extract.NewHeuristicStrategy(a.Clock),
		extract.NewBrowserStrategy(renderer, extract.NewHeuristicStrategy(a.Clock)),
	)
	if a.Config.Browser.Enabled {
		chain.WithShellDetector(detector.NewHeuristic(a.Config.Extraction.ShellThreshold))
	}
	return chain
}

func (a *App) ready(ctx context.Context) error {
	switch {
	case a.pgPool != nil:
		return a.pgPool.Ping(ctx)
	case a.sqliteDB != nil:
		return a.sqliteDB.PingContext(ctx)
	default:
		return nil
	}
}

// Serve runs the admin API, plus a queue drain for each of projects, and
// blocks until ctx is canceled or a signal arrives.
func (a *App) Serve(ctx context.Context, projects []string, workers int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, project := range projects {
		g.Go(func() error {
			a.Logger.Info("queue workers started", zap.String("project", project))
			_, err := a.Orchestrator.RunQueue(gctx, project, dispatcher.QueueOptions{Workers: workers})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("queue %s: %w", project, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.Logger.Sync(); err != nil {
		a.Logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.Logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.sqliteDB != nil {
		if err := a.sqliteDB.Close(); err != nil {
			a.Logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
