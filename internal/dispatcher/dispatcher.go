// Package dispatcher coordinates crawl workers: it runs configured spiders
// over their frontier and drains the work queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/sink"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
	"github.com/discourselab/scrapai-cli-sub000/internal/worker"
)

const (
	defaultCheckpointEvery = 25
	defaultPollInterval    = 2 * time.Second
)

// Config controls Orchestrator behavior.
type Config struct {
	// CheckpointDir enables checkpoint/resume for runs without an item limit.
	CheckpointDir string
	// OutputDir receives JSONL files when a run names no output path.
	// Empty means articles only go to the database.
	OutputDir string
	BatchSize int
	// CheckpointEvery is the number of pages between checkpoint saves.
	CheckpointEvery int
	// Topic receives an event per saved article when a publisher is set.
	Topic        string
	PollInterval time.Duration
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Registry  *spider.Registry
	Queue     crawler.WorkQueue
	Articles  crawler.ArticleStore
	Fetcher   worker.PageFetcher
	Extractor worker.Extractor
	Publisher crawler.Publisher
	// Blob receives gzipped output files of drained runs. Nil skips uploads.
	Blob crawler.BlobStore
	// Robots serves spiders that obey robots.txt. Nil allows everything.
	Robots worker.RobotsChecker
	Hasher crawler.Hasher
	Clock  crawler.Clock
	IDs    crawler.IDGenerator
}

// Orchestrator runs spiders and queue workers.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = sink.DefaultBatchSize
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}
}

// ArticleEvent is published for every article the database accepted.
type ArticleEvent struct {
	Spider         string    `json:"spider"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	SourceStrategy string    `json:"source_strategy"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// Attributes exposes the routing fields as message attributes.
func (e ArticleEvent) Attributes() map[string]string {
	return map[string]string{"spider": e.Spider, "source_strategy": e.SourceStrategy}
}

func (o *Orchestrator) onSaved(name string) sink.SavedFunc {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return nil
	}
	return func(ctx context.Context, saved []crawler.Article) {
		for _, a := range saved {
			event := ArticleEvent{
				Spider:         name,
				URL:            a.URL,
				Title:          a.Title,
				SourceStrategy: a.SourceStrategy,
				ExtractedAt:    a.ExtractedAt,
			}
			if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
				o.logger.Warn("publish article event failed", zap.String("url", a.URL), zap.Error(err))
			}
		}
	}
}

// openOutput picks the JSONL target. A resumed run keeps appending to the
// file its checkpoint recorded; anything else starts a fresh file.
func (o *Orchestrator) openOutput(name, requested string, resumeFrom string) (*sink.JSONLWriter, error) {
	path := requested
	appendMode := false
	if resumeFrom != "" && (path == "" || filepath.Clean(path) == filepath.Clean(resumeFrom)) {
		path = resumeFrom
		appendMode = true
	}
	if path == "" {
		if o.cfg.OutputDir == "" {
			return nil, nil
		}
		stamp := o.deps.Clock.Now().UTC().Format("20060102_150405")
		path = filepath.Join(o.cfg.OutputDir, fmt.Sprintf("%s_%s.jsonl", name, stamp))
	}
	return sink.OpenJSONL(path, appendMode)
}

// runEmitter is the innermost yield point of a run: it reserves an item
// slot, writes the article out and hands it to the batch writer.
type runEmitter struct {
	budget *crawler.ItemBudget
	output sink.Output
	batch  *sink.BatchWriter
	logger *zap.Logger
	count  atomic.Int64
}

func (e *runEmitter) Emit(ctx context.Context, a crawler.Article) (bool, error) {
	if !e.budget.Reserve() {
		return false, nil
	}
	if e.output != nil {
		if err := e.output.Write(ctx, a); err != nil {
			return true, fmt.Errorf("write output: %w", err)
		}
	}
	e.count.Add(1)
	if err := e.batch.Add(context.WithoutCancel(ctx), a); err != nil {
		e.logger.Warn("article batch failed", zap.String("url", a.URL), zap.Error(err))
	}
	return true, nil
}

// Count returns the number of articles accepted so far.
func (e *runEmitter) Count() int { return int(e.count.Load()) }

func closeOutput(out sink.Output, logger *zap.Logger) {
	if out == nil {
		return
	}
	if err := out.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("close output failed", zap.String("path", out.Path()), zap.Error(err))
	}
}
