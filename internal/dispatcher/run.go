package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discourselab/scrapai-cli-sub000/internal/checkpoint"
	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
	"github.com/discourselab/scrapai-cli-sub000/internal/policy/ratelimit"
	"github.com/discourselab/scrapai-cli-sub000/internal/sink"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
	"github.com/discourselab/scrapai-cli-sub000/internal/telemetry"
	"github.com/discourselab/scrapai-cli-sub000/internal/worker"
)

// RunOptions tune one spider run.
type RunOptions struct {
	// Limit stops the run after this many articles. Zero is unlimited and
	// marks a production run, the only kind that checkpoints.
	Limit   int
	Timeout time.Duration
	// ProxyMode overrides the spider's proxy type when set.
	ProxyMode crawler.ProxyMode
	Browser   bool
	// ResetDedup discards the checkpoint and refetches stored articles.
	ResetDedup bool
	// Output is the JSONL path. Empty falls back to the checkpoint's file or
	// a new file under the configured output dir.
	Output string
	// Rolling writes one JSONL file per day under the output dir.
	Rolling     bool
	Concurrency int
}

// RunStats summarizes a spider run.
type RunStats struct {
	Spider     string `json:"spider"`
	Pages      int    `json:"pages"`
	Failed     int    `json:"failed"`
	Items      int    `json:"items"`
	Saved      int    `json:"saved"`
	Duplicates int    `json:"duplicates"`
	SaveFailed int    `json:"save_failed"`
	Output     string `json:"output,omitempty"`
	Uploaded   string `json:"uploaded,omitempty"`
	Resumed    bool   `json:"resumed"`
	Drained    bool   `json:"drained"`
	StopReason string `json:"stop_reason,omitempty"`
}

type spiderRun struct {
	o       *Orchestrator
	sp      *spider.Spider
	opts    RunOptions
	front   *frontier
	cp      *checkpoint.Store
	worker  *worker.Worker
	emitter *runEmitter
	stop    *crawler.StopToken
	logger  *zap.Logger

	mu        sync.Mutex
	inflight  map[string]checkpoint.Entry
	pages     int
	failed    int
	lastSaved int
	baseItems int
}

// RunSpider crawls one configured spider until its frontier drains, the
// item limit or timeout is reached, or ctx ends.
func (o *Orchestrator) RunSpider(ctx context.Context, name string, opts RunOptions) (RunStats, error) {
	sp, err := o.deps.Registry.Get(ctx, name)
	if err != nil {
		return RunStats{}, err
	}
	ctx, span := telemetry.Tracer().Start(ctx, "crawl", trace.WithAttributes(attribute.String("spider", name)))
	defer span.End()
	logger := o.logger.With(zap.String("spider", name))
	stats := RunStats{Spider: name}

	stop := crawler.NewStopToken()
	budget := crawler.NewItemBudget(opts.Limit, stop)
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() { stop.Stop("timeout") })
		defer timer.Stop()
	}
	release := context.AfterFunc(ctx, func() { stop.Stop("interrupted") })
	defer release()

	run := &spiderRun{
		o:        o,
		sp:       sp,
		opts:     opts,
		front:    newFrontier(o.deps.Hasher),
		stop:     stop,
		logger:   logger,
		inflight: make(map[string]checkpoint.Entry),
	}

	resumeFrom, err := run.prepareCheckpoint(&stats)
	if err != nil {
		return stats, err
	}

	var out sink.Output
	if opts.Rolling {
		if o.cfg.OutputDir == "" {
			return stats, &crawler.ConfigError{Field: "output_dir", Reason: "rolling output needs an output directory"}
		}
		out = sink.NewRollingWriter(o.cfg.OutputDir, name, o.deps.Clock, o.rotated(name, logger), logger)
	} else {
		jsonl, err := o.openOutput(name, opts.Output, resumeFrom)
		if err != nil {
			return stats, err
		}
		if jsonl != nil {
			out = jsonl
			stats.Output = jsonl.Path()
			if run.cp != nil {
				if err := run.cp.SetOutputMarker(jsonl.Path()); err != nil {
					closeOutput(out, logger)
					return stats, err
				}
			}
		}
	}

	batch := sink.NewBatchWriter(o.deps.Articles, o.cfg.BatchSize, o.onSaved(name), logger)
	emitter := &runEmitter{budget: budget, output: out, batch: batch, logger: logger}
	run.emitter = emitter
	limiter := ratelimit.New(ratelimit.Config{
		Delay:     sp.Settings.DownloadDelay,
		PerDomain: sp.Settings.ConcurrentRequestsPerDomain,
	})
	run.worker = worker.New(sp, o.deps.Fetcher, o.deps.Extractor, emitter, limiter, stop,
		worker.Config{ProxyMode: opts.ProxyMode, Browser: opts.Browser, Robots: o.deps.Robots}, logger)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = sp.Settings.ConcurrentRequests
	}
	if concurrency <= 0 {
		concurrency = spider.DefaultSettings().ConcurrentRequests
	}
	logger.Info("spider run starting",
		zap.Int("limit", opts.Limit),
		zap.Duration("timeout", opts.Timeout),
		zap.Int("concurrency", concurrency),
		zap.Int("frontier", run.front.Len()),
		zap.Bool("resumed", stats.Resumed),
	)
	run.loop(ctx, concurrency)

	flushCtx := context.WithoutCancel(ctx)
	if err := batch.Close(flushCtx); err != nil {
		logger.Error("final batch flush failed", zap.Error(err))
	}
	closeOutput(out, logger)

	stats.Pages, stats.Failed = run.pages, run.failed
	stats.Items = emitter.Count()
	stats.Saved, stats.Duplicates, stats.SaveFailed = batch.Stats()
	stats.Drained = run.front.Len() == 0
	stats.StopReason = stop.Reason()

	if err := run.finishCheckpoint(stats); err != nil {
		logger.Error("checkpoint update failed", zap.Error(err))
	}
	if up := o.uploader(name, logger); up != nil && stats.Drained && opts.Limit == 0 && !opts.Rolling && stats.Output != "" {
		uri, err := up.Upload(flushCtx, stats.Output)
		if err != nil {
			logger.Error("output upload failed", zap.String("path", stats.Output), zap.Error(err))
		} else {
			stats.Uploaded = uri
		}
	}

	logger.Info("spider run finished",
		zap.Int("pages", stats.Pages),
		zap.Int("failed", stats.Failed),
		zap.Int("items", stats.Items),
		zap.Int("saved", stats.Saved),
		zap.Bool("drained", stats.Drained),
		zap.String("stop_reason", stats.StopReason),
	)
	if ctx.Err() != nil {
		return stats, fmt.Errorf("spider %s interrupted: %w", name, ctx.Err())
	}
	return stats, nil
}

// uploader ships finished files under <name>/<date>/, or is nil when no
// blob store is configured.
func (o *Orchestrator) uploader(name string, logger *zap.Logger) *sink.Uploader {
	if o.deps.Blob == nil {
		return nil
	}
	return sink.NewUploader(o.deps.Blob, name, o.deps.Clock, logger)
}

func (o *Orchestrator) rotated(name string, logger *zap.Logger) sink.RotateFunc {
	up := o.uploader(name, logger)
	if up == nil {
		return nil
	}
	return func(ctx context.Context, path string) {
		if _, err := up.Upload(ctx, path); err != nil {
			logger.Error("rotated output upload failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// prepareCheckpoint seeds the frontier from a checkpoint or from the start
// URLs, and returns the output file a resumed run appends to.
func (r *spiderRun) prepareCheckpoint(stats *RunStats) (string, error) {
	if r.o.cfg.CheckpointDir != "" && r.opts.Limit == 0 {
		cp, err := checkpoint.New(r.o.cfg.CheckpointDir, r.sp.Name(), r.logger)
		if err != nil {
			return "", err
		}
		r.cp = cp
	}
	if r.cp == nil {
		r.seed()
		return "", nil
	}
	if r.opts.ResetDedup {
		if err := r.cp.Reset(); err != nil {
			return "", err
		}
		r.seed()
		return "", nil
	}

	state, found, repaired, err := r.cp.Load()
	if err != nil {
		return "", err
	}
	if !found {
		r.seed()
		return "", nil
	}
	r.front.Restore(state)
	r.baseItems = state.Items
	if repaired || r.front.Len() == 0 {
		r.seed()
	}
	stats.Resumed = true
	marker, ok, err := r.cp.OutputMarker()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return marker, nil
}

func (r *spiderRun) seed() {
	for _, u := range r.sp.Config.StartURLs {
		r.front.Push(checkpoint.Entry{URL: u, Sitemap: spider.IsSitemap(u)})
	}
}

func (r *spiderRun) finishCheckpoint(stats RunStats) error {
	if r.cp == nil {
		return nil
	}
	if stats.Drained {
		r.logger.Info("frontier drained, removing checkpoint")
		return r.cp.Reset()
	}
	return r.saveCheckpoint()
}

func (r *spiderRun) saveCheckpoint() error {
	entries, seen := r.front.Snapshot()
	r.mu.Lock()
	for _, e := range r.inflight {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	return r.cp.Save(checkpoint.State{
		Frontier:  entries,
		Seen:      seen,
		Items:     r.baseItems + r.emitter.Count(),
		UpdatedAt: r.o.deps.Clock.Now().UTC(),
	})
}

// loop pops entries and runs them with bounded concurrency until the
// frontier drains or the stop token is set. Entries popped after the
// token is set are put back by the worker's stop check.
func (r *spiderRun) loop(ctx context.Context, concurrency int) {
	wake := make(chan struct{}, 1)
	var g errgroup.Group
	g.SetLimit(concurrency)

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for !r.stop.Stopped() && ctx.Err() == nil {
		entry, ok := r.front.Pop()
		if !ok {
			r.mu.Lock()
			idle := len(r.inflight) == 0
			r.mu.Unlock()
			// In-flight pages push their links before leaving the set.
			if idle && r.front.Len() == 0 {
				break
			}
			if idle {
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
			case <-r.stop.Done():
			}
			continue
		}

		r.mu.Lock()
		r.inflight[entry.URL] = entry
		r.mu.Unlock()
		g.Go(func() error {
			defer func() {
				r.mu.Lock()
				delete(r.inflight, entry.URL)
				r.mu.Unlock()
				select {
				case wake <- struct{}{}:
				default:
				}
			}()
			r.process(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *spiderRun) process(ctx context.Context, entry checkpoint.Entry) {
	res, err := r.worker.Process(ctx, worker.Job{URL: entry.URL, Depth: entry.Depth, Sitemap: entry.Sitemap})
	switch {
	case errors.Is(err, crawler.ErrStopped):
		r.front.Requeue(entry)
		return
	case err != nil && ctx.Err() != nil:
		r.front.Requeue(entry)
		return
	case err != nil:
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		r.logger.Warn("page failed", zap.String("url", entry.URL), zap.Int("depth", entry.Depth), zap.Error(err))
		return
	}

	r.admit(ctx, res.Links, entry.Depth+1)
	for _, sm := range res.Sitemaps {
		r.front.Push(checkpoint.Entry{URL: sm, Depth: entry.Depth, Sitemap: true})
	}

	r.mu.Lock()
	r.pages++
	due := r.cp != nil && r.pages-r.lastSaved >= r.o.cfg.CheckpointEvery
	if due {
		r.lastSaved = r.pages
	}
	r.mu.Unlock()
	if due {
		if err := r.saveCheckpoint(); err != nil {
			r.logger.Warn("checkpoint save failed", zap.Error(err))
		}
	}
}

// admit pushes discovered links. Article links already stored are skipped
// unless the run resets deduplication.
func (r *spiderRun) admit(ctx context.Context, links []spider.Link, depth int) {
	if len(links) == 0 {
		return
	}
	var stored map[string]struct{}
	if !r.opts.ResetDedup && r.o.deps.Articles != nil {
		var candidates []string
		for _, l := range links {
			if l.Callback == spider.CallbackParseArticle && !l.Follow {
				candidates = append(candidates, l.URL)
			}
		}
		if len(candidates) > 0 {
			existing, err := r.o.deps.Articles.ExistingURLs(ctx, candidates)
			if err != nil {
				r.logger.Warn("stored article lookup failed", zap.Error(err))
			} else {
				stored = existing
			}
		}
	}
	for _, l := range links {
		if l.Callback == "" && !l.Follow {
			continue
		}
		if _, ok := stored[l.URL]; ok {
			continue
		}
		r.front.Push(checkpoint.Entry{URL: l.URL, Depth: depth, Priority: l.Priority})
	}
}
