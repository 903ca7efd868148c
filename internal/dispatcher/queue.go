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

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
	"github.com/discourselab/scrapai-cli-sub000/internal/policy/ratelimit"
	"github.com/discourselab/scrapai-cli-sub000/internal/sink"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
	"github.com/discourselab/scrapai-cli-sub000/internal/telemetry"
	"github.com/discourselab/scrapai-cli-sub000/internal/worker"
)

// QueueOptions tune a queue drain.
type QueueOptions struct {
	Workers int
	// Limit stops claiming after this many articles. Zero is unlimited.
	Limit   int
	Timeout time.Duration
	// UntilEmpty returns once no item is claimable instead of polling.
	UntilEmpty bool
	Output     string
	ProxyMode  crawler.ProxyMode
	Browser    bool
}

// QueueStats summarizes a queue drain.
type QueueStats struct {
	Project    string `json:"project"`
	Claimed    int    `json:"claimed"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Released   int    `json:"released"`
	Items      int    `json:"items"`
	Saved      int    `json:"saved"`
	Duplicates int    `json:"duplicates"`
	Output     string `json:"output,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type queueRun struct {
	o       *Orchestrator
	project string
	opts    QueueOptions
	worker  *worker.Worker
	stop    *crawler.StopToken
	logger  *zap.Logger

	mu    sync.Mutex
	stats QueueStats
}

// RunQueue claims items of project with opts.Workers concurrent claimants
// until ctx ends, a limit is reached, or (with UntilEmpty) nothing is left.
// Claim atomicity is left to the queue store.
func (o *Orchestrator) RunQueue(ctx context.Context, project string, opts QueueOptions) (QueueStats, error) {
	if o.deps.Queue == nil {
		return QueueStats{}, errors.New("work queue is not configured")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := o.logger.With(zap.String("project", project))
	sp, err := o.spiderFor(ctx, project)
	if err != nil {
		return QueueStats{}, err
	}

	stop := crawler.NewStopToken()
	budget := crawler.NewItemBudget(opts.Limit, stop)
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() { stop.Stop("timeout") })
		defer timer.Stop()
	}

	var out sink.Output
	jsonl, err := o.openOutput(project, opts.Output, "")
	if err != nil {
		return QueueStats{}, err
	}
	if jsonl != nil {
		out = jsonl
	}
	batch := sink.NewBatchWriter(o.deps.Articles, o.cfg.BatchSize, o.onSaved(sp.Name()), logger)
	emitter := &runEmitter{budget: budget, output: out, batch: batch, logger: logger}
	limiter := ratelimit.New(ratelimit.Config{
		Delay:     sp.Settings.DownloadDelay,
		PerDomain: sp.Settings.ConcurrentRequestsPerDomain,
	})

	// The worker gets no stop token: an item is only claimed after the stop
	// check, and a claimed item is always finished.
	run := &queueRun{
		o:       o,
		project: project,
		opts:    opts,
		worker: worker.New(sp, o.deps.Fetcher, o.deps.Extractor, emitter, limiter, nil,
			worker.Config{ProxyMode: opts.ProxyMode, Browser: opts.Browser, Robots: o.deps.Robots}, logger),
		stop:   stop,
		logger: logger,
		stats:  QueueStats{Project: project},
	}
	if jsonl != nil {
		run.stats.Output = jsonl.Path()
	}

	host, err := o.claimantPrefix()
	if err != nil {
		closeOutput(out, logger)
		return QueueStats{}, err
	}
	logger.Info("queue workers starting", zap.Int("workers", opts.Workers), zap.String("claimant", host))

	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.Workers {
		claimant := fmt.Sprintf("%s-%d", host, i)
		g.Go(func() error {
			return run.loop(gctx, claimant)
		})
	}
	runErr := g.Wait()

	if err := batch.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("final batch flush failed", zap.Error(err))
	}
	closeOutput(out, logger)

	run.mu.Lock()
	stats := run.stats
	run.mu.Unlock()
	stats.Items = emitter.Count()
	stats.Saved, stats.Duplicates, _ = batch.Stats()
	stats.StopReason = stop.Reason()
	logger.Info("queue workers finished",
		zap.Int("claimed", stats.Claimed),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("items", stats.Items),
	)
	if runErr != nil {
		return stats, runErr
	}
	return stats, nil
}

// spiderFor returns the spider named like the project, or a generic one.
func (o *Orchestrator) spiderFor(ctx context.Context, project string) (*spider.Spider, error) {
	if o.deps.Registry == nil {
		return spider.Generic(project), nil
	}
	sp, err := o.deps.Registry.Get(ctx, project)
	switch {
	case err == nil:
		return sp, nil
	case errors.Is(err, crawler.ErrSpiderNotFound), errors.Is(err, crawler.ErrNotFound):
		return spider.Generic(project), nil
	default:
		return nil, err
	}
}

func (o *Orchestrator) claimantPrefix() (string, error) {
	if o.deps.IDs == nil {
		return "worker", nil
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("claimant id: %w", err)
	}
	return id, nil
}

func (r *queueRun) loop(ctx context.Context, claimant string) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if r.stop.Stopped() || ctx.Err() != nil {
			return nil
		}
		item, ok, err := r.o.deps.Queue.ClaimNext(ctx, r.project, claimant)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim next: %w", err)
		}
		if !ok {
			if r.opts.UntilEmpty {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-r.stop.Done():
				return nil
			case <-time.After(r.o.cfg.PollInterval):
			}
			continue
		}
		r.handle(ctx, item)
	}
}

// handle finishes a claimed item. A page without an extractable article
// still completes; only a failed fetch fails the item. An article turned
// away by the item limit sends the item back to pending for a later run.
func (r *queueRun) handle(ctx context.Context, item crawler.QueueItem) {
	logger := r.logger.With(zap.Int64("item_id", item.ID), zap.String("url", item.TargetURL))
	r.mu.Lock()
	r.stats.Claimed++
	r.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "queue item", trace.WithAttributes(
		attribute.String("project", r.project),
		attribute.Int64("queue_id", item.ID),
	))
	defer span.End()

	res, err := r.worker.Process(ctx, worker.Job{URL: item.TargetURL, Depth: 1})
	markCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Warn("queue item failed", zap.Error(err))
		span.RecordError(err)
		if markErr := r.o.deps.Queue.MarkFailed(markCtx, item.ID, err.Error()); markErr != nil {
			logger.Error("mark failed", zap.Error(markErr))
			return
		}
		metrics.ObserveQueueItem(string(crawler.QueueStatusFailed))
		r.mu.Lock()
		r.stats.Failed++
		r.mu.Unlock()
		return
	}
	if res.Rejected {
		logger.Info("item limit reached, releasing item")
		if err := r.o.deps.Queue.Release(markCtx, item.ID); err != nil {
			logger.Error("release", zap.Error(err))
			return
		}
		metrics.ObserveQueueItem(string(crawler.QueueStatusPending))
		r.mu.Lock()
		r.stats.Released++
		r.mu.Unlock()
		return
	}
	if err := r.o.deps.Queue.MarkComplete(markCtx, item.ID); err != nil {
		logger.Error("mark complete", zap.Error(err))
		return
	}
	metrics.ObserveQueueItem(string(crawler.QueueStatusCompleted))
	r.mu.Lock()
	r.stats.Completed++
	r.mu.Unlock()
}
