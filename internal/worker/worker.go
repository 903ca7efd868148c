// Package worker processes one crawl URL at a time: fetch, discover links,
// extract, emit.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/evasion"
	"github.com/discourselab/scrapai-cli-sub000/internal/extract"
	"github.com/discourselab/scrapai-cli-sub000/internal/policy/ratelimit"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
)

// PageFetcher loads a page, handling blocks and challenges.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, opts evasion.Options) (crawler.FetchResponse, error)
}

// Extractor turns page HTML into an article.
type Extractor interface {
	Extract(ctx context.Context, url, html, titleHint string, opts extract.Options) (crawler.Article, bool)
}

// Emitter receives extracted articles. It returns false when the run no
// longer accepts items.
type Emitter interface {
	Emit(ctx context.Context, article crawler.Article) (bool, error)
}

// RobotsChecker answers robots.txt questions for spiders that obey it.
type RobotsChecker interface {
	Allowed(ctx context.Context, url string) bool
}

// Config controls Worker behavior.
type Config struct {
	// ProxyMode overrides the spider's proxy type when set.
	ProxyMode crawler.ProxyMode
	// Browser forces every fetch through the browser.
	Browser bool
	// Robots is consulted before each fetch when the spider sets
	// robotstxt_obey.
	Robots RobotsChecker
}

// Job is one URL to process.
type Job struct {
	URL       string
	Depth     int
	Sitemap   bool
	TitleHint string
}

// Result reports what processing a Job produced.
type Result struct {
	URL        string
	StatusCode int
	// Emitted is true when an article was extracted and accepted.
	Emitted bool
	// Rejected is true when an article was extracted but the run no longer
	// accepted items. The page's work is not done.
	Rejected bool
	// Disallowed is true when robots.txt forbade the fetch.
	Disallowed bool
	Links      []spider.Link
	Sitemaps   []string
}

// Worker runs the per-URL pipeline for one spider.
type Worker struct {
	spider    *spider.Spider
	fetcher   PageFetcher
	extractor Extractor
	emitter   Emitter
	limiter   *ratelimit.Limiter
	stop      *crawler.StopToken
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter and stop may be nil.
func New(
	sp *spider.Spider,
	fetcher PageFetcher,
	extractor Extractor,
	emitter Emitter,
	limiter *ratelimit.Limiter,
	stop *crawler.StopToken,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		spider:    sp,
		fetcher:   fetcher,
		extractor: extractor,
		emitter:   emitter,
		limiter:   limiter,
		stop:      stop,
		cfg:       cfg,
		logger:    logger.With(zap.String("spider", sp.Name())),
	}
}

// Process fetches job.URL and handles the page. It returns
// crawler.ErrStopped without fetching when the stop token is already set.
func (w *Worker) Process(ctx context.Context, job Job) (Result, error) {
	if w.stop != nil && w.stop.Stopped() {
		return Result{}, crawler.ErrStopped
	}
	if w.spider.Settings.RobotsTxtObey && w.cfg.Robots != nil && !w.cfg.Robots.Allowed(ctx, job.URL) {
		w.logger.Info("disallowed by robots.txt", zap.String("url", job.URL))
		return Result{URL: job.URL, Disallowed: true}, nil
	}

	resp, err := w.fetch(ctx, job.URL)
	if err != nil {
		return Result{URL: job.URL}, err
	}
	res := Result{URL: resp.URL, StatusCode: resp.StatusCode}
	if res.URL == "" {
		res.URL = job.URL
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return res, &crawler.HTTPStatusError{URL: job.URL, StatusCode: resp.StatusCode}
	}

	if job.Sitemap || spider.IsSitemap(res.URL) {
		return w.handleSitemap(res, resp.Body)
	}

	article, follow := w.spider.Classify(res.URL)
	// Start pages always seed discovery.
	follow = follow || job.Depth == 0
	if follow && !w.spider.Rules.Empty() && w.depthAllows(job.Depth+1) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			w.logger.Warn("parse page for links failed", zap.String("url", res.URL), zap.Error(err))
		} else {
			res.Links = w.spider.Rules.Links(res.URL, doc)
		}
	}

	if !article {
		return res, nil
	}
	a, ok := w.extractor.Extract(ctx, res.URL, string(resp.Body), job.TitleHint, w.spider.ExtractOptions())
	if !ok {
		w.logger.Info("no article extracted", zap.String("url", res.URL))
		return res, nil
	}
	accepted, err := w.emitter.Emit(ctx, a)
	if err != nil {
		return res, fmt.Errorf("emit %s: %w", res.URL, err)
	}
	res.Emitted = accepted
	res.Rejected = !accepted
	if !accepted {
		w.logger.Debug("article dropped after stop", zap.String("url", res.URL))
	}
	return res, nil
}

func (w *Worker) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	if w.limiter != nil {
		release, err := w.limiter.Acquire(ctx, url)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		defer release()
	}
	opts := w.spider.FetchOptions(w.cfg.ProxyMode, w.cfg.Browser)
	resp, err := w.fetcher.Fetch(ctx, url, opts)
	if err != nil {
		if errors.Is(err, crawler.ErrBlocked) {
			w.logger.Warn("page blocked", zap.String("url", url), zap.Error(err))
		}
		return resp, fmt.Errorf("fetch %s: %w", url, err)
	}
	return resp, nil
}

func (w *Worker) handleSitemap(res Result, body []byte) (Result, error) {
	pages, children, err := spider.ParseSitemap(body)
	if err != nil {
		return res, fmt.Errorf("sitemap %s: %w", res.URL, err)
	}
	for _, page := range pages {
		link, ok := w.sitemapLink(page)
		if ok {
			res.Links = append(res.Links, link)
		}
	}
	res.Sitemaps = children
	w.logger.Debug("sitemap parsed",
		zap.String("url", res.URL),
		zap.Int("pages", len(res.Links)),
		zap.Int("sitemaps", len(children)),
	)
	return res, nil
}

// sitemapLink maps a sitemap entry to a link. Entries no rule matches are
// still treated as articles.
func (w *Worker) sitemapLink(page string) (spider.Link, bool) {
	normalized, err := crawler.NormalizeURL(page)
	if err != nil {
		return spider.Link{}, false
	}
	if !w.spider.Rules.AllowsDomain(normalized) {
		return spider.Link{}, false
	}
	callback, follow, priority, matched := w.spider.Rules.Classify(normalized)
	if !matched {
		return spider.Link{URL: normalized, Callback: spider.CallbackParseArticle}, true
	}
	if callback == "" && !follow {
		return spider.Link{}, false
	}
	return spider.Link{URL: normalized, Callback: callback, Follow: follow, Priority: priority}, true
}

func (w *Worker) depthAllows(depth int) bool {
	limit := w.spider.Settings.DepthLimit
	return limit <= 0 || depth <= limit
}
