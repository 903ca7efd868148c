package extract

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// Options tune one Extract call.
type Options struct {
	// Order lists strategy names; empty uses DefaultOrder.
	Order []string
	// Custom serves the "custom" entry of Order.
	Custom   Strategy
	Identity string
	Render   RenderOptions
	// KeepHTML stores the page HTML on the article.
	KeepHTML bool
}

// ShellDetector recognizes pages whose content only exists after
// JavaScript runs.
type ShellDetector interface {
	IsShell(html []byte) bool
}

// Chain tries strategies in order and returns the first article that
// passes Validate.
type Chain struct {
	strategies map[string]Strategy
	pool       *Pool
	clock      crawler.Clock
	logger     *zap.Logger
	shells     ShellDetector
}

// NewChain registers strategies by name.
func NewChain(pool *Pool, clock crawler.Clock, logger *zap.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{
		strategies: make(map[string]Strategy, len(strategies)),
		pool:       pool,
		clock:      clock,
		logger:     logger,
	}
	for _, s := range strategies {
		c.strategies[s.Name()] = s
	}
	return c
}

// WithShellDetector moves the browser strategy to the front of the order
// for pages d flags as shells.
func (c *Chain) WithShellDetector(d ShellDetector) *Chain {
	c.shells = d
	return c
}

// Extract runs the chain. It returns false when no strategy produced a
// valid article, or when ctx ended.
func (c *Chain) Extract(ctx context.Context, url, html, titleHint string, opts Options) (crawler.Article, bool) {
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	if c.shells != nil && c.shells.IsShell([]byte(html)) {
		order = browserFirst(order)
		c.logger.Debug("page looks like a script shell", zap.String("url", url), zap.Strings("order", order))
	}
	in := Input{
		URL:       url,
		HTML:      html,
		TitleHint: titleHint,
		Identity:  opts.Identity,
		Render:    opts.Render,
	}

	for _, name := range order {
		if ctx.Err() != nil {
			return crawler.Article{}, false
		}
		strategy := c.lookup(name, opts)
		if strategy == nil {
			c.logger.Warn("unknown extraction strategy skipped",
				zap.String("url", url),
				zap.String("strategy", name),
			)
			continue
		}

		article, err := c.run(ctx, strategy, in)
		if err == nil {
			if verr := Validate(article); verr != nil {
				err = fail(name, verr.Error(), article.Title)
			}
		}
		if err != nil {
			metrics.ObserveExtraction(name, "failed")
			c.logger.Info("extraction strategy failed",
				zap.String("url", url),
				zap.String("strategy", name),
				zap.Error(err),
			)
			var failure *Failure
			if errors.As(err, &failure) && in.TitleHint == "" && len(failure.TitleHint) >= MinTitleLength {
				in.TitleHint = failure.TitleHint
			}
			continue
		}

		metrics.ObserveExtraction(name, "success")
		article.URL = url
		article.SourceStrategy = name
		if article.ExtractedAt.IsZero() && c.clock != nil {
			article.ExtractedAt = c.clock.Now()
		}
		if !opts.KeepHTML {
			article.HTML = ""
		} else if article.HTML == "" {
			article.HTML = html
		}
		return article, true
	}
	return crawler.Article{}, false
}

// browserFirst returns order with the browser strategy moved to the front.
// Orders without it are returned unchanged.
func browserFirst(order []string) []string {
	out := make([]string, 0, len(order))
	found := false
	for _, name := range order {
		if name == StrategyBrowser {
			found = true
			continue
		}
		out = append(out, name)
	}
	if !found {
		return order
	}
	return append([]string{StrategyBrowser}, out...)
}

func (c *Chain) lookup(name string, opts Options) Strategy {
	if name == StrategyCustom && opts.Custom != nil {
		return opts.Custom
	}
	return c.strategies[name]
}

// run executes parsing strategies on the pool. The browser strategy spends
// its time waiting on the network, so it runs directly.
func (c *Chain) run(ctx context.Context, strategy Strategy, in Input) (crawler.Article, error) {
	if strategy.Name() == StrategyBrowser {
		return strategy.Extract(ctx, in)
	}
	var (
		article crawler.Article
		err     error
	)
	if perr := c.pool.Do(ctx, func() {
		article, err = strategy.Extract(ctx, in)
	}); perr != nil {
		return crawler.Article{}, perr
	}
	return article, err
}
