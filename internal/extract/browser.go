package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// RenderOptions are passed to the browser when a strategy renders the page.
type RenderOptions struct {
	WaitSelector string
	ExtraDelay   time.Duration
	Scroll       crawler.ScrollConfig
	Timeout      time.Duration
}

// BrowserStrategy loads the live page in a browser and runs a content
// strategy on the rendered HTML. It only makes sense as the last strategy.
type BrowserStrategy struct {
	renderer crawler.Renderer
	content  Strategy
}

// NewBrowserStrategy wraps content, which defaults to the heuristic strategy.
func NewBrowserStrategy(renderer crawler.Renderer, content Strategy) *BrowserStrategy {
	if content == nil {
		content = NewHeuristicStrategy(nil)
	}
	return &BrowserStrategy{renderer: renderer, content: content}
}

// Name implements Strategy.
func (*BrowserStrategy) Name() string { return StrategyBrowser }

// Extract implements Strategy.
func (s *BrowserStrategy) Extract(ctx context.Context, in Input) (crawler.Article, error) {
	if s.renderer == nil {
		return crawler.Article{}, fail(StrategyBrowser, "no browser available", in.TitleHint)
	}
	res, err := s.renderer.Render(ctx, crawler.RenderRequest{
		Identity:     in.Identity,
		URL:          in.URL,
		WaitSelector: in.Render.WaitSelector,
		ExtraDelay:   in.Render.ExtraDelay,
		Scroll:       in.Render.Scroll,
		Timeout:      in.Render.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Article{}, fmt.Errorf("render %s: %w", in.URL, err)
		}
		return crawler.Article{}, fail(StrategyBrowser, "render: "+err.Error(), in.TitleHint)
	}

	rendered := in
	rendered.HTML = res.HTML
	article, err := s.content.Extract(ctx, rendered)
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			return crawler.Article{}, fail(StrategyBrowser, "rendered page: "+failure.Reason, firstNonEmpty(failure.TitleHint, in.TitleHint))
		}
		return crawler.Article{}, err
	}
	article.HTML = res.HTML
	return article, nil
}
