package extract

import (
	"context"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// HeuristicStrategy scores the DOM for the main content block.
type HeuristicStrategy struct {
	clock crawler.Clock
}

// NewHeuristicStrategy builds the strategy.
func NewHeuristicStrategy(clock crawler.Clock) *HeuristicStrategy {
	return &HeuristicStrategy{clock: clock}
}

// Name implements Strategy.
func (*HeuristicStrategy) Name() string { return StrategyHeuristic }

// Extract implements Strategy.
func (s *HeuristicStrategy) Extract(_ context.Context, in Input) (crawler.Article, error) {
	pageURL, err := url.Parse(in.URL)
	if err != nil {
		return crawler.Article{}, fail(StrategyHeuristic, "parse url: "+err.Error(), in.TitleHint)
	}
	parsed, err := readability.FromReader(strings.NewReader(in.HTML), pageURL)
	if err != nil {
		return crawler.Article{}, fail(StrategyHeuristic, err.Error(), in.TitleHint)
	}
	content, err := htmlText(parsed.Content)
	if err != nil || content == "" {
		content = normalizeText(parsed.TextContent)
	}
	title := parsed.Title
	if len(strings.TrimSpace(title)) < MinTitleLength {
		title = firstNonEmpty(in.TitleHint, title)
	}
	if content == "" {
		return crawler.Article{}, fail(StrategyHeuristic, "no readable content", title)
	}

	var metadata map[string]any
	if parsed.Excerpt != "" || parsed.SiteName != "" {
		metadata = map[string]any{}
		if parsed.Excerpt != "" {
			metadata["description"] = parsed.Excerpt
		}
		if parsed.SiteName != "" {
			metadata["site_name"] = parsed.SiteName
		}
	}

	now := time.Now().UTC()
	if s.clock != nil {
		now = s.clock.Now()
	}
	return crawler.Article{
		URL:         in.URL,
		Title:       normalizeText(title),
		Content:     content,
		Author:      normalizeText(parsed.Byline),
		ExtractedAt: now,
		Metadata:    metadata,
	}, nil
}
