// Package extract turns raw HTML into articles by trying a list of
// strategies in order until one produces a page that passes validation.
package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Validation limits applied to every candidate article.
const (
	MinTitleLength   = 5
	MinContentLength = 100
)

// Strategy names understood by the chain.
const (
	StrategyPattern   = "pattern"
	StrategyHeuristic = "heuristic"
	StrategyBrowser   = "browser"
	StrategyCustom    = "custom"
)

// DefaultOrder is the strategy order used when a spider does not set one.
var DefaultOrder = []string{StrategyPattern, StrategyHeuristic, StrategyBrowser}

// Input is the page handed to a strategy.
type Input struct {
	URL  string
	HTML string
	// TitleHint carries a title found by an earlier strategy that failed.
	TitleHint string
	// Identity selects the browser tab for strategies that render.
	Identity string
	Render   RenderOptions
}

// Strategy is one way of extracting an article.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, in Input) (crawler.Article, error)
}

// Failure is the expected "this strategy did not work" outcome.
type Failure struct {
	Strategy string
	Reason   string
	// TitleHint is a title the strategy found even though it failed.
	TitleHint string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Strategy, f.Reason)
}

func fail(strategy, reason, titleHint string) *Failure {
	return &Failure{Strategy: strategy, Reason: reason, TitleHint: titleHint}
}

// Validate checks the title and content length limits.
func Validate(article crawler.Article) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(article.Title)); n < MinTitleLength {
		return fmt.Errorf("title too short (%d chars)", n)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(article.Content)); n < MinContentLength {
		return fmt.Errorf("content too short (%d chars)", n)
	}
	return nil
}

// ValidateOrder rejects unknown strategy names and a browser strategy that
// is not last.
func ValidateOrder(order []string) error {
	for i, name := range order {
		switch name {
		case StrategyPattern, StrategyHeuristic, StrategyCustom:
		case StrategyBrowser:
			if i != len(order)-1 {
				return &crawler.ConfigError{Field: "extractor_order", Reason: "browser must be the last strategy"}
			}
		default:
			return &crawler.ConfigError{Field: "extractor_order", Reason: "unknown strategy " + name}
		}
	}
	return nil
}
