package extract

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

var (
	titleMeta = []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"]`,
		`meta[name="title"]`,
	}
	authorMeta = []string{
		`meta[name="author"]`,
		`meta[property="article:author"]`,
		`meta[name="byl"]`,
	}
	dateMeta = []string{
		`meta[property="article:published_time"]`,
		`meta[itemprop="datePublished"]`,
		`meta[name="pubdate"]`,
		`meta[name="date"]`,
	}
	contentSelectors = []string{
		`[itemprop="articleBody"]`,
		`article`,
		`.article-body`,
		`.article-content`,
		`.entry-content`,
		`.post-content`,
		`main`,
		`#content`,
	}
	authorSelectors = []string{`[rel="author"]`, `[itemprop="author"]`, `.byline`, `.author`}
)

// PatternStrategy reads well-known meta tags and content containers.
type PatternStrategy struct {
	clock crawler.Clock
}

// NewPatternStrategy builds the strategy.
func NewPatternStrategy(clock crawler.Clock) *PatternStrategy {
	return &PatternStrategy{clock: clock}
}

// Name implements Strategy.
func (*PatternStrategy) Name() string { return StrategyPattern }

// Extract implements Strategy.
func (s *PatternStrategy) Extract(_ context.Context, in Input) (crawler.Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return crawler.Article{}, fail(StrategyPattern, "parse html: "+err.Error(), in.TitleHint)
	}

	title := firstNonEmpty(
		metaContent(doc, titleMeta...),
		doc.Find("h1").First().Text(),
		doc.Find("title").First().Text(),
		in.TitleHint,
	)
	title = normalizeText(title)

	content := ""
	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		html, err := goquery.OuterHtml(node)
		if err != nil {
			continue
		}
		text, err := htmlText(html)
		if err != nil {
			continue
		}
		if len(text) >= MinContentLength {
			content = text
			break
		}
	}
	if content == "" {
		return crawler.Article{}, fail(StrategyPattern, "no content container", title)
	}

	author := firstNonEmpty(metaContent(doc, authorMeta...), selectionText(doc, authorSelectors...))
	published := firstNonEmpty(
		metaContent(doc, dateMeta...),
		doc.Find("time[datetime]").First().AttrOr("datetime", ""),
	)

	metadata := map[string]any{}
	if v := metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`); v != "" {
		metadata["description"] = v
	}
	if v := metaContent(doc, `meta[property="og:site_name"]`); v != "" {
		metadata["site_name"] = v
	}
	if v := metaContent(doc, `meta[name="keywords"]`); v != "" {
		metadata["keywords"] = v
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return crawler.Article{
		URL:           in.URL,
		Title:         title,
		Content:       content,
		Author:        normalizeText(author),
		PublishedDate: published,
		ExtractedAt:   s.now(),
		Metadata:      metadata,
	}, nil
}

func (s *PatternStrategy) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func selectionText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := normalizeText(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}
