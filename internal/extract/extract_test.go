package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/headless/detector"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

type scriptedStrategy struct {
	name    string
	article crawler.Article
	err     error

	mu    sync.Mutex
	hints []string
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Extract(_ context.Context, in Input) (crawler.Article, error) {
	s.mu.Lock()
	s.hints = append(s.hints, in.TitleHint)
	s.mu.Unlock()
	return s.article, s.err
}

func (s *scriptedStrategy) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hints)
}

var longContent = strings.Repeat("The city council met on Tuesday to vote on the annual budget. ", 4)

const articlePage = `<html>
<head>
<title>Budget vote | Daily News</title>
<meta property="og:title" content="Council approves new budget">
<meta name="author" content="Jane Reporter">
<meta property="article:published_time" content="2025-03-01T08:00:00Z">
<meta name="description" content="The council voted on Tuesday.">
</head>
<body>
<nav>Home News Sport</nav>
<article>
<h1>Council approves new budget</h1>
<p>The city council met on Tuesday evening to vote on the annual budget for the coming year.</p>
<p>After a long debate the members approved the plan by seven votes to two, with the mayor abstaining.</p>
<script>var tracking = true;</script>
</article>
<footer>Copyright</footer>
</body>
</html>`

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(crawler.Article{Title: "Hello", Content: strings.Repeat("x", 100)}))
	require.Error(t, Validate(crawler.Article{Title: "  Hi  ", Content: strings.Repeat("x", 200)}))
	require.Error(t, Validate(crawler.Article{Title: "Hello world", Content: "  " + strings.Repeat("x", 99) + "  "}))
}

func TestChainRejectsInvalidCandidatesAndMovesOn(t *testing.T) {
	t.Parallel()
	short := &scriptedStrategy{name: StrategyPattern, article: crawler.Article{Title: "A long enough title", Content: "too short"}}
	good := &scriptedStrategy{name: StrategyHeuristic, article: crawler.Article{Title: "Second title", Content: longContent}}
	chain := NewChain(NewPool(2), fixedClock{testNow}, zap.NewNop(), short, good)

	article, ok := chain.Extract(context.Background(), "https://news.test/a", "<html></html>", "", Options{
		Order: []string{StrategyPattern, StrategyHeuristic},
	})
	require.True(t, ok)
	require.Equal(t, StrategyHeuristic, article.SourceStrategy)
	require.Equal(t, "https://news.test/a", article.URL)
	require.Equal(t, testNow, article.ExtractedAt)
	require.GreaterOrEqual(t, len(strings.TrimSpace(article.Title)), MinTitleLength)
	require.GreaterOrEqual(t, len(strings.TrimSpace(article.Content)), MinContentLength)
	require.Equal(t, []string{"A long enough title"}, good.hints, "failed candidate's title is threaded on")
}

func TestChainStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()
	first := &scriptedStrategy{name: StrategyPattern, article: crawler.Article{Title: "First title", Content: longContent}}
	second := &scriptedStrategy{name: StrategyHeuristic, article: crawler.Article{Title: "Second title", Content: longContent}}
	chain := NewChain(nil, nil, nil, first, second)

	article, ok := chain.Extract(context.Background(), "https://news.test/a", "", "", Options{Order: []string{StrategyPattern, StrategyHeuristic}})
	require.True(t, ok)
	require.Equal(t, "First title", article.Title)
	require.Zero(t, second.calls())
}

func TestChainReturnsFalseWhenNothingValidates(t *testing.T) {
	t.Parallel()
	failing := &scriptedStrategy{name: StrategyPattern, err: fail(StrategyPattern, "no content container", "")}
	broken := &scriptedStrategy{name: StrategyHeuristic, err: errors.New("boom")}
	chain := NewChain(NewPool(1), nil, nil, failing, broken)

	_, ok := chain.Extract(context.Background(), "https://news.test/a", "", "", Options{
		Order: []string{StrategyPattern, "nonexistent", StrategyHeuristic},
	})
	require.False(t, ok)
	require.Equal(t, 1, failing.calls())
	require.Equal(t, 1, broken.calls())
}

func TestChainUsesCustomStrategyFromOptions(t *testing.T) {
	t.Parallel()
	custom := &scriptedStrategy{name: StrategyCustom, article: crawler.Article{Title: "Custom title", Content: longContent, HTML: ""}}
	chain := NewChain(nil, nil, nil)

	article, ok := chain.Extract(context.Background(), "https://news.test/a", "<p>raw</p>", "", Options{
		Order:    []string{StrategyCustom},
		Custom:   custom,
		KeepHTML: true,
	})
	require.True(t, ok)
	require.Equal(t, StrategyCustom, article.SourceStrategy)
	require.Equal(t, "<p>raw</p>", article.HTML)
}

func TestValidateOrder(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateOrder(DefaultOrder))
	require.NoError(t, ValidateOrder([]string{StrategyCustom, StrategyPattern}))
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, ValidateOrder([]string{StrategyBrowser, StrategyPattern}), &cfgErr)
	require.ErrorAs(t, ValidateOrder([]string{"magic"}), &cfgErr)
}

func TestPatternStrategy(t *testing.T) {
	t.Parallel()
	s := NewPatternStrategy(fixedClock{testNow})

	article, err := s.Extract(context.Background(), Input{URL: "https://news.test/a", HTML: articlePage})
	require.NoError(t, err)
	require.Equal(t, "Council approves new budget", article.Title)
	require.Equal(t, "Jane Reporter", article.Author)
	require.Equal(t, "2025-03-01T08:00:00Z", article.PublishedDate)
	require.Contains(t, article.Content, "seven votes to two")
	require.NotContains(t, article.Content, "tracking")
	require.NotContains(t, article.Content, "Copyright")
	require.Equal(t, "The council voted on Tuesday.", article.Metadata["description"])
	require.NoError(t, Validate(article))
}

func TestPatternStrategyReportsTitleOnFailure(t *testing.T) {
	t.Parallel()
	s := NewPatternStrategy(nil)

	_, err := s.Extract(context.Background(), Input{URL: "https://news.test/a", HTML: "<html><head><title>Just a title</title></head><body><p>tiny</p></body></html>"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "Just a title", failure.TitleHint)
}

func TestHeuristicStrategy(t *testing.T) {
	t.Parallel()
	paragraph := "<p>" + strings.Repeat("Residents packed the hall to hear the finance director explain the spending plan in detail. ", 6) + "</p>"
	page := "<html><head><title>Council approves new budget</title></head><body><div id=\"story\">" +
		strings.Repeat(paragraph, 4) + "</div></body></html>"
	s := NewHeuristicStrategy(fixedClock{testNow})

	article, err := s.Extract(context.Background(), Input{URL: "https://news.test/a", HTML: page})
	require.NoError(t, err)
	require.Contains(t, article.Content, "finance director")
	require.Equal(t, testNow, article.ExtractedAt)
	require.NoError(t, Validate(article))
}

type fakeRenderer struct {
	html string
	err  error
	req  crawler.RenderRequest
}

func (r *fakeRenderer) Render(_ context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	r.req = req
	if r.err != nil {
		return crawler.RenderResult{}, r.err
	}
	return crawler.RenderResult{URL: req.URL, HTML: r.html}, nil
}

func TestBrowserStrategyRunsContentStrategyOnRenderedPage(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{html: articlePage}
	s := NewBrowserStrategy(renderer, NewPatternStrategy(nil))
	chain := NewChain(nil, nil, nil, s)

	article, ok := chain.Extract(context.Background(), "https://news.test/a", "<html><body>loading</body></html>", "", Options{
		Order:    []string{StrategyBrowser},
		Identity: "news",
		Render:   RenderOptions{WaitSelector: "article"},
	})
	require.True(t, ok)
	require.Equal(t, StrategyBrowser, article.SourceStrategy)
	require.Contains(t, article.Content, "seven votes")
	require.Empty(t, article.HTML)
	require.Equal(t, "news", renderer.req.Identity)
	require.Equal(t, "article", renderer.req.WaitSelector)
}

func TestChainSendsShellPagesToBrowserFirst(t *testing.T) {
	t.Parallel()
	pattern := &scriptedStrategy{name: StrategyPattern, article: crawler.Article{Title: "Navigation only", Content: longContent}}
	browser := &scriptedStrategy{name: StrategyBrowser, article: crawler.Article{Title: "Rendered title", Content: longContent}}
	chain := NewChain(nil, nil, nil, pattern, browser).WithShellDetector(detector.NewHeuristic(0))

	shell := `<html><body><div id="__next"></div><script src="/main.js"></script></body></html>`
	article, ok := chain.Extract(context.Background(), "https://news.test/a", shell, "", Options{})
	require.True(t, ok)
	require.Equal(t, StrategyBrowser, article.SourceStrategy)
	require.Zero(t, pattern.calls())

	article, ok = chain.Extract(context.Background(), "https://news.test/b", articlePage, "", Options{})
	require.True(t, ok)
	require.Equal(t, StrategyPattern, article.SourceStrategy)
}

func TestBrowserFirst(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{StrategyBrowser, StrategyPattern, StrategyHeuristic}, browserFirst(DefaultOrder))
	require.Equal(t, []string{StrategyPattern}, browserFirst([]string{StrategyPattern}))
	require.Equal(t, []string{StrategyPattern, StrategyHeuristic, StrategyBrowser}, DefaultOrder, "input is not modified")
}

func TestBrowserStrategyRenderFailure(t *testing.T) {
	t.Parallel()
	s := NewBrowserStrategy(&fakeRenderer{err: errors.New("navigation failed")}, nil)

	_, err := s.Extract(context.Background(), Input{URL: "https://news.test/a", TitleHint: "Hinted title"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "Hinted title", failure.TitleHint)

	_, err = NewBrowserStrategy(nil, nil).Extract(context.Background(), Input{URL: "https://news.test/a"})
	require.ErrorAs(t, err, &failure)
}

const listingPage = `<html><body>
<h1 class="headline">  Quarterly Report  </h1>
<div class="byline">By Sam Writer</div>
<span class="date">March 5, 2024</span>
<span class="views">1,204 views</span>
<div class="body"><p>First paragraph of the report.</p><p>Second paragraph of the report.</p></div>
<ul class="tags"><li>Economy</li><li>Budget</li></ul>
<section class="group">
  <h2>North</h2>
  <div class="team"><span class="name">Alpha</span>
    <div class="member"><span class="who">Ann</span><div class="pet"><span class="kind">cat</span></div></div>
  </div>
</section>
<a class="more" href="/next">next</a>
</body></html>`

func TestCustomStrategyFields(t *testing.T) {
	t.Parallel()
	fields := map[string]FieldSpec{
		"title":  {Selector: "h1.headline", Processors: []ProcessorSpec{{Name: "strip"}}},
		"author": {Selector: "//div[@class='byline']", Processors: []ProcessorSpec{{Name: "replace", Args: map[string]any{"old": "By ", "new": ""}}}},
		"published_date": {Selector: "span.date", Processors: []ProcessorSpec{
			{Name: "parse_datetime"},
		}},
		"content": {Selector: "div.body p", List: true, Processors: []ProcessorSpec{{Name: "join", Args: map[string]any{"separator": " "}}}},
		"views": {Selector: "span.views", Processors: []ProcessorSpec{
			{Name: "regex", Args: map[string]any{"pattern": `([\d,]+)`}},
			{Name: "replace", Args: map[string]any{"old": ",", "new": ""}},
			{Name: "cast", Args: map[string]any{"to": "int"}},
		}},
		"tags":    {Selector: "ul.tags li", List: true, Processors: []ProcessorSpec{{Name: "lowercase"}}},
		"next":    {Selector: "(//a[@class='more'])[1]", Attr: "href"},
		"section": {Selector: "div.missing", Processors: []ProcessorSpec{{Name: "default", Args: map[string]any{"value": "general"}}}},
	}
	s, err := NewCustomStrategy(fields, 0, fixedClock{testNow}, zap.NewNop())
	require.NoError(t, err)

	article, err := s.Extract(context.Background(), Input{URL: "https://news.test/r", HTML: listingPage})
	require.NoError(t, err)
	require.Equal(t, "Quarterly Report", article.Title)
	require.Equal(t, "Sam Writer", article.Author)
	require.Equal(t, "2024-03-05T00:00:00Z", article.PublishedDate)
	require.Equal(t, "First paragraph of the report. Second paragraph of the report.", article.Content)
	require.Equal(t, 1204, article.Metadata["views"])
	require.Equal(t, []any{"economy", "budget"}, article.Metadata["tags"])
	require.Equal(t, "/next", article.Metadata["next"])
	require.Equal(t, "general", article.Metadata["section"])
}

func TestCustomStrategyNestedListsStopAtMaxDepth(t *testing.T) {
	t.Parallel()
	fields := map[string]FieldSpec{
		"groups": {Selector: "section.group", Fields: map[string]FieldSpec{
			"region": {Selector: "h2"},
			"teams": {Selector: "div.team", Fields: map[string]FieldSpec{
				"name": {Selector: "span.name"},
				"members": {Selector: "div.member", Fields: map[string]FieldSpec{
					"who": {Selector: "span.who"},
					"pets": {Selector: "div.pet", Fields: map[string]FieldSpec{
						"kind": {Selector: "span.kind"},
					}},
				}},
			}},
		}},
	}
	s, err := NewCustomStrategy(fields, 3, nil, nil)
	require.NoError(t, err)

	root, err := htmlquery.Parse(strings.NewReader(listingPage))
	require.NoError(t, err)
	values, err := s.ExtractFields(root)
	require.NoError(t, err)

	groups := values["groups"].([]map[string]any)
	require.Len(t, groups, 1)
	require.Equal(t, "North", groups[0]["region"])
	teams := groups[0]["teams"].([]map[string]any)
	require.Len(t, teams, 1)
	require.Equal(t, "Alpha", teams[0]["name"])
	members := teams[0]["members"].([]map[string]any)
	require.Len(t, members, 1)
	require.Equal(t, "Ann", members[0]["who"])
	require.Empty(t, members[0]["pets"], "fourth level is beyond the depth limit")
}

func TestCustomStrategyRejectsInvalidSelectors(t *testing.T) {
	t.Parallel()
	var cfgErr *crawler.ConfigError

	_, err := NewCustomStrategy(map[string]FieldSpec{"title": {Selector: "div["}}, 0, nil, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewCustomStrategy(map[string]FieldSpec{"title": {Selector: "//div[@class="}}, 0, nil, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewCustomStrategy(nil, 0, nil, nil)
	require.ErrorAs(t, err, &cfgErr)

	require.True(t, IsXPath("./span"))
	require.True(t, IsXPath("(//a)[1]"))
	require.False(t, IsXPath("div > span"))
}

func TestStripIsIdempotent(t *testing.T) {
	t.Parallel()
	p, err := NewPipeline([]ProcessorSpec{{Name: "strip"}}, nil)
	require.NoError(t, err)

	inputs := []any{"  padded  ", "\n\ttabs\t\n", "clean", "", []any{" a ", "b  "}}
	for _, in := range inputs {
		once := p.Apply(in)
		require.Equal(t, once, p.Apply(once))
	}
}

func TestPipelineSkipsUnknownProcessor(t *testing.T) {
	t.Parallel()
	p, err := NewPipeline([]ProcessorSpec{{Name: "explode"}, {Name: "lowercase"}}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "shout", p.Apply("SHOUT"))
}

func TestPipelineProcessors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		specs []ProcessorSpec
		in    any
		want  any
	}{
		{"cast float", []ProcessorSpec{{Name: "cast", Args: map[string]any{"to": "float"}}}, " 3.5 ", 3.5},
		{"cast bool", []ProcessorSpec{{Name: "cast", Args: map[string]any{"to": "bool"}}}, "true", true},
		{"failed cast falls back to default", []ProcessorSpec{
			{Name: "cast", Args: map[string]any{"to": "int"}},
			{Name: "default", Args: map[string]any{"value": 0}},
		}, "n/a", 0},
		{"regex without match", []ProcessorSpec{{Name: "regex", Args: map[string]any{"pattern": `\d+`}}}, "none", ""},
		{"join skips empty", []ProcessorSpec{{Name: "join", Args: map[string]any{"separator": ","}}}, []any{"a", "", "b"}, "a,b"},
		{"left to right", []ProcessorSpec{{Name: "strip"}, {Name: "lowercase"}, {Name: "replace", Args: map[string]any{"old": " ", "new": "-"}}}, "  Hello World ", "hello-world"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewPipeline(tc.specs, nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, p.Apply(tc.in))
		})
	}
}

func TestPipelineRejectsBadArguments(t *testing.T) {
	t.Parallel()
	_, err := NewPipeline([]ProcessorSpec{{Name: "regex", Args: map[string]any{"pattern": "("}}}, nil)
	require.Error(t, err)
	_, err = NewPipeline([]ProcessorSpec{{Name: "cast", Args: map[string]any{"to": "complex"}}}, nil)
	require.Error(t, err)
	_, err = NewPipeline([]ProcessorSpec{{Name: "default"}}, nil)
	require.Error(t, err)
}

func TestPoolHonoursContext(t *testing.T) {
	t.Parallel()
	pool := NewPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Do(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := pool.Do(ctx, func() { ran = true })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ran)

	close(release)
	<-done
	require.NoError(t, pool.Do(context.Background(), func() { ran = true }))
	require.True(t, ran)
}
