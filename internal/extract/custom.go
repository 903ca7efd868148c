package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// DefaultMaxDepth caps how deeply list fields may nest.
const DefaultMaxDepth = 3

// FieldSpec describes how to pull one field out of a page.
//
// Selectors starting with "/", "./" or "(" are XPath; anything else is CSS.
// Attr reads an attribute instead of the text, and the special value "html"
// returns the inner HTML. List collects every match. Fields turns each match
// into an object built from the child specs.
type FieldSpec struct {
	Selector   string               `mapstructure:"selector" json:"selector"`
	Attr       string               `mapstructure:"attr" json:"attr,omitempty"`
	List       bool                 `mapstructure:"list" json:"list,omitempty"`
	Fields     map[string]FieldSpec `mapstructure:"fields" json:"fields,omitempty"`
	Processors []ProcessorSpec      `mapstructure:"processors" json:"processors,omitempty"`
}

type compiledField struct {
	name     string
	selector string
	xpath    bool
	attr     string
	list     bool
	children []*compiledField
	pipeline *Pipeline
}

// CustomStrategy extracts a spider's declared field map.
// Fields named title, content, author and published_date fill the article;
// every other field lands in its metadata.
type CustomStrategy struct {
	fields   []*compiledField
	maxDepth int
	clock    crawler.Clock
}

// NewCustomStrategy compiles the field map, rejecting invalid selectors.
func NewCustomStrategy(fields map[string]FieldSpec, maxDepth int, clock crawler.Clock, logger *zap.Logger) (*CustomStrategy, error) {
	if len(fields) == 0 {
		return nil, &crawler.ConfigError{Field: "custom_fields", Reason: "no fields defined"}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	compiled, err := compileFields(fields, logger)
	if err != nil {
		return nil, err
	}
	return &CustomStrategy{fields: compiled, maxDepth: maxDepth, clock: clock}, nil
}

func compileFields(fields map[string]FieldSpec, logger *zap.Logger) ([]*compiledField, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*compiledField, 0, len(fields))
	for _, name := range names {
		spec := fields[name]
		f, err := compileField(name, spec, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func compileField(name string, spec FieldSpec, logger *zap.Logger) (*compiledField, error) {
	sel := strings.TrimSpace(spec.Selector)
	if sel == "" {
		return nil, &crawler.ConfigError{Field: "custom_fields." + name, Reason: "empty selector"}
	}
	if err := ValidateSelector(sel); err != nil {
		return nil, &crawler.ConfigError{Field: "custom_fields." + name, Reason: err.Error()}
	}
	pipeline, err := NewPipeline(spec.Processors, logger)
	if err != nil {
		return nil, &crawler.ConfigError{Field: "custom_fields." + name, Reason: err.Error()}
	}
	f := &compiledField{
		name:     name,
		selector: sel,
		xpath:    IsXPath(sel),
		attr:     spec.Attr,
		list:     spec.List,
		pipeline: pipeline,
	}
	if len(spec.Fields) > 0 {
		if f.children, err = compileFields(spec.Fields, logger); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// IsXPath reports whether sel is written as XPath.
func IsXPath(sel string) bool {
	return strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "./") || strings.HasPrefix(sel, "(")
}

// ValidateSelector compiles sel as XPath or CSS.
func ValidateSelector(sel string) error {
	if IsXPath(sel) {
		if _, err := xpath.Compile(sel); err != nil {
			return fmt.Errorf("invalid xpath %q: %w", sel, err)
		}
		return nil
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid css selector %q: %w", sel, err)
	}
	return nil
}

// Name implements Strategy.
func (*CustomStrategy) Name() string { return StrategyCustom }

// Extract implements Strategy.
func (s *CustomStrategy) Extract(_ context.Context, in Input) (crawler.Article, error) {
	root, err := htmlquery.Parse(strings.NewReader(in.HTML))
	if err != nil {
		return crawler.Article{}, fail(StrategyCustom, "parse html: "+err.Error(), in.TitleHint)
	}
	values, err := s.ExtractFields(root)
	if err != nil {
		return crawler.Article{}, fail(StrategyCustom, err.Error(), in.TitleHint)
	}

	article := crawler.Article{
		URL:           in.URL,
		Title:         firstNonEmpty(asText(values["title"], " "), in.TitleHint),
		Content:       asText(values["content"], "\n\n"),
		Author:        asText(values["author"], ", "),
		PublishedDate: asText(values["published_date"], " "),
		ExtractedAt:   time.Now().UTC(),
	}
	if s.clock != nil {
		article.ExtractedAt = s.clock.Now()
	}
	for k, v := range values {
		switch k {
		case "title", "content", "author", "published_date":
			continue
		}
		if article.Metadata == nil {
			article.Metadata = map[string]any{}
		}
		article.Metadata[k] = v
	}
	return article, nil
}

// ExtractFields evaluates every field against root.
func (s *CustomStrategy) ExtractFields(root *html.Node) (map[string]any, error) {
	out := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		v, err := s.eval(root, f, 0)
		if err != nil {
			return nil, err
		}
		out[f.name] = v
	}
	return out, nil
}

func (s *CustomStrategy) eval(node *html.Node, f *compiledField, depth int) (any, error) {
	if len(f.children) > 0 && depth >= s.maxDepth {
		return []map[string]any{}, nil
	}
	nodes, err := selectNodes(node, f)
	if err != nil {
		return nil, err
	}

	if len(f.children) > 0 {
		items := make([]map[string]any, 0, len(nodes))
		for _, n := range nodes {
			item := make(map[string]any, len(f.children))
			for _, child := range f.children {
				v, err := s.eval(n, child, depth+1)
				if err != nil {
					return nil, err
				}
				item[child.name] = v
			}
			items = append(items, item)
		}
		return items, nil
	}

	if f.list {
		values := make([]any, 0, len(nodes))
		for _, n := range nodes {
			values = append(values, nodeValue(n, f.attr))
		}
		return f.pipeline.Apply(values), nil
	}
	var v any = ""
	if len(nodes) > 0 {
		v = nodeValue(nodes[0], f.attr)
	}
	return f.pipeline.Apply(v), nil
}

func selectNodes(node *html.Node, f *compiledField) ([]*html.Node, error) {
	if f.xpath {
		nodes, err := htmlquery.QueryAll(node, f.selector)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		return nodes, nil
	}
	return goquery.NewDocumentFromNode(node).Find(f.selector).Nodes, nil
}

func nodeValue(n *html.Node, attr string) string {
	switch attr {
	case "":
		return htmlquery.InnerText(n)
	case "html":
		return htmlquery.OutputHTML(n, false)
	default:
		return htmlquery.SelectAttr(n, attr)
	}
}

func asText(v any, sep string) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := strings.TrimSpace(cast.ToString(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, sep)
	default:
		return strings.TrimSpace(cast.ToString(val))
	}
}
