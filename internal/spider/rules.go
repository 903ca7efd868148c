package spider

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// CallbackParseArticle is the only callback a rule may name. Pages it
// classifies go through extraction.
const CallbackParseArticle = "parse_article"

var knownCallbacks = map[string]struct{}{
	CallbackParseArticle: {},
}

type compiledRule struct {
	allow    []*regexp.Regexp
	deny     []*regexp.Regexp
	restrict []string
	callback string
	follow   bool
	priority int
}

func (r *compiledRule) matches(u string) bool {
	for _, re := range r.deny {
		if re.MatchString(u) {
			return false
		}
	}
	if len(r.allow) == 0 {
		return true
	}
	for _, re := range r.allow {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// Rules is a spider's compiled rule list, highest priority first.
type Rules struct {
	rules   []*compiledRule
	domains *crawler.DomainMatcher
}

// Link is one discovered URL.
type Link struct {
	URL      string
	Callback string
	Follow   bool
	Priority int
}

// CompileRules validates rules. A rule naming an undefined callback is
// dropped with a warning; a bad pattern or selector is an error.
func CompileRules(rules []crawler.Rule, allowedDomains []string, logger *zap.Logger) (*Rules, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := &Rules{domains: crawler.NewDomainMatcher(allowedDomains)}
	for i, rule := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if rule.Callback != "" {
			if _, ok := knownCallbacks[rule.Callback]; !ok {
				logger.Warn("rule dropped: undefined callback",
					zap.Int("rule", i),
					zap.String("callback", rule.Callback),
				)
				continue
			}
		}
		cr := &compiledRule{callback: rule.Callback, follow: rule.Follow, priority: rule.Priority}
		for _, pattern := range rule.Allow {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, &crawler.ConfigError{Field: field + ".allow", Reason: err.Error()}
			}
			cr.allow = append(cr.allow, re)
		}
		for _, pattern := range rule.Deny {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, &crawler.ConfigError{Field: field + ".deny", Reason: err.Error()}
			}
			cr.deny = append(cr.deny, re)
		}
		for _, sel := range rule.RestrictCSS {
			if _, err := cascadia.Compile(sel); err != nil {
				return nil, &crawler.ConfigError{Field: field + ".restrict_css", Reason: err.Error()}
			}
			cr.restrict = append(cr.restrict, sel)
		}
		out.rules = append(out.rules, cr)
	}
	sort.SliceStable(out.rules, func(i, j int) bool { return out.rules[i].priority > out.rules[j].priority })
	return out, nil
}

// Empty reports whether no rule survived compilation.
func (r *Rules) Empty() bool { return len(r.rules) == 0 }

// AllowsDomain reports whether u is inside the spider's allowed domains.
func (r *Rules) AllowsDomain(u string) bool {
	return r.domains.AllowsURL(u)
}

// Classify returns the callback of the first matching rule that has one,
// and whether any matching rule follows links.
func (r *Rules) Classify(u string) (callback string, follow bool, priority int, matched bool) {
	for _, rule := range r.rules {
		if !rule.matches(u) {
			continue
		}
		if !matched {
			priority = rule.priority
		}
		matched = true
		if callback == "" && rule.callback != "" {
			callback = rule.callback
		}
		follow = follow || rule.follow
	}
	return callback, follow, priority, matched
}

// Links extracts the links of a page that at least one rule accepts.
// Each rule only sees anchors inside its restrict selectors.
func (r *Rules) Links(pageURL string, doc *goquery.Document) []Link {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	found := make(map[string]*Link)
	var order []string
	for _, rule := range r.rules {
		for _, href := range anchors(doc, rule.restrict) {
			abs, ok := resolve(base, href)
			if !ok || !r.domains.AllowsURL(abs) || !rule.matches(abs) {
				continue
			}
			link, seen := found[abs]
			if !seen {
				link = &Link{URL: abs, Priority: rule.priority}
				found[abs] = link
				order = append(order, abs)
			}
			if link.Callback == "" && rule.callback != "" {
				link.Callback = rule.callback
			}
			link.Follow = link.Follow || rule.follow
		}
	}

	out := make([]Link, 0, len(order))
	for _, u := range order {
		out = append(out, *found[u])
	}
	return out
}

func anchors(doc *goquery.Document, restrict []string) []string {
	scopes := []*goquery.Selection{doc.Selection}
	if len(restrict) > 0 {
		scopes = scopes[:0]
		for _, sel := range restrict {
			scopes = append(scopes, doc.Find(sel))
		}
	}
	var out []string
	for _, scope := range scopes {
		scope.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
			out = append(out, strings.TrimSpace(s.AttrOr("href", "")))
		})
	}
	return out
}

func resolve(base *url.URL, href string) (string, bool) {
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return "", false
	}
	u, err := base.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(u.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}
