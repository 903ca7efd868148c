package spider

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/evasion"
	"github.com/discourselab/scrapai-cli-sub000/internal/extract"
)

// Spider is a loaded, validated spider definition.
type Spider struct {
	Config   crawler.SpiderConfig
	Settings Settings
	Rules    *Rules
	// Custom is set when the spider declares custom fields.
	Custom *extract.CustomStrategy
}

// Compile validates cfg and prepares everything a run needs.
func Compile(cfg crawler.SpiderConfig, clock crawler.Clock, logger *zap.Logger) (*Spider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, &crawler.ConfigError{Field: "name", Reason: "required"}
	}
	if len(cfg.StartURLs) == 0 {
		return nil, &crawler.ConfigError{Field: "start_urls", Reason: "at least one start url is required"}
	}
	for _, raw := range cfg.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &crawler.ConfigError{Field: "start_urls", Reason: fmt.Sprintf("invalid url %q", raw)}
		}
	}

	logger = logger.With(zap.String("spider", cfg.Name))
	settings, unused, err := DecodeSettings(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("spider %s: %w", cfg.Name, err)
	}
	if len(unused) > 0 {
		logger.Warn("unknown spider settings ignored", zap.Strings("keys", unused))
	}
	rules, err := CompileRules(cfg.Rules, cfg.AllowedDomains, logger)
	if err != nil {
		return nil, fmt.Errorf("spider %s: %w", cfg.Name, err)
	}

	s := &Spider{Config: cfg, Settings: settings, Rules: rules}
	if len(settings.CustomFields) > 0 {
		custom, err := extract.NewCustomStrategy(settings.CustomFields, settings.MaxNesting, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("spider %s: %w", cfg.Name, err)
		}
		s.Custom = custom
	}
	return s, nil
}

// Name returns the spider name.
func (s *Spider) Name() string { return s.Config.Name }

// Classify decides what to do with a fetched page. A spider without rules
// treats every page as an article and follows nothing.
func (s *Spider) Classify(pageURL string) (article bool, follow bool) {
	if s.Rules.Empty() {
		return true, false
	}
	callback, follow, _, _ := s.Rules.Classify(pageURL)
	return callback == CallbackParseArticle, follow
}

// ExtractOptions builds the chain options for this spider.
func (s *Spider) ExtractOptions() extract.Options {
	opts := extract.Options{
		Order:    s.Settings.ExtractorOrder,
		Identity: s.Config.Name,
		Render: extract.RenderOptions{
			WaitSelector: s.Settings.WaitSelector,
			ExtraDelay:   s.Settings.ExtraDelay,
			Scroll:       s.Settings.Scroll,
			Timeout:      s.Settings.VerifyTimeout,
		},
		KeepHTML: s.Settings.IncludeHTML,
	}
	if s.Custom != nil {
		opts.Custom = s.Custom
	}
	return opts
}

// FetchOptions builds the evasion options for this spider. override
// replaces the spider's proxy type when non-empty.
func (s *Spider) FetchOptions(override crawler.ProxyMode, forceBrowser bool) evasion.Options {
	mode := s.Settings.ProxyMode()
	if override != "" {
		mode = override
	}
	return evasion.Options{
		Identity:         s.Config.Name,
		ProxyMode:        mode,
		Challenge:        s.Settings.ChallengeEnabled,
		RefreshThreshold: s.Settings.RefreshThreshold,
		VerifyTimeout:    s.Settings.VerifyTimeout,
		Browser:          forceBrowser || s.Settings.Browser,
		WaitSelector:     s.Settings.WaitSelector,
		ExtraDelay:       s.Settings.ExtraDelay,
		Scroll:           s.Settings.Scroll,
		UserAgent:        s.Settings.UserAgent,
	}
}

// Generic returns a spider with default settings and no rules. Queue
// items whose project has no configured spider are processed with it.
func Generic(name string) *Spider {
	rules, _ := CompileRules(nil, nil, nil)
	return &Spider{
		Config:   crawler.SpiderConfig{Name: name, Active: true},
		Settings: DefaultSettings(),
		Rules:    rules,
	}
}
