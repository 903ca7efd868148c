// Package collyfetcher implements the plain HTTP fetcher on gocolly, with one
// collector per proxy tier.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// DatacenterProxy and ResidentialProxy are proxy URLs. An empty value
	// leaves that tier unavailable.
	DatacenterProxy  string
	ResidentialProxy string
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg   Config
	tiers map[crawler.ProxyTier]*colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Each tier gets its own transport so connections
// never leak between the direct path and a proxy.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	f := &Fetcher{cfg: cfg, tiers: make(map[crawler.ProxyTier]*colly.Collector)}
	f.tiers[crawler.TierDirect] = newBaseCollector(newHTTPTransport(nil), cfg.Timeout)

	for tier, raw := range map[crawler.ProxyTier]string{
		crawler.TierDatacenter:  cfg.DatacenterProxy,
		crawler.TierResidential: cfg.ResidentialProxy,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		proxyURL, err := url.Parse(raw)
		if err != nil || proxyURL.Host == "" {
			return nil, &crawler.ConfigError{Field: string(tier) + " proxy", Reason: fmt.Sprintf("invalid url %q", raw)}
		}
		f.tiers[tier] = newBaseCollector(newHTTPTransport(http.ProxyURL(proxyURL)), cfg.Timeout)
	}
	return f, nil
}

// HasTier reports whether tier is configured.
func (f *Fetcher) HasTier(tier crawler.ProxyTier) bool {
	_, ok := f.tiers[tier]
	return ok
}

// Fetch executes a single HTTP GET using Colly. Error statuses are returned
// as responses; only transport failures become errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	tier := request.Tier
	if tier == "" {
		tier = crawler.TierDirect
	}
	base, ok := f.tiers[tier]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("%s: %w", tier, crawler.ErrTierUnavailable)
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, base, request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.Tier = tier
	return result, nil
}

func newBaseCollector(transport http.RoundTripper, timeout time.Duration) *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(transport)
	c.SetRequestTimeout(timeout)
	// Cookies come from the session cache, never from a shared jar.
	c.DisableCookies()
	return c
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	base *colly.Collector,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := base.Clone()
	collector.Context = ctx
	switch {
	case request.UserAgent != "":
		collector.UserAgent = request.UserAgent
	case f.cfg.UserAgent != "":
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
		if cookie := cookieHeader(request.Cookies); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// cookieHeader renders cookies in a stable order.
func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, (&http.Cookie{Name: name, Value: cookies[name]}).String())
	}
	return strings.Join(parts, "; ")
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
