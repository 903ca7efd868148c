package evasion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// ProxyRouter picks the proxy tier for plain HTTP fetches. In auto mode a
// host starts on the direct tier; the first 403/429 marks it blocked for the
// life of the process and the request is retried once via the datacenter
// tier. A second block status is final.
type ProxyRouter struct {
	fetcher crawler.Fetcher
	blocked *BlockedDomains
	retry   crawler.RetryPolicy
	logger  *zap.Logger
}

// NewProxyRouter wires a router. retry handles transient failures within a tier.
func NewProxyRouter(fetcher crawler.Fetcher, blocked *BlockedDomains, retry crawler.RetryPolicy, logger *zap.Logger) *ProxyRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if blocked == nil {
		blocked = NewBlockedDomains()
	}
	return &ProxyRouter{fetcher: fetcher, blocked: blocked, retry: retry, logger: logger}
}

// Fetch fetches req according to mode. A response that still carries a
// block status after escalation is returned together with an error wrapping
// crawler.ErrBlocked.
func (p *ProxyRouter) Fetch(ctx context.Context, req crawler.FetchRequest, mode crawler.ProxyMode) (crawler.FetchResponse, error) {
	host := crawler.Hostname(req.URL)
	if mode != crawler.ProxyModeAuto && mode != "" {
		tier := crawler.ProxyTier(mode)
		resp, err := p.fetchTier(ctx, req, tier)
		if err != nil {
			return resp, err
		}
		if IsBlockStatus(resp.StatusCode) {
			metrics.ObserveBlock(req.URL, "status")
			return resp, p.blockedErr(req.URL, tier, resp.StatusCode)
		}
		return resp, nil
	}

	tier := crawler.TierDirect
	if p.blocked.Contains(host) {
		tier = crawler.TierDatacenter
	}
	resp, err := p.fetchTier(ctx, req, tier)
	if err != nil {
		return resp, err
	}
	if !IsBlockStatus(resp.StatusCode) {
		return resp, nil
	}
	metrics.ObserveBlock(req.URL, "status")
	if tier != crawler.TierDirect {
		return resp, p.blockedErr(req.URL, tier, resp.StatusCode)
	}

	if p.blocked.Mark(host) {
		p.logger.Info("host marked for proxy tier",
			zap.String("host", host),
			zap.Int("status", resp.StatusCode),
		)
	}
	metrics.ObserveEscalation(req.URL)
	escalated, err := p.fetchTier(ctx, req, crawler.TierDatacenter)
	if errors.Is(err, crawler.ErrTierUnavailable) {
		return resp, fmt.Errorf("%w: no datacenter proxy to escalate to", p.blockedErr(req.URL, tier, resp.StatusCode))
	}
	if err != nil {
		return escalated, err
	}
	if IsBlockStatus(escalated.StatusCode) {
		metrics.ObserveBlock(req.URL, "status")
		return escalated, p.blockedErr(req.URL, crawler.TierDatacenter, escalated.StatusCode)
	}
	return escalated, nil
}

func (p *ProxyRouter) blockedErr(url string, tier crawler.ProxyTier, code int) error {
	return fmt.Errorf("%s via %s: %w", url, tier, errors.Join(crawler.ErrBlocked, &crawler.HTTPStatusError{URL: url, StatusCode: code}))
}

// fetchTier fetches on one tier, retrying transport errors and 5xx
// statuses per the retry policy.
func (p *ProxyRouter) fetchTier(ctx context.Context, req crawler.FetchRequest, tier crawler.ProxyTier) (crawler.FetchResponse, error) {
	req.Tier = tier
	var resp crawler.FetchResponse
	err := crawler.Retry(ctx, p.retry, func(attempt int) error {
		var err error
		resp, err = p.fetcher.Fetch(ctx, req)
		if err != nil {
			p.logger.Debug("fetch attempt failed",
				zap.String("url", req.URL),
				zap.String("tier", string(tier)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		metrics.ObserveFetch(req.URL, string(tier), resp.StatusCode, len(resp.Body), resp.Duration)
		if resp.StatusCode >= http.StatusInternalServerError {
			return &crawler.HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode}
		}
		return nil
	})
	return resp, err
}
