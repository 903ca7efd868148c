package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// readGrace bounds reads of the final page state after a navigation.
const readGrace = 10 * time.Second

// GotoOptions shape one navigation.
type GotoOptions struct {
	WaitSelector string
	ExtraDelay   time.Duration
	Scroll       crawler.ScrollConfig
	// UserAgent overrides the tab's user agent before navigating.
	UserAgent string
	// Timeout bounds the navigation. Zero uses the browser's navigation timeout.
	Timeout time.Duration
}

// ChallengeDetector reports whether a page is still a block or challenge page.
type ChallengeDetector interface {
	IsBlocked(html string) bool
}

// Session is one browser tab. Navigations on a tab are serialized; HTML,
// Cookies and UserAgent read the tab as it is and never wait on navMu.
type Session struct {
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
	navMu    sync.Mutex
	meta     *responseMeta
	driver   pageDriver
	sleep    sleepFunc
	timeout  time.Duration
	logger   *zap.Logger
}

func newSession(ctx context.Context, cancel context.CancelFunc, identity string, driver pageDriver, timeout time.Duration, logger *zap.Logger) *Session {
	return &Session{
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		meta:     newResponseMeta(),
		driver:   driver,
		sleep:    sleepCtx,
		timeout:  timeout,
		logger:   logger.With(zap.String("identity", identity)),
	}
}

// Close ends the tab.
func (s *Session) Close() {
	s.cancel()
}

// Goto navigates the tab. A failed or timed out navigation reports false;
// only a dead tab is an error.
func (s *Session) Goto(ctx context.Context, url string, opts GotoOptions) (bool, error) {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	runCtx, cancel := s.bound(ctx, s.navTimeout(opts.Timeout))
	defer cancel()
	return s.goTo(runCtx, url, opts)
}

func (s *Session) goTo(ctx context.Context, url string, opts GotoOptions) (bool, error) {
	if s.ctx.Err() != nil {
		return false, ErrSessionClosed
	}
	s.meta.reset()
	if err := s.driver.Navigate(ctx, url, opts.UserAgent); err != nil {
		if s.ctx.Err() != nil {
			return false, ErrSessionClosed
		}
		s.logger.Warn("navigation failed", zap.String("url", url), zap.Error(err))
		return false, nil
	}
	if opts.WaitSelector != "" {
		if err := s.driver.WaitVisible(ctx, opts.WaitSelector); err != nil {
			s.logger.Warn("wait selector not found", zap.String("url", url), zap.String("selector", opts.WaitSelector), zap.Error(err))
		}
	}
	if err := s.sleep(ctx, opts.ExtraDelay); err != nil {
		if s.ctx.Err() != nil {
			return false, ErrSessionClosed
		}
		s.logger.Warn("navigation timed out during extra delay", zap.String("url", url), zap.Error(err))
		return false, nil
	}
	if n, err := scrollPage(ctx, s.driver, opts.Scroll, s.sleep); err != nil {
		s.logger.Warn("scroll interrupted", zap.String("url", url), zap.Int("scrolls", n), zap.Error(err))
	}
	return true, nil
}

// HTML returns the tab's current document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	readCtx, cancel := s.bound(ctx, readGrace)
	defer cancel()
	if s.ctx.Err() != nil {
		return "", ErrSessionClosed
	}
	html, err := s.driver.HTML(readCtx)
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Cookies returns the cookies visible to the tab by name.
func (s *Session) Cookies(ctx context.Context) (map[string]string, error) {
	readCtx, cancel := s.bound(ctx, readGrace)
	defer cancel()
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	cookies, err := s.driver.Cookies(readCtx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return cookieMap(cookies), nil
}

// UserAgent returns the user agent the page sees.
func (s *Session) UserAgent(ctx context.Context) (string, error) {
	readCtx, cancel := s.bound(ctx, readGrace)
	defer cancel()
	if s.ctx.Err() != nil {
		return "", ErrSessionClosed
	}
	ua, err := s.driver.UserAgent(readCtx)
	if err != nil {
		return "", fmt.Errorf("read user agent: %w", err)
	}
	return ua, nil
}

// WaitChallenge polls the page every poll until detector stops reporting a
// challenge or timeout passes. It returns the last HTML read and whether the
// challenge cleared.
func (s *Session) WaitChallenge(ctx context.Context, detector ChallengeDetector, timeout, poll time.Duration) (string, bool, error) {
	if poll <= 0 {
		poll = pollInterval
	}
	waitCtx, cancel := s.bound(ctx, s.navTimeout(timeout))
	defer cancel()
	if s.ctx.Err() != nil {
		return "", false, ErrSessionClosed
	}
	html, cleared := pollUntil(waitCtx, s.driver, func(h string) bool {
		return !detector.IsBlocked(h)
	}, poll, s.sleep)
	if !cleared && s.ctx.Err() != nil {
		return html, false, ErrSessionClosed
	}
	return html, cleared, nil
}

// Render navigates the tab and returns the page state. The tab stays locked
// from navigation until the state is read.
func (s *Session) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	s.navMu.Lock()
	defer s.navMu.Unlock()

	runCtx, cancel := s.bound(ctx, s.navTimeout(req.Timeout))
	defer cancel()

	start := time.Now()
	ok, err := s.goTo(runCtx, req.URL, GotoOptions{
		WaitSelector: req.WaitSelector,
		ExtraDelay:   req.ExtraDelay,
		Scroll:       req.Scroll,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		return crawler.RenderResult{}, err
	}
	if !ok {
		return crawler.RenderResult{}, fmt.Errorf("%s: %w", req.URL, ErrNavigationFailed)
	}

	var html string
	if req.Until != nil {
		var matched bool
		html, matched = pollUntil(runCtx, s.driver, req.Until, pollInterval, s.sleep)
		if !matched {
			s.logger.Debug("page never reached wanted state", zap.String("url", req.URL))
		}
	}
	// The poll may have used up runCtx; the reads below get their own grace window.
	if html == "" {
		if html, err = s.HTML(ctx); err != nil {
			return crawler.RenderResult{}, err
		}
	}
	finalURL, err := s.location(ctx)
	if err != nil {
		return crawler.RenderResult{}, err
	}
	userAgent, err := s.UserAgent(ctx)
	if err != nil {
		return crawler.RenderResult{}, err
	}
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return crawler.RenderResult{}, err
	}
	status, _, url := s.meta.snapshot(req.URL, finalURL)
	return crawler.RenderResult{
		URL:        url,
		StatusCode: status,
		HTML:       html,
		Cookies:    cookies,
		UserAgent:  userAgent,
		Duration:   time.Since(start),
	}, nil
}

func (s *Session) location(ctx context.Context) (string, error) {
	readCtx, cancel := s.bound(ctx, readGrace)
	defer cancel()
	loc, err := s.driver.Location(readCtx)
	if err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// bound derives a context from the tab that ends after d or when ctx ends.
func (s *Session) bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, d)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) navTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.timeout
}

func cookieMap(cookies []*network.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out[c.Name] = c.Value
	}
	return out
}
