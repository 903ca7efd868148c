package evasion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// DefaultVerifyTimeout bounds one browser verification.
const DefaultVerifyTimeout = 60 * time.Second

// Options are the per-spider fetch settings.
type Options struct {
	// Identity keys the session cache and the browser tab; usually the spider name.
	Identity  string
	ProxyMode crawler.ProxyMode
	// Challenge enables browser-verified cookie sessions.
	Challenge        bool
	RefreshThreshold time.Duration
	VerifyTimeout    time.Duration
	// Browser renders every page instead of fetching over HTTP.
	Browser      bool
	WaitSelector string
	ExtraDelay   time.Duration
	Scroll       crawler.ScrollConfig
	// UserAgent overrides the default user agent on both the HTTP and browser paths.
	UserAgent string
}

// Controller is the single entry point for page fetches.
type Controller struct {
	shared   *Shared
	router   *ProxyRouter
	detector *Detector
	clock    crawler.Clock
	logger   *zap.Logger
	group    singleflight.Group
}

type verification struct {
	session *Session
	result  crawler.RenderResult
}

// NewController wires a controller over the process-wide shared state.
func NewController(shared *Shared, router *ProxyRouter, detector *Detector, clock crawler.Clock, logger *zap.Logger) *Controller {
	if detector == nil {
		detector = NewDetector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		shared:   shared,
		router:   router,
		detector: detector,
		clock:    clock,
		logger:   logger,
	}
}

// Fetch returns the page at url.
func (c *Controller) Fetch(ctx context.Context, url string, opts Options) (crawler.FetchResponse, error) {
	if opts.Browser {
		res, err := c.render(ctx, url, opts, nil)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		return res.Response(), nil
	}
	if !opts.Challenge {
		return c.router.Fetch(ctx, crawler.FetchRequest{URL: url, UserAgent: opts.UserAgent}, opts.ProxyMode)
	}
	return c.fetchWithSession(ctx, url, opts)
}

func (c *Controller) fetchWithSession(ctx context.Context, url string, opts Options) (crawler.FetchResponse, error) {
	sess, ok := c.shared.Sessions.Acquire(opts.Identity, c.clock.Now(), opts.RefreshThreshold)
	if !ok {
		v, err := c.verify(ctx, url, opts)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		if v.result.URL != "" && sameURL(v.result.URL, url) {
			return v.result.Response(), nil
		}
		sess = v.session
	}

	resp, blocked, err := c.fastPath(ctx, url, sess, opts)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !blocked {
		return resp, nil
	}

	c.logger.Info("cached session rejected, re-verifying",
		zap.String("identity", opts.Identity),
		zap.String("url", url),
	)
	metrics.ObserveBlock(url, "challenge")
	c.shared.Sessions.Invalidate(opts.Identity, sess)
	v, err := c.verify(ctx, url, opts)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if sameURL(v.result.URL, url) {
		return v.result.Response(), nil
	}
	resp, blocked, err = c.fastPath(ctx, url, v.session, opts)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !blocked {
		return resp, nil
	}

	c.logger.Warn("fast path still blocked after re-verification, rendering",
		zap.String("identity", opts.Identity),
		zap.String("url", url),
	)
	res, err := c.render(ctx, url, opts, c.notBlocked)
	if err != nil {
		return crawler.FetchResponse{}, errors.Join(fmt.Errorf("%s: %w", url, crawler.ErrBlocked), err)
	}
	if c.detector.IsBlocked(res.HTML) {
		return crawler.FetchResponse{}, fmt.Errorf("%s: rendered page still challenged: %w", url, crawler.ErrBlocked)
	}
	return res.Response(), nil
}

// fastPath replays the session's cookies over plain HTTP and reports
// whether the result is a block.
func (c *Controller) fastPath(ctx context.Context, url string, sess *Session, opts Options) (crawler.FetchResponse, bool, error) {
	req := crawler.FetchRequest{URL: url, Cookies: sess.Cookies, UserAgent: sess.UserAgent}
	resp, err := c.router.Fetch(ctx, req, opts.ProxyMode)
	if errors.Is(err, crawler.ErrBlocked) {
		return resp, true, nil
	}
	if err != nil {
		return crawler.FetchResponse{}, false, err
	}
	return resp, c.detector.IsBlocked(string(resp.Body)), nil
}

// verify renders url until the challenge clears and caches the resulting
// session. Concurrent callers for one identity share a single render, which
// runs detached from any one caller's cancellation and is bounded by the
// verify timeout instead. A caller whose own ctx ends stops waiting early.
func (c *Controller) verify(ctx context.Context, url string, opts Options) (verification, error) {
	ch := c.group.DoChan(opts.Identity, func() (any, error) {
		verifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout(opts))
		defer cancel()
		c.shared.Sessions.SetState(opts.Identity, StateVerifying)
		res, err := c.render(verifyCtx, url, opts, c.notBlocked)
		if err == nil && c.detector.IsBlocked(res.HTML) {
			err = errors.New("challenge did not clear")
		}
		if err != nil {
			c.shared.Sessions.SetState(opts.Identity, StateUnverified)
			metrics.ObserveVerification("failed")
			c.logger.Error("session verification failed",
				zap.String("identity", opts.Identity),
				zap.String("url", url),
				zap.Error(err),
			)
			return verification{}, fmt.Errorf("%s: %w", url, errors.Join(crawler.ErrVerificationFailed, err))
		}
		sess := &Session{
			Cookies:    res.Cookies,
			UserAgent:  res.UserAgent,
			VerifiedAt: c.clock.Now(),
		}
		c.shared.Sessions.Put(opts.Identity, sess)
		metrics.ObserveVerification("verified")
		c.logger.Info("session verified",
			zap.String("identity", opts.Identity),
			zap.Int("cookies", len(res.Cookies)),
		)
		return verification{session: sess, result: res}, nil
	})
	select {
	case <-ctx.Done():
		return verification{}, fmt.Errorf("%s: waiting for verification: %w", url, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return verification{}, r.Err
		}
		return r.Val.(verification), nil
	}
}

func (c *Controller) render(ctx context.Context, url string, opts Options, until func(string) bool) (crawler.RenderResult, error) {
	if c.shared.Browser == nil {
		return crawler.RenderResult{}, fmt.Errorf("render %s: no browser configured", url)
	}
	res, err := c.shared.Browser.Render(ctx, crawler.RenderRequest{
		Identity:     opts.Identity,
		URL:          url,
		WaitSelector: opts.WaitSelector,
		ExtraDelay:   opts.ExtraDelay,
		Scroll:       opts.Scroll,
		Until:        until,
		Timeout:      verifyTimeout(opts),
		UserAgent:    opts.UserAgent,
	})
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("render %s: %w", url, err)
	}
	if res.URL == "" {
		res.URL = url
	}
	return res, nil
}

func verifyTimeout(opts Options) time.Duration {
	if opts.VerifyTimeout <= 0 {
		return DefaultVerifyTimeout
	}
	return opts.VerifyTimeout
}

func (c *Controller) notBlocked(html string) bool {
	return !c.detector.IsBlocked(html)
}

func sameURL(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := crawler.NormalizeURL(a)
	nb, errB := crawler.NormalizeURL(b)
	return errA == nil && errB == nil && na == nb
}
