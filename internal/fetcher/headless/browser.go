// Package headless drives a real Chrome through chromedp. One tab is kept
// per session identity so cookies earned by passing a challenge stay with it.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

var (
	// ErrSessionClosed is returned when a tab's context has ended.
	ErrSessionClosed = errors.New("browser session closed")
	// ErrNavigationFailed is returned when a page did not load in time.
	ErrNavigationFailed = errors.New("navigation failed")
)

// Config controls the browser.
type Config struct {
	Headless          bool
	ExecPath          string
	ProxyServer       string
	UserAgent         string
	NavigationTimeout time.Duration
	// MaxParallel caps concurrent renders across all tabs. Zero means unlimited.
	MaxParallel int
}

// launchFunc starts a browser and returns its context. cancel stops the
// process.
type launchFunc func(cfg Config) (ctx context.Context, cancel context.CancelFunc, err error)

// Browser lazily launches Chrome and hands out one Session per identity.
type Browser struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}
	launch  launchFunc

	startMu       sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// New validates cfg. Chrome is not started until the first render.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		launch:   launchChrome,
		sessions: make(map[string]*Session),
	}, nil
}

// Start launches Chrome unless it is already running. A browser whose
// process has gone away is relaunched and its tabs are dropped.
func (b *Browser) Start(ctx context.Context) error {
	_, err := b.running(ctx)
	return err
}

func (b *Browser) running(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		b.logger.Warn("browser exited, relaunching", zap.Error(context.Cause(b.browserCtx)))
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
		b.dropSessions()
	}
	browserCtx, cancel, err := b.launch(b.cfg)
	if err != nil {
		return nil, err
	}
	b.browserCtx, b.browserCancel = browserCtx, cancel
	b.logger.Info("browser started", zap.Bool("headless", b.cfg.Headless))
	return browserCtx, nil
}

func launchChrome(cfg Config) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	return browserCtx, cancel, nil
}

// Session returns the tab bound to identity, opening it if needed. Each
// identity gets its own browser context so cookie jars never mix.
func (b *Browser) Session(ctx context.Context, identity string) (*Session, error) {
	browserCtx, err := b.running(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[identity]; ok && s.ctx.Err() == nil {
		return s, nil
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	s := newSession(tabCtx, cancel, identity, chromeDriver{}, b.cfg.NavigationTimeout, b.logger)
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab for %s: %w", identity, err)
	}
	b.sessions[identity] = s
	return s, nil
}

// Render implements crawler.Renderer.
func (b *Browser) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	if err := b.acquire(ctx); err != nil {
		return crawler.RenderResult{}, err
	}
	defer b.release()
	s, err := b.Session(ctx, req.Identity)
	if err != nil {
		return crawler.RenderResult{}, err
	}
	return s.Render(ctx, req)
}

// CloseSession closes the tab for identity, if any.
func (b *Browser) CloseSession(identity string) {
	b.mu.Lock()
	s, ok := b.sessions[identity]
	delete(b.sessions, identity)
	b.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close shuts down every tab and the browser process.
func (b *Browser) Close() {
	b.dropSessions()

	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.browserCancel == nil {
		return
	}
	b.browserCancel()
	b.browserCtx, b.browserCancel = nil, nil
}

func (b *Browser) dropSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		s.Close()
		delete(b.sessions, id)
	}
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}
