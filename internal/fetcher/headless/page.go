package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

const (
	defaultMaxScrolls = 5
	defaultScrollWait = time.Second
	pollInterval      = 500 * time.Millisecond
)

// pageDriver is the tab behaviour a Session needs.
type pageDriver interface {
	Navigate(ctx context.Context, url, userAgent string) error
	WaitVisible(ctx context.Context, selector string) error
	ScrollHeight(ctx context.Context) (int64, error)
	ScrollToBottom(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]*network.Cookie, error)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// scrollPage scrolls to the bottom until the page stops growing or the
// scroll budget runs out, and returns the number of scrolls performed.
func scrollPage(ctx context.Context, d pageDriver, cfg crawler.ScrollConfig, sleep sleepFunc) (int, error) {
	if !cfg.Enabled {
		return 0, nil
	}
	maxScrolls := cfg.MaxScrolls
	if maxScrolls <= 0 {
		maxScrolls = defaultMaxScrolls
	}
	wait := cfg.Delay
	if wait <= 0 {
		wait = defaultScrollWait
	}
	last, err := d.ScrollHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("read scroll height: %w", err)
	}
	for i := 1; i <= maxScrolls; i++ {
		if err := d.ScrollToBottom(ctx); err != nil {
			return i - 1, fmt.Errorf("scroll: %w", err)
		}
		if err := sleep(ctx, wait); err != nil {
			return i, err
		}
		height, err := d.ScrollHeight(ctx)
		if err != nil {
			return i, fmt.Errorf("read scroll height: %w", err)
		}
		if height == last {
			return i, nil
		}
		last = height
	}
	return maxScrolls, nil
}

// pollUntil reads the page HTML until until accepts it or ctx ends. The
// last HTML seen is returned either way.
func pollUntil(ctx context.Context, d pageDriver, until func(string) bool, interval time.Duration, sleep sleepFunc) (string, bool) {
	var last string
	for {
		html, err := d.HTML(ctx)
		if err == nil {
			last = html
			if until(html) {
				return html, true
			}
		}
		if err := sleep(ctx, interval); err != nil {
			return last, false
		}
	}
}

// chromeDriver drives a chromedp tab.
type chromeDriver struct{}

func (chromeDriver) Navigate(ctx context.Context, url, userAgent string) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	}), chromedp.Navigate(url))
}

func (chromeDriver) WaitVisible(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (chromeDriver) ScrollHeight(ctx context.Context) (int64, error) {
	var height float64
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body ? document.body.scrollHeight : 0`, &height)); err != nil {
		return 0, err
	}
	return int64(height), nil
}

func (chromeDriver) ScrollToBottom(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func (chromeDriver) HTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (chromeDriver) Location(ctx context.Context) (string, error) {
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (chromeDriver) UserAgent(ctx context.Context) (string, error) {
	var ua string
	if err := chromedp.Run(ctx, chromedp.Evaluate(`navigator.userAgent`, &ua)); err != nil {
		return "", err
	}
	return ua, nil
}

func (chromeDriver) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	return cookies, err
}
