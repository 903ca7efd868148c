package headless

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

type fakePage struct {
	heights []int64
	htmls   []string
	scrolls int
	reads   int

	mu       sync.Mutex
	inFlight int
	overlaps int
	visited  []string
	agents   []string
	navDelay time.Duration
	navErr   error
}

func (p *fakePage) Navigate(ctx context.Context, url, userAgent string) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > 1 {
		p.overlaps++
	}
	p.visited = append(p.visited, url)
	p.agents = append(p.agents, userAgent)
	p.mu.Unlock()

	err := sleepCtx(ctx, p.navDelay)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	return err
}

func (p *fakePage) WaitVisible(context.Context, string) error { return nil }

func (p *fakePage) ScrollHeight(context.Context) (int64, error) {
	h := p.heights[min(p.scrolls, len(p.heights)-1)]
	return h, nil
}

func (p *fakePage) ScrollToBottom(context.Context) error {
	p.scrolls++
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	html := p.htmls[min(p.reads, len(p.htmls)-1)]
	p.reads++
	return html, nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.visited) == 0 {
		return "", nil
	}
	return p.visited[len(p.visited)-1], nil
}

func (p *fakePage) UserAgent(context.Context) (string, error) { return "UA/test", nil }

func (p *fakePage) Cookies(context.Context) ([]*network.Cookie, error) {
	return []*network.Cookie{{Name: "sid", Value: "1"}}, nil
}

func newTestSession(page *fakePage) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return newSession(ctx, cancel, "news", page, time.Second, zap.NewNop())
}

type detectorFunc func(string) bool

func (f detectorFunc) IsBlocked(html string) bool { return f(html) }

func noSleep(context.Context, time.Duration) error { return nil }

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	b, err := New(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(b.limiter))
	require.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)
	// closing a browser that never started is safe
	b.Close()
}

func TestScrollStopsWhenHeightStable(t *testing.T) {
	t.Parallel()

	page := &fakePage{heights: []int64{1000, 2000, 3000, 3000}}
	n, err := scrollPage(context.Background(), page, crawler.ScrollConfig{Enabled: true, MaxScrolls: 10}, noSleep)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestScrollRespectsBudgetAndDisabled(t *testing.T) {
	t.Parallel()

	page := &fakePage{heights: []int64{1, 2, 3, 4, 5, 6, 7, 8}}
	n, err := scrollPage(context.Background(), page, crawler.ScrollConfig{Enabled: true, MaxScrolls: 2}, noSleep)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = scrollPage(context.Background(), page, crawler.ScrollConfig{}, noSleep)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPollUntilMatches(t *testing.T) {
	t.Parallel()

	page := &fakePage{htmls: []string{"<p>Just a moment...</p>", "<p>Just a moment...</p>", "<article>real</article>"}}
	html, ok := pollUntil(context.Background(), page, func(h string) bool {
		return !strings.Contains(h, "Just a moment")
	}, time.Millisecond, noSleep)
	require.True(t, ok)
	require.Equal(t, "<article>real</article>", html)
	require.Equal(t, 3, page.reads)
}

func TestPollUntilGivesUpWithLastHTML(t *testing.T) {
	t.Parallel()

	page := &fakePage{htmls: []string{"challenge"}}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sleep := func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}
	html, ok := pollUntil(ctx, page, func(string) bool { return false }, time.Millisecond, sleep)
	require.False(t, ok)
	require.Equal(t, "challenge", html)
}

func TestCloneHeader(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	if len(src["X-Test"]) != 2 {
		t.Fatalf("source header mutated: %+v", src)
	}
	if cloneHeader(nil) != nil {
		t.Fatalf("expected nil clone of nil header")
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.com/challenge",
			Headers: network.Headers{"Cf-Ray": "abc"},
		},
	})
	status, headers, url := meta.snapshot("https://req", "")
	if status != 403 || headers.Get("Cf-Ray") != "abc" || url != "https://example.com/challenge" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta.reset()
	status, _, url = meta.snapshot("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestCookieMap(t *testing.T) {
	t.Parallel()

	got := cookieMap([]*network.Cookie{{Name: "cf_clearance", Value: "x"}, nil, {Name: "sid", Value: "1"}})
	require.Equal(t, map[string]string{"cf_clearance": "x", "sid": "1"}, got)
}

func TestDisabledRenderer(t *testing.T) {
	t.Parallel()

	_, err := NewDisabled().Render(context.Background(), crawler.RenderRequest{URL: "https://example.com"})
	require.True(t, errors.Is(err, ErrBrowserDisabled))
}

func TestSessionSerializesNavigations(t *testing.T) {
	t.Parallel()

	page := &fakePage{heights: []int64{1}, htmls: []string{"<html>ok</html>"}, navDelay: 20 * time.Millisecond}
	s := newTestSession(page)
	ctx := context.Background()

	urls := []string{"https://news.test/a", "https://news.test/b", "https://news.test/c", "https://news.test/d"}
	errs := make(chan error, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := s.Render(ctx, crawler.RenderRequest{URL: u})
				errs <- err
				return
			}
			ok, err := s.Goto(ctx, u, GotoOptions{})
			if err == nil && !ok {
				err = errors.New("navigation reported failure")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	page.mu.Lock()
	defer page.mu.Unlock()
	require.Zero(t, page.overlaps, "two navigations ran on one tab at once")
	require.ElementsMatch(t, urls, page.visited)
}

func TestSessionRenderReadsPageState(t *testing.T) {
	t.Parallel()

	page := &fakePage{heights: []int64{1}, htmls: []string{"<html><article>story</article></html>"}}
	s := newTestSession(page)

	res, err := s.Render(context.Background(), crawler.RenderRequest{URL: "https://news.test/a", UserAgent: "Bot/2"})
	require.NoError(t, err)
	require.Equal(t, "https://news.test/a", res.URL)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.HTML, "story")
	require.Equal(t, "UA/test", res.UserAgent)
	require.Equal(t, map[string]string{"sid": "1"}, res.Cookies)
	require.Equal(t, []string{"Bot/2"}, page.agents)
}

func TestSessionGotoFailureAndClosedTab(t *testing.T) {
	t.Parallel()

	page := &fakePage{heights: []int64{1}, htmls: []string{"<html></html>"}, navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	s := newTestSession(page)
	ctx := context.Background()

	ok, err := s.Goto(ctx, "https://gone.test/", GotoOptions{})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Render(ctx, crawler.RenderRequest{URL: "https://gone.test/"})
	require.ErrorIs(t, err, ErrNavigationFailed)

	s.Close()
	_, err = s.Goto(ctx, "https://gone.test/", GotoOptions{})
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.HTML(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Cookies(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestWaitChallenge(t *testing.T) {
	t.Parallel()

	blocked := detectorFunc(func(h string) bool { return strings.Contains(h, "Just a moment") })
	page := &fakePage{htmls: []string{"Just a moment...", "Just a moment...", "<article>real</article>"}}
	s := newTestSession(page)
	s.sleep = noSleep

	html, cleared, err := s.WaitChallenge(context.Background(), blocked, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.True(t, cleared)
	require.Equal(t, "<article>real</article>", html)

	stuck := newTestSession(&fakePage{htmls: []string{"Just a moment..."}})
	html, cleared, err = stuck.WaitChallenge(context.Background(), blocked, 20*time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	require.False(t, cleared)
	require.Equal(t, "Just a moment...", html)
}

func TestStartRelaunchesAfterBrowserExit(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, nil)
	require.NoError(t, err)
	var exits []context.CancelFunc
	b.launch = func(Config) (context.Context, context.CancelFunc, error) {
		ctx, cancel := context.WithCancel(context.Background())
		exits = append(exits, cancel)
		return ctx, cancel, nil
	}
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.Len(t, exits, 1)

	// the browser process going away ends its context
	exits[0]()
	require.NoError(t, b.Start(ctx))
	require.Len(t, exits, 2)

	b.Close()
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, b.Start(canceled), context.Canceled)
	require.Len(t, exits, 2)
}

func TestStartRetriesFailedLaunch(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, nil)
	require.NoError(t, err)
	attempts := 0
	b.launch = func(Config) (context.Context, context.CancelFunc, error) {
		attempts++
		if attempts == 1 {
			return nil, nil, errors.New("launch browser: chrome not found")
		}
		ctx, cancel := context.WithCancel(context.Background())
		return ctx, cancel, nil
	}

	require.Error(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, 2, attempts)
	b.Close()
}
