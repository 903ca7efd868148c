// Package ratelimit spaces requests per domain and caps per-domain concurrency.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Delay is the minimum spacing between request starts to one domain.
	// Zero disables spacing.
	Delay time.Duration
	// PerDomain caps in-flight requests to one domain. Zero means unlimited.
	PerDomain int
}

type domainState struct {
	limiter *rate.Limiter
	slots   *semaphore.Weighted
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	domains map[string]*domainState
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		domains: make(map[string]*domainState),
	}
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if ok {
		return st
	}
	limit := rate.Inf
	if l.cfg.Delay > 0 {
		limit = rate.Every(l.cfg.Delay)
	}
	st = &domainState{limiter: rate.NewLimiter(limit, 1)}
	if l.cfg.PerDomain > 0 {
		st.slots = semaphore.NewWeighted(int64(l.cfg.PerDomain))
	}
	l.domains[domain] = st
	return st
}

// Acquire waits for a concurrency slot and then for the domain's next
// request window. The returned release must be called when the request ends.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	domain := crawler.Hostname(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	st := l.state(domain)
	if st.slots != nil {
		if err := st.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("rate limit slot: %w", err)
		}
	}
	release := func() {
		if st.slots != nil {
			st.slots.Release(1)
		}
	}

	start := time.Now()
	if err := st.limiter.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return release, nil
}
