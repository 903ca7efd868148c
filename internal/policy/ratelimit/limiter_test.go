package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterSpacesRequestsPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{Delay: 100 * time.Millisecond})
	ctx := context.Background()

	release, err := l.Acquire(ctx, "https://test.com/a")
	if err != nil {
		t.Fatal(err)
	}
	release()

	start := time.Now()
	release, err = l.Acquire(ctx, "https://test.com/b")
	if err != nil {
		t.Fatal(err)
	}
	release()
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected second request to wait ~100ms, waited %v", elapsed)
	}

	// other domains are not delayed
	start = time.Now()
	release, err = l.Acquire(ctx, "https://other.com/")
	if err != nil {
		t.Fatal(err)
	}
	release()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected other domain to proceed immediately, waited %v", elapsed)
	}
}

func TestLimiterCapsConcurrencyPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{PerDomain: 2})
	var (
		inflight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "https://busy.test/")
			if err != nil {
				t.Error(err)
				return
			}
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent requests, saw %d", peak.Load())
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Delay: time.Hour})
	release, err := l.Acquire(context.Background(), "https://slow.test/")
	if err != nil {
		t.Fatal(err)
	}
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "https://slow.test/"); err == nil {
		t.Fatal("expected error when context expires before the next window")
	}
}
