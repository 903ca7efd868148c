package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/database"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *steppingClock) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := &steppingClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(db, clk), clk
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://a.test", Priority: 5})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://b.test", Priority: 10})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://c.test", Priority: 5})
	require.NoError(t, err)

	var got []string
	for {
		item, ok, err := q.ClaimNext(ctx, "p", "w1")
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, crawler.QueueStatusProcessing, item.Status)
		require.Equal(t, "w1", item.Claimant)
		require.NotNil(t, item.ClaimedAt)
		got = append(got, item.TargetURL)
	}
	require.Equal(t, []string{"https://b.test", "https://a.test", "https://c.test"}, got)
}

func TestClaimIsScopedToProject(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "other", TargetURL: "https://a.test", Priority: 5})
	require.NoError(t, err)

	_, ok, err := q.ClaimNext(ctx, "p", "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentClaimsNeverShareAnItem(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	const items = 20
	for i := 0; i < items; i++ {
		_, err := q.Enqueue(ctx, crawler.EnqueueRequest{
			Project:   "p",
			TargetURL: "https://site.test/" + string(rune('a'+i)),
			Priority:  crawler.DefaultPriority,
		})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		claimant := "worker-" + string(rune('0'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := q.ClaimNext(ctx, "p", claimant)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[item.ID]; dup {
					t.Errorf("item %d claimed by %s and %s", item.ID, prev, claimant)
				}
				claimed[item.ID] = claimant
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, claimed, items)
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	req := crawler.EnqueueRequest{Project: "p", TargetURL: "https://a.test", Priority: 5}
	_, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, req)
	require.ErrorIs(t, err, crawler.ErrDuplicate)

	req.Project = "other"
	_, err = q.Enqueue(ctx, req)
	require.NoError(t, err)
}

func TestLifecycleAndRetry(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://a.test", Instruction: "news only", Priority: 5})
	require.NoError(t, err)

	require.ErrorIs(t, q.Retry(ctx, id), crawler.ErrInvalidTransition)

	item, ok, err := q.ClaimNext(ctx, "p", "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, item.ID)
	require.Equal(t, "news only", item.Instruction)

	require.NoError(t, q.MarkFailed(ctx, id, "timeout"))
	failed, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusFailed, failed.Status)
	require.Equal(t, "timeout", failed.ErrorMessage)

	require.NoError(t, q.Retry(ctx, id))
	retried, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusPending, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Empty(t, retried.Claimant)
	require.Nil(t, retried.ClaimedAt)
	require.Empty(t, retried.ErrorMessage)

	_, ok, err = q.ClaimNext(ctx, "p", "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.MarkComplete(ctx, id))
	done, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// completing twice is a no-op
	require.NoError(t, q.MarkComplete(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, "late"))
	still, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusCompleted, still.Status)
}

func TestMissingItems(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.ErrorIs(t, q.MarkComplete(ctx, 42), crawler.ErrNotFound)
	require.ErrorIs(t, q.MarkFailed(ctx, 42, "x"), crawler.ErrNotFound)
	require.ErrorIs(t, q.Retry(ctx, 42), crawler.ErrNotFound)
	require.ErrorIs(t, q.Remove(ctx, 42), crawler.ErrNotFound)
	_, err := q.Get(ctx, 42)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestListStatsAndCleanup(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, u := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		_, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: u, Priority: 5})
		require.NoError(t, err)
	}
	first, _, err := q.ClaimNext(ctx, "p", "w")
	require.NoError(t, err)
	require.NoError(t, q.MarkComplete(ctx, first.ID))
	second, _, err := q.ClaimNext(ctx, "p", "w")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, second.ID, "boom"))

	stats, err := q.Stats(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, map[crawler.QueueStatus]int{
		crawler.QueueStatusPending:   1,
		crawler.QueueStatusCompleted: 1,
		crawler.QueueStatusFailed:    1,
	}, stats)

	pending, err := q.List(ctx, crawler.ListFilter{Project: "p", Status: crawler.QueueStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "https://c.test", pending[0].TargetURL)

	limited, err := q.List(ctx, crawler.ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	removed, err := q.BulkCleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	all, err := q.List(ctx, crawler.ListFilter{Project: "p"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NoError(t, q.Remove(ctx, all[0].ID))
}

func TestRequeueStale(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://a.test", Priority: 5})
	require.NoError(t, err)
	_, ok, err := q.ClaimNext(ctx, "p", "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := q.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = q.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusPending, item.Status)
	require.Empty(t, item.Claimant)
}

func TestReleaseReturnsClaimWithoutRetry(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, crawler.EnqueueRequest{Project: "p", TargetURL: "https://a.test", Priority: 5})
	require.NoError(t, err)
	_, ok, err := q.ClaimNext(ctx, "p", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Release(ctx, id))
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStatusPending, item.Status)
	require.Empty(t, item.Claimant)
	require.Nil(t, item.ClaimedAt)
	require.Zero(t, item.RetryCount)

	// pending items are left alone
	require.NoError(t, q.Release(ctx, id))
	require.ErrorIs(t, q.Release(ctx, 999), crawler.ErrNotFound)

	again, ok, err := q.ClaimNext(ctx, "p", "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, again.ID)
}
