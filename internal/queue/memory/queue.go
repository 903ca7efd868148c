// Package memory provides a work queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

type key struct {
	project string
	url     string
}

// Queue is a mutex-guarded crawler.WorkQueue.
type Queue struct {
	mu     sync.Mutex
	clock  crawler.Clock
	nextID int64
	items  map[int64]*crawler.QueueItem
	byURL  map[key]int64
}

// NewQueue constructs an empty queue.
func NewQueue(clock crawler.Clock) *Queue {
	return &Queue{
		clock: clock,
		items: make(map[int64]*crawler.QueueItem),
		byURL: make(map[key]int64),
	}
}

// Enqueue adds a pending item unless (project, url) is already present.
func (q *Queue) Enqueue(_ context.Context, req crawler.EnqueueRequest) (int64, error) {
	if req.Project == "" || req.TargetURL == "" {
		return 0, fmt.Errorf("project and target url are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key{project: req.Project, url: req.TargetURL}
	if _, ok := q.byURL[k]; ok {
		return 0, fmt.Errorf("enqueue %s: %w", req.TargetURL, crawler.ErrDuplicate)
	}
	q.nextID++
	now := q.clock.Now()
	q.items[q.nextID] = &crawler.QueueItem{
		ID:          q.nextID,
		Project:     req.Project,
		TargetURL:   req.TargetURL,
		Instruction: req.Instruction,
		Status:      crawler.QueueStatusPending,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.byURL[k] = q.nextID
	return q.nextID, nil
}

// ClaimNext picks the best pending item for project.
func (q *Queue) ClaimNext(_ context.Context, project, claimant string) (crawler.QueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *crawler.QueueItem
	for _, item := range q.items {
		if item.Project != project || item.Status != crawler.QueueStatusPending {
			continue
		}
		if best == nil || before(item, best) {
			best = item
		}
	}
	if best == nil {
		return crawler.QueueItem{}, false, nil
	}
	now := q.clock.Now()
	best.Status = crawler.QueueStatusProcessing
	best.Claimant = claimant
	best.ClaimedAt = &now
	best.UpdatedAt = now
	return copyItem(best), true, nil
}

// MarkComplete moves a processing item to completed.
func (q *Queue) MarkComplete(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("queue item %d: %w", id, crawler.ErrNotFound)
	}
	if item.Status != crawler.QueueStatusProcessing {
		return nil
	}
	now := q.clock.Now()
	item.Status = crawler.QueueStatusCompleted
	item.CompletedAt = &now
	item.UpdatedAt = now
	return nil
}

// Release returns a processing item to pending.
func (q *Queue) Release(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("queue item %d: %w", id, crawler.ErrNotFound)
	}
	if item.Status != crawler.QueueStatusProcessing {
		return nil
	}
	item.Status = crawler.QueueStatusPending
	item.Claimant = ""
	item.ClaimedAt = nil
	item.UpdatedAt = q.clock.Now()
	return nil
}

// MarkFailed moves a processing item to failed.
func (q *Queue) MarkFailed(_ context.Context, id int64, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("queue item %d: %w", id, crawler.ErrNotFound)
	}
	if item.Status != crawler.QueueStatusProcessing {
		return nil
	}
	item.Status = crawler.QueueStatusFailed
	item.ErrorMessage = message
	item.UpdatedAt = q.clock.Now()
	return nil
}

// Retry resets a failed item to pending.
func (q *Queue) Retry(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("retry %d: %w", id, crawler.ErrNotFound)
	}
	if item.Status != crawler.QueueStatusFailed {
		return fmt.Errorf("retry %d: only failed items can be retried: %w", id, crawler.ErrInvalidTransition)
	}
	item.Status = crawler.QueueStatusPending
	item.Claimant = ""
	item.ClaimedAt = nil
	item.ErrorMessage = ""
	item.CompletedAt = nil
	item.RetryCount++
	item.UpdatedAt = q.clock.Now()
	return nil
}

// Remove deletes one item.
func (q *Queue) Remove(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("remove %d: %w", id, crawler.ErrNotFound)
	}
	q.drop(item)
	return nil
}

// BulkCleanup deletes items in the given statuses (completed and failed by default).
func (q *Queue) BulkCleanup(_ context.Context, statuses ...crawler.QueueStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []crawler.QueueStatus{crawler.QueueStatusCompleted, crawler.QueueStatusFailed}
	}
	want := make(map[crawler.QueueStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, item := range q.items {
		if _, ok := want[item.Status]; ok {
			q.drop(item)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one item.
func (q *Queue) Get(_ context.Context, id int64) (crawler.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return crawler.QueueItem{}, fmt.Errorf("get %d: %w", id, crawler.ErrNotFound)
	}
	return copyItem(item), nil
}

// List returns matching items in claim order.
func (q *Queue) List(_ context.Context, filter crawler.ListFilter) ([]crawler.QueueItem, error) {
	q.mu.Lock()
	matched := make([]*crawler.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if filter.Project != "" && item.Project != filter.Project {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return before(matched[i], matched[j]) })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]crawler.QueueItem, len(matched))
	for i, item := range matched {
		out[i] = copyItem(item)
	}
	q.mu.Unlock()
	return out, nil
}

// Stats counts items per status for a project.
func (q *Queue) Stats(_ context.Context, project string) (map[crawler.QueueStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[crawler.QueueStatus]int)
	for _, item := range q.items {
		if item.Project == project {
			stats[item.Status]++
		}
	}
	return stats, nil
}

// RequeueStale returns processing items claimed before now-olderThan to pending.
func (q *Queue) RequeueStale(_ context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, item := range q.items {
		if item.Status != crawler.QueueStatusProcessing || item.ClaimedAt == nil || !item.ClaimedAt.Before(cutoff) {
			continue
		}
		item.Status = crawler.QueueStatusPending
		item.Claimant = ""
		item.ClaimedAt = nil
		item.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *Queue) drop(item *crawler.QueueItem) {
	delete(q.byURL, key{project: item.Project, url: item.TargetURL})
	delete(q.items, item.ID)
}

func before(a, b *crawler.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func copyItem(item *crawler.QueueItem) crawler.QueueItem {
	out := *item
	if item.ClaimedAt != nil {
		t := *item.ClaimedAt
		out.ClaimedAt = &t
	}
	if item.CompletedAt != nil {
		t := *item.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
