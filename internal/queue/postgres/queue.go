// Package postgres implements the work queue on Postgres. Claims use
// FOR UPDATE SKIP LOCKED so workers on different hosts never take the same row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

const itemColumns = `id, project, target_url, COALESCE(instruction, ''), status, priority,
	COALESCE(claimant, ''), claimed_at, COALESCE(error_message, ''), retry_count,
	created_at, updated_at, completed_at`

// Pool is the subset of pgxpool.Pool the queue needs.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Queue implements crawler.WorkQueue.
type Queue struct {
	pool  Pool
	clock crawler.Clock
}

// New wraps a pool.
func New(pool Pool, clock crawler.Clock) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Queue{pool: pool, clock: clock}, nil
}

// Enqueue inserts a pending item unless (project, target_url) already exists.
func (q *Queue) Enqueue(ctx context.Context, req crawler.EnqueueRequest) (int64, error) {
	if req.Project == "" || req.TargetURL == "" {
		return 0, fmt.Errorf("project and target url are required")
	}
	now := q.clock.Now()
	var id int64
	err := q.pool.QueryRow(ctx, `
INSERT INTO queue_items (project, target_url, instruction, status, priority, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $6)
ON CONFLICT (project, target_url) DO NOTHING
RETURNING id`,
		req.Project, req.TargetURL, req.Instruction, string(crawler.QueueStatusPending), req.Priority, now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("enqueue %s: %w", req.TargetURL, crawler.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", req.TargetURL, err)
	}
	return id, nil
}

// ClaimNext locks the best pending row, skipping rows other workers hold.
func (q *Queue) ClaimNext(ctx context.Context, project, claimant string) (crawler.QueueItem, bool, error) {
	row := q.pool.QueryRow(ctx, `
UPDATE queue_items
SET status = $1, claimant = $2, claimed_at = $3, updated_at = $3
WHERE id = (
	SELECT id FROM queue_items
	WHERE project = $4 AND status = $5
	ORDER BY priority DESC, created_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING `+itemColumns,
		string(crawler.QueueStatusProcessing), claimant, q.clock.Now(), project, string(crawler.QueueStatusPending),
	)
	item, err := scanItem(row)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.QueueItem{}, false, nil
	}
	if err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("claim next: %w", err)
	}
	return item, true, nil
}

// MarkComplete moves a processing item to completed.
func (q *Queue) MarkComplete(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items SET status = $1, completed_at = $2, updated_at = $2
WHERE id = $3 AND status = $4`,
		string(crawler.QueueStatusCompleted), q.clock.Now(), id, string(crawler.QueueStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("mark complete %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, tag, id)
}

// MarkFailed moves a processing item to failed with message.
func (q *Queue) MarkFailed(ctx context.Context, id int64, message string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items SET status = $1, error_message = $2, updated_at = $3
WHERE id = $4 AND status = $5`,
		string(crawler.QueueStatusFailed), message, q.clock.Now(), id, string(crawler.QueueStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, tag, id)
}

// Release returns a processing item to pending.
func (q *Queue) Release(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items SET status = $1, claimant = NULL, claimed_at = NULL, updated_at = $2
WHERE id = $3 AND status = $4`,
		string(crawler.QueueStatusPending), q.clock.Now(), id, string(crawler.QueueStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("release %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, tag, id)
}

// Retry resets a failed item to pending.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items
SET status = $1, claimant = NULL, claimed_at = NULL, error_message = NULL,
	completed_at = NULL, retry_count = retry_count + 1, updated_at = $2
WHERE id = $3 AND status = $4`,
		string(crawler.QueueStatusPending), q.clock.Now(), id, string(crawler.QueueStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("retry %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	exists, err := q.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("retry %d: %w", id, crawler.ErrNotFound)
	}
	return fmt.Errorf("retry %d: only failed items can be retried: %w", id, crawler.ErrInvalidTransition)
}

// Remove deletes one item.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// BulkCleanup deletes items in the given statuses (completed and failed by default).
func (q *Queue) BulkCleanup(ctx context.Context, statuses ...crawler.QueueStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []crawler.QueueStatus{crawler.QueueStatusCompleted, crawler.QueueStatusFailed}
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_items WHERE status = ANY($1)`, values)
	if err != nil {
		return 0, fmt.Errorf("bulk cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id int64) (crawler.QueueItem, error) {
	item, err := scanItem(q.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id))
	if err != nil {
		return crawler.QueueItem{}, fmt.Errorf("get %d: %w", id, err)
	}
	return item, nil
}

// List returns items in claim order.
func (q *Queue) List(ctx context.Context, filter crawler.ListFilter) ([]crawler.QueueItem, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Project != "" {
		args = append(args, filter.Project)
		clauses = append(clauses, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []crawler.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list queue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return items, nil
}

// Stats counts items per status for a project.
func (q *Queue) Stats(ctx context.Context, project string) (map[crawler.QueueStatus]int, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE project = $1 GROUP BY status`, project)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[crawler.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		stats[crawler.QueueStatus(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// RequeueStale returns processing items claimed before now-olderThan to pending.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock.Now()
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items
SET status = $1, claimant = NULL, claimed_at = NULL, updated_at = $2
WHERE status = $3 AND claimed_at < $4`,
		string(crawler.QueueStatusPending), now, string(crawler.QueueStatusProcessing), now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) noopUnlessMissing(ctx context.Context, tag pgconn.CommandTag, id int64) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	exists, err := q.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("queue item %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (q *Queue) exists(ctx context.Context, id int64) (bool, error) {
	var found bool
	err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup %d: %w", id, err)
	}
	return found, nil
}

func scanItem(row pgx.Row) (crawler.QueueItem, error) {
	var (
		item   crawler.QueueItem
		status string
	)
	err := row.Scan(
		&item.ID, &item.Project, &item.TargetURL, &item.Instruction, &status, &item.Priority,
		&item.Claimant, &item.ClaimedAt, &item.ErrorMessage, &item.RetryCount,
		&item.CreatedAt, &item.UpdatedAt, &item.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.QueueItem{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.QueueItem{}, err
	}
	item.Status = crawler.QueueStatus(status)
	return item, nil
}
