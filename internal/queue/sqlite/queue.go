// Package sqlite implements the work queue on the embedded SQLite store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

const itemColumns = `id, project, target_url, COALESCE(instruction, ''), status, priority,
	COALESCE(claimant, ''), claimed_at, COALESCE(error_message, ''), retry_count,
	created_at, updated_at, completed_at`

// Queue implements crawler.WorkQueue. The handle must come from
// database.OpenSQLite so that writes are serialized.
type Queue struct {
	db    *sql.DB
	clock crawler.Clock
}

// New wraps an open SQLite handle.
func New(db *sql.DB, clock crawler.Clock) *Queue {
	return &Queue{db: db, clock: clock}
}

func (q *Queue) now() int64 {
	return toUnix(q.clock.Now())
}

// Enqueue inserts a pending item unless (project, target_url) already exists.
func (q *Queue) Enqueue(ctx context.Context, req crawler.EnqueueRequest) (int64, error) {
	if req.Project == "" || req.TargetURL == "" {
		return 0, fmt.Errorf("project and target url are required")
	}
	now := q.now()
	var id int64
	err := q.db.QueryRowContext(ctx, `
INSERT INTO queue_items (project, target_url, instruction, status, priority, created_at, updated_at)
VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)
ON CONFLICT (project, target_url) DO NOTHING
RETURNING id`,
		req.Project, req.TargetURL, req.Instruction, crawler.QueueStatusPending, req.Priority, now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("enqueue %s: %w", req.TargetURL, crawler.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", req.TargetURL, err)
	}
	return id, nil
}

// ClaimNext selects and marks the next pending item in one statement.
func (q *Queue) ClaimNext(ctx context.Context, project, claimant string) (crawler.QueueItem, bool, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
UPDATE queue_items
SET status = ?, claimant = ?, claimed_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM queue_items
	WHERE project = ? AND status = ?
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT 1
) AND status = ?
RETURNING `+itemColumns,
		crawler.QueueStatusProcessing, claimant, now, now,
		project, crawler.QueueStatusPending, crawler.QueueStatusPending,
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
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		crawler.QueueStatusCompleted, now, now, id, crawler.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark complete %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, res, id)
}

// MarkFailed moves a processing item to failed with message.
func (q *Queue) MarkFailed(ctx context.Context, id int64, message string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?, error_message = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		crawler.QueueStatusFailed, message, q.now(), id, crawler.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, res, id)
}

// Release returns a processing item to pending.
func (q *Queue) Release(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?, claimant = NULL, claimed_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		crawler.QueueStatusPending, q.now(), id, crawler.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("release %d: %w", id, err)
	}
	return q.noopUnlessMissing(ctx, res, id)
}

// Retry resets a failed item to pending.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, claimant = NULL, claimed_at = NULL, error_message = NULL,
	completed_at = NULL, retry_count = retry_count + 1, updated_at = ?
WHERE id = ? AND status = ?`,
		crawler.QueueStatusPending, q.now(), id, crawler.QueueStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("retry %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry %d: %w", id, err)
	}
	if affected > 0 {
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
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("remove %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// BulkCleanup deletes items in the given statuses (completed and failed by default).
func (q *Queue) BulkCleanup(ctx context.Context, statuses ...crawler.QueueStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []crawler.QueueStatus{crawler.QueueStatusCompleted, crawler.QueueStatusFailed}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk cleanup: %w", err)
	}
	return n, nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id int64) (crawler.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
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
		clauses = append(clauses, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
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
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE project = ? GROUP BY status`, project)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[crawler.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		stats[crawler.QueueStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// RequeueStale returns processing items claimed before now-olderThan to pending.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock.Now()
	cutoff := toUnix(now.Add(-olderThan))
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, claimant = NULL, claimed_at = NULL, updated_at = ?
WHERE status = ? AND claimed_at < ?`,
		crawler.QueueStatusPending, toUnix(now), crawler.QueueStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return n, nil
}

func (q *Queue) noopUnlessMissing(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
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
	var one int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %d: %w", id, err)
	}
	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (crawler.QueueItem, error) {
	var (
		item        crawler.QueueItem
		status      string
		claimedAt   sql.NullInt64
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.Project, &item.TargetURL, &item.Instruction, &status, &item.Priority,
		&item.Claimant, &claimedAt, &item.ErrorMessage, &item.RetryCount,
		&createdAt, &updatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.QueueItem{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.QueueItem{}, err
	}
	item.Status = crawler.QueueStatus(status)
	item.ClaimedAt = fromNullUnix(claimedAt)
	item.CreatedAt = fromUnix(createdAt)
	item.UpdatedAt = fromUnix(updatedAt)
	item.CompletedAt = fromNullUnix(completedAt)
	return item, nil
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromUnix(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}
