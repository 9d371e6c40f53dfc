// Package postgres provides the PostgreSQL implementation of the queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements queue.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const itemColumns = `id, entity_type, data, reason, status, retry_count, version,
	created_at, last_retry, next_retry, completed_at, failed_at`

func scanItem(row pgx.Row) (*queue.Item, error) {
	var item queue.Item
	err := row.Scan(
		&item.ID,
		&item.EntityType,
		&item.Data,
		&item.Reason,
		&item.Status,
		&item.RetryCount,
		&item.Version,
		&item.CreatedAt,
		&item.LastRetry,
		&item.NextRetry,
		&item.CompletedAt,
		&item.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Insert persists a new item.
func (s *Store) Insert(ctx context.Context, item *queue.Item) error {
	query := `
		INSERT INTO queue_items (id, entity_type, data, reason, status, retry_count, version, created_at, next_retry)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING version
	`
	err := s.db.QueryRow(ctx, query,
		item.ID,
		item.EntityType,
		item.Data,
		item.Reason,
		item.Status,
		item.RetryCount,
		item.CreatedAt,
		item.NextRetry,
	).Scan(&item.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrDuplicateItem
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// Get retrieves one item by id.
func (s *Store) Get(ctx context.Context, id string) (*queue.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`
	item, err := scanItem(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// Update applies a partial mutation guarded by the item version.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mut queue.Mutation) (*queue.Item, error) {
	set := []string{"version = version + 1"}
	args := []interface{}{id, expectedVersion}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if mut.Status != nil {
		add("status", *mut.Status)
	}
	if mut.RetryCount != nil {
		add("retry_count", *mut.RetryCount)
	}
	if mut.Reason != nil {
		add("reason", *mut.Reason)
	}
	if mut.LastRetry != nil {
		add("last_retry", *mut.LastRetry)
	}
	if mut.NextRetry != nil {
		add("next_retry", *mut.NextRetry)
	}
	if mut.CompletedAt != nil {
		add("completed_at", *mut.CompletedAt)
	}
	if mut.FailedAt != nil {
		add("failed_at", *mut.FailedAt)
	}
	if mut.ClearCompletedAt {
		set = append(set, "completed_at = NULL")
	}
	if mut.ClearFailedAt {
		set = append(set, "failed_at = NULL")
	}

	query := fmt.Sprintf(`
		UPDATE queue_items
		SET %s
		WHERE id = $1 AND version = $2
		RETURNING `+itemColumns,
		strings.Join(set, ", "),
	)

	item, err := scanItem(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update item: %w", err)
	}

	// No row matched: distinguish a missing item from a stale version.
	var exists bool
	checkErr := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1)`, id).Scan(&exists)
	if checkErr != nil {
		return nil, fmt.Errorf("update item: %w", checkErr)
	}
	if exists {
		return nil, queue.ErrVersionConflict
	}
	return nil, queue.ErrNotFound
}

// Remove deletes the item and reports whether it existed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	result, err := s.db.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("remove item: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// List returns items matching the filter.
func (s *Store) List(ctx context.Context, f queue.Filter) ([]*queue.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE 1=1`
	args := make([]interface{}, 0, 2)

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FindDue returns up to limit pending items due at or before now.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = $1 AND next_retry <= $2
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, queue.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due items: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetFailed moves every failed item back to pending with a fresh budget.
func (s *Store) ResetFailed(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, retry_count = 0, reason = '', next_retry = $2,
		    failed_at = NULL, version = version + 1
		WHERE status = $3
	`, queue.StatusPending, now, queue.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats returns counts by status, entity type and retry bucket.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{
		ByStatus:     make(map[string]int),
		ByEntityType: make(map[string]int),
		ByRetryCount: make(map[string]int),
	}

	rows, err := s.db.Query(ctx, `SELECT status, entity_type, retry_count, COUNT(*) FROM queue_items GROUP BY 1, 2, 3`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, entityType string
		var retryCount, count int
		if err := rows.Scan(&status, &entityType, &retryCount, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByEntityType[entityType] += count
		stats.ByRetryCount[queue.RetryBucket(retryCount)] += count
	}
	return stats, rows.Err()
}

// PurgeTerminal deletes terminal items older than the cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(ctx, `
		DELETE FROM queue_items
		WHERE (status = $1 AND completed_at < $3)
		   OR (status = $2 AND failed_at < $3)
	`, queue.StatusCompleted, queue.StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal items: %w", err)
	}
	return result.RowsAffected(), nil
}
