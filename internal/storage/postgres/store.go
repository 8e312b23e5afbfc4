// Package postgres provides the Postgres-backed crawl store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.Store on Postgres.
//
// Expected schema:
//
//	CREATE TABLE tasks (
//		id TEXT PRIMARY KEY,
//		keywords TEXT[] NOT NULL,
//		date_from TIMESTAMPTZ,
//		date_to TIMESTAMPTZ,
//		max_pages INT NOT NULL DEFAULT 0,
//		heavy_path BOOLEAN NOT NULL DEFAULT FALSE,
//		status TEXT NOT NULL,
//		search_status TEXT NOT NULL,
//		qa_status TEXT NOT NULL,
//		search_cursor TEXT NOT NULL DEFAULT '',
//		error_text TEXT NOT NULL DEFAULT '',
//		submitted_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE targets (
//		task_id TEXT NOT NULL REFERENCES tasks(id),
//		id TEXT NOT NULL,
//		title TEXT NOT NULL DEFAULT '',
//		expected_items INT NOT NULL DEFAULT 0,
//		cursor TEXT NOT NULL DEFAULT '',
//		processed BOOLEAN NOT NULL DEFAULT FALSE,
//		soft_blocks INT NOT NULL DEFAULT 0,
//		retries INT NOT NULL DEFAULT 0,
//		failed BOOLEAN NOT NULL DEFAULT FALSE,
//		escalated BOOLEAN NOT NULL DEFAULT FALSE,
//		last_error TEXT NOT NULL DEFAULT '',
//		discovered_at TIMESTAMPTZ NOT NULL,
//		PRIMARY KEY (task_id, id)
//	);
//	CREATE TABLE items (
//		task_id TEXT NOT NULL,
//		id TEXT NOT NULL,
//		target_id TEXT NOT NULL,
//		author TEXT NOT NULL DEFAULT '',
//		content TEXT NOT NULL,
//		vote_count INT NOT NULL DEFAULT 0,
//		comment_count INT NOT NULL DEFAULT 0,
//		created_at TIMESTAMPTZ,
//		hash TEXT NOT NULL,
//		PRIMARY KEY (task_id, id)
//	);
type Store struct {
	pool dbPool
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, task crawl.Task) error {
	query := `
INSERT INTO tasks (
	id, keywords, date_from, date_to, max_pages, heavy_path,
	status, search_status, qa_status, search_cursor, error_text,
	submitted_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Spec.Keywords,
		task.Spec.DateFrom,
		task.Spec.DateTo,
		task.Spec.MaxPages,
		task.Spec.HeavyPath,
		string(task.Status),
		string(task.SearchStatus),
		string(task.QAStatus),
		task.SearchCursor,
		task.ErrorText,
		task.Submitted,
		task.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task row by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (crawl.Task, error) {
	query := `
SELECT id, keywords, date_from, date_to, max_pages, heavy_path,
	status, search_status, qa_status, search_cursor, error_text,
	submitted_at, updated_at
FROM tasks WHERE id = $1`
	var task crawl.Task
	var status, searchStatus, qaStatus string
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&task.Spec.Keywords,
		&task.Spec.DateFrom,
		&task.Spec.DateTo,
		&task.Spec.MaxPages,
		&task.Spec.HeavyPath,
		&status,
		&searchStatus,
		&qaStatus,
		&task.SearchCursor,
		&task.ErrorText,
		&task.Submitted,
		&task.Updated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Task{}, crawl.ErrNotFound
	}
	if err != nil {
		return crawl.Task{}, fmt.Errorf("select task: %w", err)
	}
	task.Status = crawl.TaskStatus(status)
	task.SearchStatus = crawl.StageStatus(searchStatus)
	task.QAStatus = crawl.StageStatus(qaStatus)
	return task, nil
}

// UpdateTaskStatus persists the stage and overall statuses.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, search, qa crawl.StageStatus, overall crawl.TaskStatus, errText string) error {
	query := `
UPDATE tasks
SET search_status = $1, qa_status = $2, status = $3, error_text = $4, updated_at = now()
WHERE id = $5`
	tag, err := s.pool.Exec(ctx, query, string(search), string(qa), string(overall), errText, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpdateSearchCursor advances the search-stage cursor.
func (s *Store) UpdateSearchCursor(ctx context.Context, taskID, cursor string) error {
	query := `UPDATE tasks SET search_cursor = $1, updated_at = now() WHERE id = $2`
	tag, err := s.pool.Exec(ctx, query, cursor, taskID)
	if err != nil {
		return fmt.Errorf("update search cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpsertTarget inserts a discovered target. Re-discovery refreshes listing
// metadata only; cursor and processed state are never reset.
func (s *Store) UpsertTarget(ctx context.Context, target crawl.Target) error {
	query := `
INSERT INTO targets (
	task_id, id, title, expected_items, cursor, processed,
	soft_blocks, retries, failed, escalated, last_error, discovered_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (task_id, id) DO UPDATE
SET title = EXCLUDED.title, expected_items = EXCLUDED.expected_items`
	_, err := s.pool.Exec(ctx, query,
		target.TaskID,
		target.ID,
		target.Title,
		target.ExpectedItems,
		target.Cursor,
		target.Processed,
		target.SoftBlocks,
		target.Retries,
		target.Failed,
		target.Escalated,
		target.LastError,
		target.DiscoveredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// GetTarget loads one target row.
func (s *Store) GetTarget(ctx context.Context, taskID, targetID string) (crawl.Target, error) {
	query := `
SELECT task_id, id, title, expected_items, cursor, processed,
	soft_blocks, retries, failed, escalated, last_error, discovered_at
FROM targets WHERE task_id = $1 AND id = $2`
	target, err := scanTarget(s.pool.QueryRow(ctx, query, taskID, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Target{}, crawl.ErrNotFound
	}
	if err != nil {
		return crawl.Target{}, fmt.Errorf("select target: %w", err)
	}
	return target, nil
}

// UnprocessedTargets lists unfinished, unfailed targets in discovery order.
func (s *Store) UnprocessedTargets(ctx context.Context, taskID string) ([]crawl.Target, error) {
	query := `
SELECT task_id, id, title, expected_items, cursor, processed,
	soft_blocks, retries, failed, escalated, last_error, discovered_at
FROM targets
WHERE task_id = $1 AND NOT processed AND NOT failed
ORDER BY discovered_at, id`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}
	defer rows.Close()

	var targets []crawl.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

func scanTarget(row pgx.Row) (crawl.Target, error) {
	var target crawl.Target
	err := row.Scan(
		&target.TaskID,
		&target.ID,
		&target.Title,
		&target.ExpectedItems,
		&target.Cursor,
		&target.Processed,
		&target.SoftBlocks,
		&target.Retries,
		&target.Failed,
		&target.Escalated,
		&target.LastError,
		&target.DiscoveredAt,
	)
	return target, err
}

// UpdateTargetCursor advances one target's pagination cursor.
func (s *Store) UpdateTargetCursor(ctx context.Context, taskID, targetID, cursor string) error {
	query := `UPDATE targets SET cursor = $1 WHERE task_id = $2 AND id = $3`
	tag, err := s.pool.Exec(ctx, query, cursor, taskID, targetID)
	if err != nil {
		return fmt.Errorf("update target cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// MarkTargetProcessed flips the processed flag exactly once. The guard in
// the WHERE clause makes the flip compare-and-set under concurrency.
func (s *Store) MarkTargetProcessed(ctx context.Context, taskID, targetID string) error {
	query := `UPDATE targets SET processed = TRUE WHERE task_id = $1 AND id = $2 AND NOT processed`
	tag, err := s.pool.Exec(ctx, query, taskID, targetID)
	if err != nil {
		return fmt.Errorf("mark target processed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var processed bool
	err = s.pool.QueryRow(ctx,
		`SELECT processed FROM targets WHERE task_id = $1 AND id = $2`,
		taskID, targetID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check target processed: %w", err)
	}
	if processed {
		return crawl.ErrAlreadyProcessed
	}
	return crawl.ErrNotFound
}

// UpdateTargetCounters persists retry and block accounting.
func (s *Store) UpdateTargetCounters(ctx context.Context, target crawl.Target) error {
	query := `
UPDATE targets
SET soft_blocks = $1, retries = $2, failed = $3, escalated = $4, last_error = $5
WHERE task_id = $6 AND id = $7`
	tag, err := s.pool.Exec(ctx, query,
		target.SoftBlocks,
		target.Retries,
		target.Failed,
		target.Escalated,
		target.LastError,
		target.TaskID,
		target.ID,
	)
	if err != nil {
		return fmt.Errorf("update target counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpsertItems stores items, counting only rows that were inserted or whose
// content hash actually changed. Replayed pages are no-ops.
func (s *Store) UpsertItems(ctx context.Context, items []crawl.Item) (int, error) {
	query := `
INSERT INTO items (
	task_id, id, target_id, author, content, vote_count, comment_count, created_at, hash
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (task_id, id) DO UPDATE
SET author = EXCLUDED.author,
	content = EXCLUDED.content,
	vote_count = EXCLUDED.vote_count,
	comment_count = EXCLUDED.comment_count,
	hash = EXCLUDED.hash
WHERE items.hash IS DISTINCT FROM EXCLUDED.hash`
	changed := 0
	for _, item := range items {
		tag, err := s.pool.Exec(ctx, query,
			item.TaskID,
			item.ID,
			item.TargetID,
			item.Author,
			item.Content,
			item.VoteCount,
			item.CommentCount,
			item.CreatedAt,
			item.Hash,
		)
		if err != nil {
			return changed, fmt.Errorf("upsert item %s: %w", item.ID, err)
		}
		changed += int(tag.RowsAffected())
	}
	return changed, nil
}

// TaskProgress summarizes targets and items for one task.
func (s *Store) TaskProgress(ctx context.Context, taskID string) (crawl.TaskProgress, error) {
	var progress crawl.TaskProgress
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE processed),
	COUNT(*) FILTER (WHERE failed)
FROM targets WHERE task_id = $1`, taskID).Scan(
		&progress.TargetsTotal,
		&progress.TargetsProcessed,
		&progress.TargetsFailed,
	)
	if err != nil {
		return crawl.TaskProgress{}, fmt.Errorf("count targets: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE task_id = $1`, taskID).Scan(&progress.ItemsTotal)
	if err != nil {
		return crawl.TaskProgress{}, fmt.Errorf("count items: %w", err)
	}
	return progress, nil
}
