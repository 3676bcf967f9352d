// Package postgres provides the Postgres-backed job history repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "job_history"

// Config controls the Postgres connection pool used for job history.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore implements store.HistoryRepository on Postgres.
type HistoryStore struct {
	pool  pgxIface
	table string
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore connects a pool using cfg.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &HistoryStore{pool: pool, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool pgxIface, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the history table when it does not exist.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id uuid PRIMARY KEY,
	task_id text NOT NULL DEFAULT '',
	client_id text NOT NULL DEFAULT '',
	kind text NOT NULL,
	source text NOT NULL DEFAULT '',
	started_at timestamptz NOT NULL,
	finished_at timestamptz,
	status text NOT NULL,
	current integer NOT NULL DEFAULT 0,
	total integer NOT NULL DEFAULT 0,
	items_succeeded integer NOT NULL DEFAULT 0,
	items_failed integer NOT NULL DEFAULT 0,
	download_url text NOT NULL DEFAULT '',
	artifact_uri text NOT NULL DEFAULT '',
	error_message text
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// RecordStart inserts a running row; an existing row is left untouched.
func (s *HistoryStore) RecordStart(ctx context.Context, run store.JobRun) error {
	status := run.Status
	if status == "" {
		status = convert.JobStatusRunning
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, task_id, client_id, kind, source, started_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.ID.String(),
		run.TaskID,
		run.ClientID,
		string(run.Kind),
		run.Source,
		run.StartedAt,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("insert job start: %w", err)
	}
	return nil
}

// UpdateProgress applies a delta to a row.
func (s *HistoryStore) UpdateProgress(ctx context.Context, runID uuid.UUID, delta store.ProgressDelta) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	current = CASE WHEN $1 THEN $2 ELSE current END,
	total = CASE WHEN $1 THEN $3 ELSE total END,
	items_succeeded = items_succeeded + $4,
	items_failed = items_failed + $5
WHERE id = $6`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		delta.HasProgress,
		delta.Current,
		delta.Total,
		delta.Items.ItemsSucceeded,
		delta.Items.ItemsFailed,
		runID.String(),
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Complete marks a row finished. Zero counters keep the accumulated ones.
func (s *HistoryStore) Complete(ctx context.Context, runID uuid.UUID, c store.Completion) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	finished_at = $1,
	status = $2,
	items_succeeded = CASE WHEN $3 + $4 > 0 THEN $3 ELSE items_succeeded END,
	items_failed = CASE WHEN $3 + $4 > 0 THEN $4 ELSE items_failed END,
	download_url = $5,
	artifact_uri = $6,
	error_message = $7
WHERE id = $8`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		c.FinishedAt,
		string(c.Status),
		c.Counters.ItemsSucceeded,
		c.Counters.ItemsFailed,
		c.DownloadURL,
		c.ArtifactURI,
		c.ErrorMessage,
		runID.String(),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `id::text, task_id, client_id, kind, source, started_at, finished_at, status,
	current, total, items_succeeded, items_failed, download_url, artifact_uri, error_message`

// GetJob retrieves a single run by its ID.
func (s *HistoryStore) GetJob(ctx context.Context, runID uuid.UUID) (store.JobRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves runs newest first, with optional status filtering.
func (s *HistoryStore) ListJobs(
	ctx context.Context,
	status *convert.JobStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run            store.JobRun
		id, kind, stat string
	)
	err := row.Scan(
		&id,
		&run.TaskID,
		&run.ClientID,
		&kind,
		&run.Source,
		&run.StartedAt,
		&run.FinishedAt,
		&stat,
		&run.Current,
		&run.Total,
		&run.Counters.ItemsSucceeded,
		&run.Counters.ItemsFailed,
		&run.DownloadURL,
		&run.ArtifactURI,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.JobRun{}, err //nolint:wrapcheck // callers wrap
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.JobRun{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Kind = convert.JobKind(kind)
	run.Status = convert.JobStatus(stat)
	return run, nil
}
