// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore keeps each job as a JSONB document plus the columns the queue
// filters and sorts on. Lease and webhook secret fields never leave the
// server in API responses, so they get their own columns.
type JobStore struct {
	pool  querier
	table string
}

// NewJobStore connects to Postgres and returns a JobStore.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	return &JobStore{pool: pool, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool querier, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "scrape_jobs"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table and its indexes when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	normalized_url   TEXT NOT NULL,
	payload          JSONB NOT NULL,
	lease_token      TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	webhook_secret   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_status_updated_idx ON %[1]s (status, updated_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveJob upserts a job row.
func (s *JobStore) SaveJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	status,
	normalized_url,
	payload,
	lease_token,
	lease_expires_at,
	webhook_secret,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	normalized_url = EXCLUDED.normalized_url,
	payload = EXCLUDED.payload,
	lease_token = EXCLUDED.lease_token,
	lease_expires_at = EXCLUDED.lease_expires_at,
	webhook_secret = EXCLUDED.webhook_secret,
	updated_at = EXCLUDED.updated_at`, s.table)

	args := []any{
		job.ID,
		string(job.Status),
		job.NormalizedURL,
		payload,
		job.LeaseToken,
		job.LeaseExpiresAt,
		job.Options.WebhookSecret,
		job.CreatedAt,
		job.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT payload, lease_token, lease_expires_at, webhook_secret FROM %s WHERE id = $1`, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// DeleteJob removes a job row.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// ListJobs returns jobs matching filter, most recently updated first.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT payload, lease_token, lease_expires_at, webhook_secret FROM %s
WHERE ($1 = '' OR status = $1)
ORDER BY updated_at DESC, id
LIMIT NULLIF($2, 0)`, s.table)
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobs tallies jobs per status. Every known status is present.
func (s *JobStore) CountJobs(ctx context.Context) (map[crawler.JobStatus]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[crawler.JobStatus]int{
		crawler.JobStatusQueued:    0,
		crawler.JobStatusActive:    0,
		crawler.JobStatusCompleted: 0,
		crawler.JobStatusFailed:    0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[crawler.JobStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// PruneJobs keeps the newest keep jobs in status and deletes the rest.
func (s *JobStore) PruneJobs(ctx context.Context, status crawler.JobStatus, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	query := fmt.Sprintf(`
DELETE FROM %[1]s WHERE id IN (
	SELECT id FROM %[1]s
	WHERE status = $1
	ORDER BY updated_at DESC, id
	OFFSET $2
)`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(status), keep)
	if err != nil {
		return 0, fmt.Errorf("prune %s jobs: %w", status, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		payload        []byte
		leaseToken     string
		leaseExpiresAt *time.Time
		webhookSecret  string
	)
	if err := row.Scan(&payload, &leaseToken, &leaseExpiresAt, &webhookSecret); err != nil {
		return crawler.Job{}, err
	}
	var job crawler.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	job.LeaseToken = leaseToken
	job.LeaseExpiresAt = leaseExpiresAt
	job.Options.WebhookSecret = webhookSecret
	return job, nil
}
