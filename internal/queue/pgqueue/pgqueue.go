// Package pgqueue implements the job queue as a PostgreSQL table. Submit
// inserts a pending row and sends a NOTIFY on the jobs channel so workers
// listening on it can claim the row with FOR UPDATE SKIP LOCKED.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openchlai/ai-sub002/internal/queue"
)

// DefaultChannel is the NOTIFY channel announcing new jobs
const DefaultChannel = "analysis_jobs"

// Schema is the SQL DDL for the analysis_jobs table. Execute it via
// [Queue.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
    id           UUID PRIMARY KEY,
    job_type     TEXT NOT NULL,
    call_id      TEXT NOT NULL,
    payload      JSONB NOT NULL,
    audio        BYTEA,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_pending ON analysis_jobs(created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_call ON analysis_jobs(call_id);
`

// DB is the database interface used by [Queue]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Queue is a queue.Queue backed by PostgreSQL
type Queue struct {
	db      DB
	pool    *pgxpool.Pool
	channel string
}

// Compile-time interface check.
var _ queue.Queue = (*Queue)(nil)

// ClaimedJob is a job taken by a worker
type ClaimedJob struct {
	Handle  queue.Handle
	Type    queue.JobType
	Payload queue.Payload
}

// New opens a connection pool for dsn and applies the schema
func New(ctx context.Context, dsn, channel string) (*Queue, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: connect: %w", err)
	}

	q := NewFromDB(pool, channel)
	q.pool = pool
	if err := q.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return q, nil
}

// NewFromDB wraps an existing connection or pool
func NewFromDB(db DB, channel string) *Queue {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Queue{db: db, channel: channel}
}

// Migrate executes the [Schema] DDL
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgqueue: migrate: %w", err)
	}
	return nil
}

// Submit inserts the job and notifies listeners in one transaction
func (q *Queue) Submit(ctx context.Context, jobType queue.JobType, payload queue.Payload) (queue.Handle, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pgqueue: marshal payload: %w", err)
	}

	id := uuid.NewString()

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: pgqueue: begin: %v", queue.ErrQueueUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO analysis_jobs (id, job_type, call_id, payload, audio)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insert, id, string(jobType), payload.CallID, payloadJSON, payload.Audio); err != nil {
		return "", fmt.Errorf("%w: pgqueue: insert: %v", queue.ErrQueueUnavailable, err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", q.channel, id); err != nil {
		return "", fmt.Errorf("%w: pgqueue: notify: %v", queue.ErrQueueUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: pgqueue: commit: %v", queue.ErrQueueUnavailable, err)
	}

	return queue.Handle(id), nil
}

// Claim takes the oldest pending job, or returns nil when there is none
func (q *Queue) Claim(ctx context.Context) (*ClaimedJob, error) {
	const query = `
		UPDATE analysis_jobs SET status = 'claimed', claimed_at = now()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id::text, job_type, payload, audio`

	var (
		id          string
		jobType     string
		payloadJSON []byte
		audio       []byte
	)
	err := q.db.QueryRow(ctx, query).Scan(&id, &jobType, &payloadJSON, &audio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgqueue: claim: %w", err)
	}

	job := &ClaimedJob{Handle: queue.Handle(id), Type: queue.JobType(jobType)}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return nil, fmt.Errorf("pgqueue: unmarshal payload: %w", err)
	}
	job.Payload.Audio = audio
	return job, nil
}

// Pending counts jobs not yet claimed
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM analysis_jobs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgqueue: pending: %w", err)
	}
	return n, nil
}

// Ping checks connectivity
func (q *Queue) Ping(ctx context.Context) error {
	var one int
	if err := q.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: pgqueue: ping: %v", queue.ErrQueueUnavailable, err)
	}
	return nil
}

// Close releases the pool when the Queue opened it
func (q *Queue) Close() error {
	if q.pool != nil {
		q.pool.Close()
	}
	return nil
}
