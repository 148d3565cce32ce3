// Package pgstore implements the shared session store on PostgreSQL. Each
// call is one row whose named fields live in a JSONB column; expiry is an
// expires_at timestamp refreshed on every write and filtered on read.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openchlai/ai-sub002/internal/store"
)

// Schema is the SQL DDL for the call_sessions table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    call_id    TEXT PRIMARY KEY,
    fields     JSONB NOT NULL DEFAULT '{}',
    active     BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_active ON call_sessions(active) WHERE active;
CREATE INDEX IF NOT EXISTS idx_call_sessions_expires ON call_sessions(expires_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a store.Store backed by PostgreSQL
type Store struct {
	db    DB
	pool  *pgxpool.Pool
	ttl   time.Duration
	clock func() time.Time
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New opens a connection pool for dsn and applies the schema
func New(ctx context.Context, dsn string, ttl time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}

	s := NewFromDB(pool, ttl)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing connection or pool. The caller is responsible
// for calling [Store.Migrate] and for closing db.
func NewFromDB(db DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	return &Store{db: db, ttl: ttl, clock: time.Now}
}

// Migrate executes the [Schema] DDL
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Save upserts the call's row and refreshes its expiry
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("pgstore: marshal fields: %w", err)
	}

	const query = `
		INSERT INTO call_sessions (call_id, fields, active, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (call_id) DO UPDATE SET
			fields     = EXCLUDED.fields,
			active     = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, rec.CallID, fieldsJSON, rec.Active, s.clock().Add(s.ttl)); err != nil {
		return fmt.Errorf("pgstore: save %s: %w", rec.CallID, err)
	}
	return nil
}

// Load returns the unexpired row for callID
func (s *Store) Load(ctx context.Context, callID string) (store.Record, error) {
	const query = `
		SELECT fields, active
		FROM call_sessions
		WHERE call_id = $1 AND expires_at > $2`

	var (
		fieldsJSON []byte
		active     bool
	)
	err := s.db.QueryRow(ctx, query, callID, s.clock()).Scan(&fieldsJSON, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("pgstore: load %s: %w", callID, err)
	}

	fields := map[string]string{}
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return store.Record{}, fmt.Errorf("pgstore: unmarshal fields: %w", err)
	}
	return store.Record{CallID: callID, Fields: fields, Active: active}, nil
}

// ActiveIDs lists unexpired active calls in call_id order
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	const query = `
		SELECT call_id
		FROM call_sessions
		WHERE active AND expires_at > $1
		ORDER BY call_id`

	rows, err := s.db.Query(ctx, query, s.clock())
	if err != nil {
		return nil, fmt.Errorf("pgstore: active ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgstore: active ids: %w", err)
	}
	return ids, nil
}

// PurgeExpired deletes rows past their expiry and returns how many went
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM call_sessions WHERE expires_at <= $1`, s.clock())
	if err != nil {
		return 0, fmt.Errorf("pgstore: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// Close releases the pool when the Store opened it
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
