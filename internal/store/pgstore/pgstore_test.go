package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openchlai/ai-sub002/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLSTREAM_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLSTREAM_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS call_sessions"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	s := NewFromDB(pool, time.Minute)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := store.Record{CallID: "call-1", Fields: map[string]string{"status": "active"}, Active: true}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Fields["status"] != "active" || !got.Active {
		t.Errorf("unexpected record: %+v", got)
	}

	rec.Fields = map[string]string{"status": "completed"}
	rec.Active = false
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ids, err := s.ActiveIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no active ids, got %v", ids)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Save(ctx, store.Record{CallID: "old", Fields: map[string]string{}, Active: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := s.Load(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
