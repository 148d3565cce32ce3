package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openchlai/ai-sub002/internal/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(client, Config{TTL: time.Minute})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	rec := store.Record{
		CallID: "call-1",
		Fields: map[string]string{"status": "active", "segment_count": "2"},
		Active: true,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Fields["status"] != "active" || got.Fields["segment_count"] != "2" {
		t.Errorf("Unexpected fields: %v", got.Fields)
	}
	if !got.Active {
		t.Error("Expected record to be active")
	}

	if ttl := mr.TTL(DefaultKeyPrefix + "call-1"); ttl != time.Minute {
		t.Errorf("Expected TTL of 1m, got %s", ttl)
	}
}

func TestSaveReplacesFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.Save(ctx, store.Record{CallID: "c", Fields: map[string]string{"a": "1", "b": "2"}, Active: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, store.Record{CallID: "c", Fields: map[string]string{"a": "3"}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, "c")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Fields) != 1 || got.Fields["a"] != "3" {
		t.Errorf("Expected only a=3, got %v", got.Fields)
	}
	if got.Active {
		t.Error("Expected record to have left the active set")
	}
}

func TestLoadMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if err := s.Save(ctx, store.Record{CallID: "c", Fields: map[string]string{"status": "completed"}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.Load(ctx, "c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected expired record to be gone, got %v", err)
	}
}

func TestActiveIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"z", "x", "y"} {
		if err := s.Save(ctx, store.Record{CallID: id, Fields: map[string]string{"status": "active"}, Active: true}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	ids, err := s.ActiveIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveIDs failed: %v", err)
	}
	want := []string{"x", "y", "z"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, ids)
			break
		}
	}
}

func TestPingFailure(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	if err := s.Ping(context.Background()); err == nil {
		t.Error("Expected ping to fail after server shutdown")
	}
}
