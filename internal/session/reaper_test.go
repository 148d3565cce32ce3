package session

import (
	"context"
	"testing"
	"time"

	"github.com/openchlai/ai-sub002/internal/store"
)

func TestReaperEndsIdleSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.Hour)
	r := newTestRegistry(t, Config{}, st)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	stale, _ := r.Start(ctx, "stale", ConnectionInfo{})
	now = base.Add(4 * time.Minute)
	fresh, _ := r.Start(ctx, "fresh", ConnectionInfo{})

	reaper := NewReaper(r, 5*time.Minute, time.Second, testLogger())

	var hookTime time.Time
	reaper.AddHook(func(t time.Time) { hookTime = t })

	sweepAt := base.Add(5*time.Minute + time.Second)
	ended := reaper.Sweep(ctx, sweepAt)

	if len(ended) != 1 || ended[0] != "stale" {
		t.Fatalf("Expected only the stale session to be reaped, got %v", ended)
	}
	if stale.Status() != StatusTimeout {
		t.Errorf("Expected timeout status, got %s", stale.Status())
	}
	if fresh.Status() != StatusActive {
		t.Errorf("Fresh session should stay active, got %s", fresh.Status())
	}
	if !hookTime.Equal(sweepAt) {
		t.Error("Expected hook to run with the sweep time")
	}

	rec, err := st.Load(ctx, "stale")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.Fields["status"] != "timeout" || rec.Active {
		t.Errorf("Unexpected stored record: %+v", rec)
	}
	if r.Stats().TimedOut != 1 {
		t.Errorf("Expected 1 timed out session, got %d", r.Stats().TimedOut)
	}
}

func TestReaperSparesRecentActivity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Config{}, nil)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	s, _ := r.Start(ctx, "call-1", ConnectionInfo{})
	now = base.Add(10 * time.Minute)
	r.Touch("call-1")

	reaper := NewReaper(r, 5*time.Minute, time.Second, testLogger())
	if ended := reaper.Sweep(ctx, base.Add(11*time.Minute)); len(ended) != 0 {
		t.Errorf("Expected nothing reaped, got %v", ended)
	}
	if s.Status() != StatusActive {
		t.Errorf("Expected active, got %s", s.Status())
	}
}

func TestReaperEvictsCachedSessions(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory(time.Hour)
	ingest := newTestRegistry(t, Config{}, shared)
	worker := newTestRegistry(t, Config{}, shared)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ingest.now = func() time.Time { return base }

	if _, err := ingest.Start(ctx, "call-1", ConnectionInfo{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := worker.Get(ctx, "call-1"); !ok {
		t.Fatal("Expected store fallback hit")
	}

	reaper := NewReaper(worker, time.Minute, time.Second, testLogger())
	if ended := reaper.Sweep(ctx, base.Add(time.Hour)); len(ended) != 0 {
		t.Errorf("Cached session must be evicted, not ended: %v", ended)
	}
	if len(worker.AllActive()) != 0 {
		t.Error("Expected cached session to be evicted")
	}

	rec, err := shared.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rec.Active {
		t.Error("Owning process's record must stay active")
	}
}

func TestNewReaperDefaults(t *testing.T) {
	r := NewReaper(newTestRegistry(t, Config{}, nil), 0, 0, testLogger())
	if r.idleTimeout != DefaultIdleTimeout || r.interval != DefaultReaperInterval {
		t.Errorf("Unexpected defaults: %s %s", r.idleTimeout, r.interval)
	}
}
