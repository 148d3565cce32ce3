package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestArchive(t *testing.T) *Badger {
	t.Helper()
	a, err := NewBadger(BadgerConfig{Retention: time.Hour})
	if err != nil {
		t.Fatalf("NewBadger failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBadgerPutGet(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	entry := Entry{
		CallID:     "call-1",
		ArchivedAt: time.Now().UTC().Truncate(time.Second),
		Session:    json.RawMessage(`{"status":"completed"}`),
	}
	if err := a.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := a.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CallID != "call-1" || !got.ArchivedAt.Equal(entry.ArchivedAt) {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if string(got.Session) != `{"status":"completed"}` {
		t.Errorf("Unexpected session payload: %s", got.Session)
	}

	if _, err := a.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBadgerAttachInsight(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	if err := a.Put(ctx, Entry{CallID: "call-1", Session: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := a.AttachInsight(ctx, "call-1", Insight{JobID: "j1", JobType: "end_of_call", Text: "summary"}); err != nil {
		t.Fatalf("AttachInsight failed: %v", err)
	}
	if err := a.AttachInsight(ctx, "call-1", Insight{JobID: "j2", JobType: "end_of_call"}); err != nil {
		t.Fatalf("AttachInsight failed: %v", err)
	}

	got, err := a.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Insights) != 2 || got.Insights[0].JobID != "j1" || got.Insights[1].JobID != "j2" {
		t.Errorf("Unexpected insights: %+v", got.Insights)
	}
}

func TestBadgerInsightBeforePut(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	if err := a.AttachInsight(ctx, "call-2", Insight{JobID: "j1", JobType: "end_of_call"}); err != nil {
		t.Fatalf("AttachInsight failed: %v", err)
	}
	if err := a.Put(ctx, Entry{CallID: "call-2", Session: json.RawMessage(`{"status":"timeout"}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := a.Get(ctx, "call-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Insights) != 1 {
		t.Errorf("Expected the early insight to survive Put, got %+v", got.Insights)
	}
	if string(got.Session) != `{"status":"timeout"}` {
		t.Errorf("Unexpected session payload: %s", got.Session)
	}
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var a Archive = Nop{}

	if err := a.Put(ctx, Entry{CallID: "x"}); err != nil {
		t.Errorf("Put: %v", err)
	}
	if _, err := a.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
