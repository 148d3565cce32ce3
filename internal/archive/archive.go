package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no archived entry exists for a call
var ErrNotFound = errors.New("archive: entry not found")

// Entry is one finalized call
type Entry struct {
	CallID     string          `json:"call_id"`
	ArchivedAt time.Time       `json:"archived_at"`
	Session    json.RawMessage `json:"session"`
	Insights   []Insight       `json:"insights,omitempty"`
}

// Insight is the result of an analysis job that completed after the call ended
type Insight struct {
	JobID      string         `json:"job_id"`
	JobType    string         `json:"job_type"`
	Text       string         `json:"text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Archive stores finalized sessions
type Archive interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, callID string) (*Entry, error)
	// AttachInsight appends an insight to an existing entry, or creates a
	// bare entry when the call was never archived by this process
	AttachInsight(ctx context.Context, callID string, insight Insight) error
	Close() error
}

// Nop discards everything
type Nop struct{}

// Compile-time interface check.
var _ Archive = Nop{}

func (Nop) Put(context.Context, Entry) error { return nil }
func (Nop) Get(context.Context, string) (*Entry, error) { return nil, ErrNotFound }
func (Nop) AttachInsight(context.Context, string, Insight) error { return nil }
func (Nop) Close() error { return nil }
