package queue

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	h1, err := q.Submit(ctx, JobTranscription, Payload{CallID: "a"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h2, err := q.Submit(ctx, JobEndOfCall, Payload{CallID: "a"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h1 == h2 || h1 == "" {
		t.Errorf("Expected distinct non-empty handles, got %q and %q", h1, h2)
	}
	if len(q.Jobs()) != 2 || len(q.JobsOfType(JobEndOfCall)) != 1 {
		t.Errorf("Unexpected recorded jobs: %+v", q.Jobs())
	}

	q.SetError(errors.New("down"))
	if _, err := q.Submit(ctx, JobTranscription, Payload{CallID: "a"}); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Expected ErrQueueUnavailable, got %v", err)
	}
	if err := q.Ping(ctx); err == nil {
		t.Error("Expected Ping to fail")
	}
}

func TestCompletionValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Completion
		wantErr bool
	}{
		{"valid", Completion{CallID: "a", JobType: JobTranscription}, false},
		{"missing call", Completion{JobType: JobTranscription}, true},
		{"unknown type", Completion{CallID: "a", JobType: "poetry"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
