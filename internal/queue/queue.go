package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueUnavailable is returned when a job cannot be handed to the queue
var ErrQueueUnavailable = errors.New("queue: unavailable")

// JobType names the kind of analysis a job requests
type JobType string

const (
	// JobTranscription is speech-to-text of one window
	JobTranscription JobType = "transcription"
	// JobRealtimeAnalysis is transcription plus the optional per-window analyses
	JobRealtimeAnalysis JobType = "realtime_analysis"
	// JobEndOfCall runs the batch analyses over a finished call's transcript
	JobEndOfCall JobType = "end_of_call"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTranscription, JobRealtimeAnalysis, JobEndOfCall:
		return true
	}
	return false
}

// Handle is the opaque reference returned on submission
type Handle string

// Payload is the body of a job
type Payload struct {
	CallID        string            `json:"call_id"`
	Sequence      uint64            `json:"sequence"`
	Audio         []byte            `json:"-"` // WAV, sent out of band
	SampleRate    int               `json:"sample_rate,omitempty"`
	AudioDuration float64           `json:"audio_duration,omitempty"` // seconds
	Transcript    string            `json:"transcript,omitempty"`
	Analyses      []string          `json:"analyses,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"` // trace context
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// Completion is a finished job delivered back to the service
type Completion struct {
	CallID        string         `json:"call_id"`
	JobID         Handle         `json:"job_id"`
	JobType       JobType        `json:"job_type"`
	Text          string         `json:"text,omitempty"`
	AudioDuration float64        `json:"audio_duration,omitempty"` // seconds
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// Validate checks the fields every completion must carry
func (c *Completion) Validate() error {
	if c.CallID == "" {
		return errors.New("completion: call_id is required")
	}
	if !c.JobType.Valid() {
		return errors.New("completion: unknown job_type " + string(c.JobType))
	}
	return nil
}

// Queue submits analysis jobs
type Queue interface {
	Submit(ctx context.Context, jobType JobType, payload Payload) (Handle, error)
	Ping(ctx context.Context) error
	Close() error
}
