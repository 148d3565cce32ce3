package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Job is a submission recorded by Memory
type Job struct {
	Handle  Handle
	Type    JobType
	Payload Payload
}

// Memory is an in-process Queue that records submissions. It backs the
// "memory" queue backend and tests.
type Memory struct {
	jobs []Job
	err  error
	mu   sync.Mutex
}

// Compile-time interface check.
var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue
func NewMemory() *Memory {
	return &Memory{}
}

// Submit records the job and returns a fresh handle
func (m *Memory) Submit(_ context.Context, jobType JobType, payload Payload) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, m.err)
	}

	handle := Handle(uuid.NewString())
	m.jobs = append(m.jobs, Job{Handle: handle, Type: jobType, Payload: payload})
	return handle, nil
}

// SetError makes subsequent submissions fail with err; nil restores them
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Jobs returns a copy of all recorded submissions
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]Job, len(m.jobs))
	copy(jobs, m.jobs)
	return jobs
}

// JobsOfType returns the recorded submissions of one type
func (m *Memory) JobsOfType(jobType JobType) []Job {
	var out []Job
	for _, j := range m.Jobs() {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

// Ping reports the injected error, if any
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, m.err)
	}
	return nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
