package session

import (
	"context"
	"log/slog"
	"maps"

	"github.com/openchlai/ai-sub002/internal/archive"
	"github.com/openchlai/ai-sub002/internal/queue"
)

// Deliver hands a job completion to the registry without blocking. It
// returns false when the inbox is full and the completion was dropped.
func (r *Registry) Deliver(c queue.Completion) bool {
	select {
	case r.inbox <- c:
		return true
	default:
		r.bumpStats(func(s *Stats) { s.CompletionsDropped++ })
		r.metrics.RecordCompletionDropped()
		r.logger.Warn("Completion inbox full, dropping completion",
			slog.String("call_id", c.CallID),
			slog.String("job_id", string(c.JobID)),
			slog.String("job_type", string(c.JobType)),
		)
		return false
	}
}

// Run applies delivered completions until ctx is cancelled, then applies
// whatever is still queued
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("Completion consumer started",
		slog.Int("inbox_capacity", cap(r.inbox)),
	)

	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			r.logger.Info("Completion consumer stopped")
			return
		case c := <-r.inbox:
			r.apply(ctx, c)
		}
	}
}

func (r *Registry) drain(ctx context.Context) {
	for {
		select {
		case c := <-r.inbox:
			r.apply(ctx, c)
		default:
			return
		}
	}
}

// apply routes one completion: transcript-bearing results become segments,
// end-of-call results are attached to the archived call
func (r *Registry) apply(ctx context.Context, c queue.Completion) {
	r.metrics.RecordCompletion(string(c.JobType))

	if c.Error != "" {
		r.logger.Warn("Analysis job failed",
			slog.String("call_id", c.CallID),
			slog.String("job_id", string(c.JobID)),
			slog.String("job_type", string(c.JobType)),
			slog.String("error", c.Error),
		)
		return
	}

	switch c.JobType {
	case queue.JobTranscription, queue.JobRealtimeAnalysis:
		metadata := maps.Clone(c.Metadata)
		if metadata == nil {
			metadata = make(map[string]any, 2)
		}
		metadata["job_id"] = string(c.JobID)
		metadata["job_type"] = string(c.JobType)

		if r.RecordSegment(ctx, c.CallID, c.Text, c.AudioDuration, metadata) == nil {
			r.bumpStats(func(s *Stats) { s.LateCompletions++ })
			r.logger.Debug("Dropping completion for unknown or ended call",
				slog.String("call_id", c.CallID),
				slog.String("job_id", string(c.JobID)),
			)
		}

	case queue.JobEndOfCall:
		insight := archive.Insight{
			JobID:      string(c.JobID),
			JobType:    string(c.JobType),
			Text:       c.Text,
			Metadata:   c.Metadata,
			ReceivedAt: r.now(),
		}
		if err := r.archive.AttachInsight(ctx, c.CallID, insight); err != nil {
			r.logger.Warn("Failed to attach end-of-call insights",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logger.Info("End-of-call insights received",
			slog.String("call_id", c.CallID),
			slog.String("job_id", string(c.JobID)),
		)

	default:
		r.logger.Warn("Ignoring completion of unknown job type",
			slog.String("call_id", c.CallID),
			slog.String("job_type", string(c.JobType)),
		)
	}
}
