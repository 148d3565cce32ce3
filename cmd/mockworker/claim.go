package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/openchlai/ai-sub002/internal/queue/pgqueue"
	"github.com/openchlai/ai-sub002/internal/tracing"
)

// claimer takes pending jobs from a shared job table
type claimer interface {
	Claim(ctx context.Context) (*pgqueue.ClaimedJob, error)
	Pending(ctx context.Context) (int64, error)
}

// pollJobs claims jobs until ctx is done, waiting interval whenever nothing
// is pending or the claim fails
func (w *worker) pollJobs(ctx context.Context, c claimer, interval time.Duration) {
	for {
		job, err := c.Claim(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Failed to claim job", slog.String("error", err.Error()))
		}
		if job != nil {
			if backlog, err := c.Pending(ctx); err == nil {
				w.logger.Debug("Claimed job",
					slog.String("job_id", string(job.Handle)),
					slog.Int64("pending", backlog),
				)
			}
			w.runClaimed(job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (w *worker) runClaimed(job *pgqueue.ClaimedJob) {
	var clip *decodedAudio
	if len(job.Payload.Audio) > 0 {
		var err error
		if clip, err = decodeAudio(job.Payload.Audio); err != nil {
			w.logger.Warn("Skipping claimed job with invalid audio",
				slog.String("job_id", string(job.Handle)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	ctx := tracing.Extract(context.Background(), job.Payload.Headers)
	w.start(ctx, job.Handle, job.Type, job.Payload, clip)
}
