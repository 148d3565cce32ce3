package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openchlai/ai-sub002/internal/audio"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/session"
	"github.com/openchlai/ai-sub002/internal/tracing"
	"github.com/openchlai/ai-sub002/internal/vad"
)

// Default dispatcher settings
const (
	DefaultWorkers             = 4
	DefaultQueueSize           = 256
	DefaultSaturationThreshold = 1.0
	DefaultLeaseTimeout        = 120 * time.Second
	DefaultInteractiveCapacity = 8
	DefaultBatchCapacity       = 4
	DefaultSubmitTimeout       = 30 * time.Second
)

// Config contains dispatcher configuration
type Config struct {
	Workers   int
	QueueSize int
	// SaturationThreshold is the interactive utilization, as a fraction,
	// at or above which windows are degraded to transcription only
	SaturationThreshold float64
	SkipSilentWindows   bool
	LeaseTimeout        time.Duration
	InteractiveCapacity int
	BatchCapacity       int
	SubmitTimeout       time.Duration
	// ByteOrder of the windows' PCM; nil means little-endian
	ByteOrder binary.ByteOrder
}

// Registry is the part of the session registry the dispatcher needs
type Registry interface {
	MarkDeferred(callID string, analyses ...string) bool
	Deliver(c queue.Completion) bool
}

// Stats contains dispatcher counters
type Stats struct {
	WindowsReceived uint64 `json:"windows_received"`
	WindowsDropped  uint64 `json:"windows_dropped"`
	SilentSkipped   uint64 `json:"silent_skipped"`
	Degraded        uint64 `json:"degraded"`
	JobsSubmitted   uint64 `json:"jobs_submitted"`
	JobsFailed      uint64 `json:"jobs_failed"`
	EndOfCallJobs   uint64 `json:"end_of_call_jobs"`
	Completions     uint64 `json:"completions"`
}

// Status is the dispatcher view served by the status endpoint
type Status struct {
	Interactive   PoolStatus `json:"interactive"`
	Batch         PoolStatus `json:"batch"`
	QueueDepth    int        `json:"queue_depth"`
	QueueCapacity int        `json:"queue_capacity"`
	Workers       int        `json:"workers"`
	Stats         Stats      `json:"stats"`
}

// windowJob carries what process needs from the session, captured when the
// window is dispatched. The call may have ended by the time it is submitted.
type windowJob struct {
	callID string
	mode   session.Mode
	plan   session.Plan
	window *audio.Window
}

// Dispatcher submits analysis jobs for call audio and finished calls
type Dispatcher struct {
	cfg      Config
	queue    queue.Queue
	registry Registry
	gate     *vad.Processor
	metrics  *metrics.Metrics
	logger   *slog.Logger

	interactive *Pool
	batch       *Pool

	jobs    chan windowJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool

	now func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// NewDispatcher creates a dispatcher submitting to q. gate may be nil to
// disable the silence gate.
func NewDispatcher(cfg Config, q queue.Queue, registry Registry, gate *vad.Processor, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SaturationThreshold <= 0 {
		cfg.SaturationThreshold = DefaultSaturationThreshold
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.InteractiveCapacity <= 0 {
		cfg.InteractiveCapacity = DefaultInteractiveCapacity
	}
	if cfg.BatchCapacity <= 0 {
		cfg.BatchCapacity = DefaultBatchCapacity
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.LittleEndian
	}

	return &Dispatcher{
		cfg:         cfg,
		queue:       q,
		registry:    registry,
		gate:        gate,
		metrics:     m,
		logger:      logger,
		interactive: NewPool(PoolInteractive, cfg.InteractiveCapacity),
		batch:       NewPool(PoolBatch, cfg.BatchCapacity),
		jobs:        make(chan windowJob, cfg.QueueSize),
		now:         time.Now,
	}
}

// Start launches the submit workers
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("Dispatcher started",
		slog.Int("workers", d.cfg.Workers),
		slog.Int("queue_size", d.cfg.QueueSize),
		slog.Float64("saturation_threshold", d.cfg.SaturationThreshold),
		slog.Bool("skip_silent_windows", d.cfg.SkipSilentWindows),
	)
}

// Close stops accepting windows, lets the workers drain the queue and waits
// for them to finish
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Dispatch queues a window of sess for submission without blocking. It
// reports whether the window was queued; a full queue drops it. The window
// is submitted even if the call ends before a worker picks it up.
func (d *Dispatcher) Dispatch(sess *session.Session, window *audio.Window) bool {
	if sess == nil || window == nil {
		return false
	}
	callID := sess.CallID
	d.bumpStats(func(s *Stats) { s.WindowsReceived++ })

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	job := windowJob{callID: callID, mode: sess.Mode, plan: sess.Plan, window: window}
	select {
	case d.jobs <- job:
		d.metrics.SetDispatchQueueSize(len(d.jobs))
		return true
	default:
		d.bumpStats(func(s *Stats) { s.WindowsDropped++ })
		d.metrics.RecordJobDropped()
		d.logger.Warn("Dispatch queue full, dropping window",
			slog.String("call_id", callID),
			slog.Uint64("window_sequence", window.Sequence),
		)
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.metrics.SetDispatchQueueSize(len(d.jobs))
		d.process(job)
	}
	d.logger.Debug("Dispatch worker exiting", slog.Int("worker", id))
}

// process submits one window as a realtime_analysis job, or as a
// transcription-only job when the call asks for it or the interactive pool
// is saturated
func (d *Dispatcher) process(job windowJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SubmitTimeout)
	defer cancel()

	w := job.window
	metadata := map[string]any{
		"window_sequence": w.Sequence,
		"start_offset":    w.StartOffset,
		"final":           w.Final,
	}
	if d.gate != nil {
		result, err := d.gate.Process(w.Samples)
		if err == nil {
			metadata["speech_probability"] = result.Probability
			if !result.HasVoice {
				d.metrics.RecordSilentWindow()
				if d.cfg.SkipSilentWindows {
					d.bumpStats(func(s *Stats) { s.SilentSkipped++ })
					d.logger.Debug("Skipping silent window",
						slog.String("call_id", job.callID),
						slog.Uint64("window_sequence", w.Sequence),
						slog.Float64("rms", result.RMS),
					)
					return
				}
			}
		}
	}

	wav, err := audio.EncodeWAV(w.PCM, w.SampleRate, d.cfg.ByteOrder)
	if err != nil {
		d.bumpStats(func(s *Stats) { s.JobsFailed++ })
		d.logger.Error("Failed to encode window",
			slog.String("call_id", job.callID),
			slog.Uint64("window_sequence", w.Sequence),
			slog.String("error", err.Error()),
		)
		return
	}

	jobType := queue.JobRealtimeAnalysis
	analyses := job.plan.RealtimeAnalyses()
	utilization := d.interactive.Utilization()
	saturated := utilization >= d.cfg.SaturationThreshold
	if saturated || job.mode == session.ModeTranscriptionOnly {
		jobType = queue.JobTranscription
		if len(analyses) > 0 && !d.registry.MarkDeferred(job.callID, analyses...) {
			// The end-of-call job has already been decided
			d.logger.Debug("Call ended before window submission, analyses not deferred",
				slog.String("call_id", job.callID),
				slog.Uint64("window_sequence", w.Sequence),
			)
		}
		analyses = nil
	}
	if saturated {
		d.bumpStats(func(s *Stats) { s.Degraded++ })
		d.metrics.RecordDegradedDispatch()
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.window", trace.WithAttributes(
		attribute.String("call.id", job.callID),
		attribute.Int64("window.sequence", int64(w.Sequence)),
		attribute.String("job.type", string(jobType)),
		attribute.Bool("dispatch.degraded", saturated),
	))
	defer span.End()

	payload := queue.Payload{
		CallID:        job.callID,
		Sequence:      w.Sequence,
		Audio:         wav,
		SampleRate:    w.SampleRate,
		AudioDuration: w.Duration.Seconds(),
		Analyses:      analyses,
		Metadata:      metadata,
		Headers:       tracing.Inject(ctx),
		SubmittedAt:   d.now(),
	}

	handle, err := d.submit(ctx, span, jobType, payload)
	if err != nil {
		return
	}
	d.interactive.Acquire(handle, d.now())
	d.reportPool(d.interactive)

	tracing.Logger(ctx, d.logger).Debug("Window submitted",
		slog.String("call_id", job.callID),
		slog.String("job_id", string(handle)),
		slog.String("job_type", string(jobType)),
		slog.Uint64("window_sequence", w.Sequence),
		slog.Float64("interactive_utilization", utilization),
	)
}

// SubmitEndOfCall submits the end-of-call job for a finished call with the
// full transcript, the plan's batch analyses and every deferred analysis
func (d *Dispatcher) SubmitEndOfCall(ctx context.Context, snap session.Snapshot) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.end_of_call", trace.WithAttributes(
		attribute.String("call.id", snap.CallID),
		attribute.Int("call.segments", snap.SegmentCount),
	))
	defer span.End()

	analyses := snap.Plan.BatchAnalyses()
	for _, a := range snap.Deferred {
		if !slices.Contains(analyses, a) {
			analyses = append(analyses, a)
		}
	}

	logger := tracing.Logger(ctx, d.logger)
	if d.batch.Utilization() >= 1 {
		logger.Warn("Batch pool saturated, submitting end-of-call job anyway",
			slog.String("call_id", snap.CallID),
		)
	}

	payload := queue.Payload{
		CallID:        snap.CallID,
		Sequence:      uint64(snap.SegmentCount),
		AudioDuration: snap.AudioDuration,
		Transcript:    snap.Transcript,
		Analyses:      analyses,
		Metadata: map[string]any{
			"status":        string(snap.Status),
			"end_reason":    string(snap.EndReason),
			"mode":          string(snap.Mode),
			"segment_count": snap.SegmentCount,
			"start_time":    snap.StartTime,
			"end_time":      snap.EndTime,
		},
		Headers:     tracing.Inject(ctx),
		SubmittedAt: d.now(),
	}

	handle, err := d.submit(ctx, span, queue.JobEndOfCall, payload)
	if err != nil {
		return err
	}
	d.batch.Acquire(handle, d.now())
	d.reportPool(d.batch)
	d.bumpStats(func(s *Stats) { s.EndOfCallJobs++ })

	logger.Info("End-of-call job submitted",
		slog.String("call_id", snap.CallID),
		slog.String("job_id", string(handle)),
		slog.Any("analyses", analyses),
		slog.Int("transcript_length", len(snap.Transcript)),
	)
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, span trace.Span, jobType queue.JobType, payload queue.Payload) (queue.Handle, error) {
	startTime := time.Now()
	handle, err := d.queue.Submit(ctx, jobType, payload)
	duration := time.Since(startTime)

	if err != nil {
		d.bumpStats(func(s *Stats) { s.JobsFailed++ })
		d.metrics.RecordJobFailed(string(jobType), duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		tracing.Logger(ctx, d.logger).Error("Job submission failed",
			slog.String("call_id", payload.CallID),
			slog.String("job_type", string(jobType)),
			slog.String("error", err.Error()),
			slog.Float64("duration", duration.Seconds()),
		)
		return "", fmt.Errorf("submit %s job for %s: %w", jobType, payload.CallID, err)
	}

	d.bumpStats(func(s *Stats) { s.JobsSubmitted++ })
	d.metrics.RecordJobSubmitted(string(jobType), duration.Seconds())
	span.SetAttributes(attribute.String("job.id", string(handle)))
	return handle, nil
}

// HandleCompletion releases the completed job's lease and forwards the
// completion to the registry. It reports whether the registry accepted it.
func (d *Dispatcher) HandleCompletion(c queue.Completion) bool {
	pool := d.interactive
	if c.JobType == queue.JobEndOfCall {
		pool = d.batch
	}
	if pool.Release(c.JobID) {
		d.reportPool(pool)
	}
	d.bumpStats(func(s *Stats) { s.Completions++ })

	return d.registry.Deliver(c)
}

// ExpireLeases drops leases older than the lease timeout. It is run as a
// reaper hook.
func (d *Dispatcher) ExpireLeases(now time.Time) {
	cutoff := now.Add(-d.cfg.LeaseTimeout)
	for _, pool := range []*Pool{d.interactive, d.batch} {
		n := pool.Expire(cutoff)
		if n == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			d.metrics.RecordLeaseExpired(pool.Name())
		}
		d.reportPool(pool)
		d.logger.Warn("Expired pool leases without completion",
			slog.String("pool", pool.Name()),
			slog.Int("expired", n),
			slog.Duration("lease_timeout", d.cfg.LeaseTimeout),
		)
	}
}

// Status returns pool and queue accounting
func (d *Dispatcher) Status() Status {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()

	return Status{
		Interactive:   d.interactive.Status(),
		Batch:         d.batch.Status(),
		QueueDepth:    len(d.jobs),
		QueueCapacity: cap(d.jobs),
		Workers:       d.cfg.Workers,
		Stats:         stats,
	}
}

func (d *Dispatcher) reportPool(p *Pool) {
	d.metrics.SetPoolUtilization(p.Name(), p.Utilization()*100)
}

func (d *Dispatcher) bumpStats(f func(*Stats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}
