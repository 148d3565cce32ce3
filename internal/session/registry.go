package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openchlai/ai-sub002/internal/archive"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/store"
	"github.com/openchlai/ai-sub002/internal/tracing"
	"github.com/openchlai/ai-sub002/internal/transcript"
)

// CreateFailurePolicy decides what Start does when the shared store write fails
type CreateFailurePolicy string

const (
	// PolicyAbort returns the error and drops the new session
	PolicyAbort CreateFailurePolicy = "abort"
	// PolicyDegrade keeps the session in memory only
	PolicyDegrade CreateFailurePolicy = "degrade"
)

// Default registry settings
const (
	DefaultSubstanceThreshold = 50
	DefaultCompletionBuffer   = 256
)

// Config contains registry configuration
type Config struct {
	// SubstanceThreshold is the transcript length, in characters after
	// trimming, that must be exceeded for End to request an end-of-call job
	SubstanceThreshold  int
	CreateFailurePolicy CreateFailurePolicy
	DefaultMode         Mode
	DefaultPlan         Plan
	// CompletionBuffer bounds the completion inbox
	CompletionBuffer int
	// StitchMaxWords bounds the transcript overlap search; 0 is unbounded
	StitchMaxWords int
	NodeID         string
}

// EndOfCallSubmitter receives the final snapshot of substantial calls
type EndOfCallSubmitter interface {
	SubmitEndOfCall(ctx context.Context, snap Snapshot) error
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Active             int    `json:"active"`
	Started            uint64 `json:"started"`
	Completed          uint64 `json:"completed"`
	TimedOut           uint64 `json:"timed_out"`
	Errored            uint64 `json:"errored"`
	SegmentsRecorded   uint64 `json:"segments_recorded"`
	EndOfCallJobs      uint64 `json:"end_of_call_jobs"`
	StoreFailures      uint64 `json:"store_failures"`
	LateCompletions    uint64 `json:"late_completions"`
	CompletionsDropped uint64 `json:"completions_dropped"`
	InboxDepth         int    `json:"inbox_depth"`
}

// entry is a session plus whether this process owns its connection
type entry struct {
	session *Session
	// owned is false for sessions cached from the shared store; those are
	// evicted rather than ended when they go idle here
	owned bool
}

// Registry manages all call sessions of this process
type Registry struct {
	cfg       Config
	store     store.Store
	archive   archive.Archive
	metrics   *metrics.Metrics
	logger    *slog.Logger
	finalizer EndOfCallSubmitter

	sessions map[string]*entry
	mu       sync.RWMutex

	inbox chan queue.Completion
	now   func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// NewRegistry creates a registry over the shared store st. A nil archive
// disables archiving.
func NewRegistry(cfg Config, st store.Store, arc archive.Archive, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if cfg.SubstanceThreshold < 0 {
		cfg.SubstanceThreshold = DefaultSubstanceThreshold
	}
	if cfg.CreateFailurePolicy == "" {
		cfg.CreateFailurePolicy = PolicyAbort
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeRealtime
	}
	if cfg.CompletionBuffer <= 0 {
		cfg.CompletionBuffer = DefaultCompletionBuffer
	}
	if arc == nil {
		arc = archive.Nop{}
	}

	return &Registry{
		cfg:      cfg,
		store:    st,
		archive:  arc,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]*entry),
		inbox:    make(chan queue.Completion, cfg.CompletionBuffer),
		now:      time.Now,
	}
}

// SetFinalizer installs the end-of-call job submitter. Call before the
// registry is used.
func (r *Registry) SetFinalizer(f EndOfCallSubmitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizer = f
}

// Start creates the session for callID, or returns the existing one
// unchanged. The new session is written to memory and to the shared store;
// a store failure either aborts creation or degrades to memory-only,
// depending on the configured policy.
func (r *Registry) Start(ctx context.Context, callID string, conn ConnectionInfo) (*Session, error) {
	if callID == "" {
		return nil, errors.New("session: empty call id")
	}
	if conn.NodeID == "" {
		conn.NodeID = r.cfg.NodeID
	}

	r.mu.Lock()
	if e, ok := r.sessions[callID]; ok {
		e.owned = true
		r.mu.Unlock()
		r.logger.Debug("Session already exists, returning existing",
			slog.String("call_id", callID),
		)
		return e.session, nil
	}
	sess := newSession(callID, conn, r.cfg.DefaultMode, r.cfg.DefaultPlan, r.now())
	r.sessions[callID] = &entry{session: sess, owned: true}
	active := len(r.sessions)
	r.mu.Unlock()

	if err := r.persist(ctx, sess, "create"); err != nil {
		if r.cfg.CreateFailurePolicy == PolicyAbort {
			r.mu.Lock()
			if e, ok := r.sessions[callID]; ok && e.session == sess {
				delete(r.sessions, callID)
			}
			r.mu.Unlock()
			return nil, fmt.Errorf("session: create %s: %w", callID, err)
		}
		r.logger.Warn("Session store unavailable, continuing in memory only",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
	}

	r.bumpStats(func(s *Stats) { s.Started++ })
	r.metrics.RecordSessionStarted()
	r.metrics.SetActiveSessions(active)

	r.logger.Info("Created call session",
		slog.String("call_id", callID),
		slog.String("remote_addr", conn.RemoteAddr),
		slog.String("mode", string(sess.Mode)),
	)

	return sess, nil
}

// RecordSegment stitches text into the call's transcript and appends a
// segment. It returns nil when the call is unknown or already ended.
func (r *Registry) RecordSegment(ctx context.Context, callID, text string, audioDuration float64, metadata map[string]any) *Session {
	sess, ok := r.Get(ctx, callID)
	if !ok {
		return nil
	}

	now := r.now()
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	sess.transcript = transcript.StitchWithin(sess.transcript, text, r.cfg.StitchMaxWords)
	sess.segments = append(sess.segments, Segment{
		Sequence:      len(sess.segments),
		Text:          text,
		AudioDuration: audioDuration,
		Timestamp:     now,
		Metadata:      metadata,
	})
	sess.audioDuration += audioDuration
	sess.touchLocked(now)
	sess.mu.Unlock()

	r.bumpStats(func(s *Stats) { s.SegmentsRecorded++ })
	r.metrics.RecordSegment()

	if err := r.persist(ctx, sess, "update"); err != nil {
		r.logger.Warn("Failed to persist session update, continuing in memory only",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
	}

	return sess
}

// Touch records audio activity for callID in memory only. It reports
// whether the call is known.
func (r *Registry) Touch(callID string) bool {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	now := r.now()
	e.session.mu.Lock()
	e.session.touchLocked(now)
	e.session.mu.Unlock()
	return true
}

// MarkDeferred records optional analyses postponed to the end-of-call job
func (r *Registry) MarkDeferred(callID string, analyses ...string) bool {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	sess := e.session
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, a := range analyses {
		if !slices.Contains(sess.deferred, a) {
			sess.deferred = append(sess.deferred, a)
		}
	}
	return true
}

// End finalizes the call with the status implied by reason. It returns nil,
// changing nothing, when the call is unknown.
func (r *Registry) End(ctx context.Context, callID string, reason Reason) *Session {
	return r.endIf(ctx, callID, reason, nil)
}

// endIf ends the call only when cond, evaluated under the registry lock,
// holds. A nil cond always holds.
func (r *Registry) endIf(ctx context.Context, callID string, reason Reason, cond func(*Session) bool) *Session {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if ok && cond != nil && !cond(e.session) {
		r.mu.Unlock()
		return nil
	}
	if ok {
		delete(r.sessions, callID)
	}
	active := len(r.sessions)
	finalizer := r.finalizer
	r.mu.Unlock()

	var sess *Session
	if ok {
		sess = e.session
	} else if cond == nil {
		// Ended from a process that never saw the call
		sess = r.loadActive(ctx, callID)
	}
	if sess == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "session.end", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("session.end_reason", string(reason)),
	))
	defer span.End()

	now := r.now()
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	sess.status = reason.Status()
	sess.endReason = reason
	sess.endTime = now
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	r.metrics.RecordSessionEnded(string(snap.Status), now.Sub(snap.StartTime).Seconds())
	r.bumpStats(func(s *Stats) {
		switch snap.Status {
		case StatusTimeout:
			s.TimedOut++
		case StatusError:
			s.Errored++
		default:
			s.Completed++
		}
	})

	logger := tracing.Logger(ctx, r.logger)

	if err := r.persist(ctx, sess, "end"); err != nil {
		logger.Warn("Failed to persist ended session",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
	}
	r.archiveSnapshot(ctx, snap)

	endOfCall := false
	if r.substantial(snap.Transcript) && finalizer != nil {
		if err := finalizer.SubmitEndOfCall(ctx, snap); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "end-of-call submission failed")
			logger.Warn("Failed to submit end-of-call job",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		} else {
			endOfCall = true
			r.bumpStats(func(s *Stats) { s.EndOfCallJobs++ })
		}
	}
	span.SetAttributes(attribute.Bool("session.end_of_call", endOfCall))

	logger.Info("Call session ended",
		slog.String("call_id", callID),
		slog.String("status", string(snap.Status)),
		slog.Duration("duration", now.Sub(snap.StartTime)),
		slog.Int("segments", snap.SegmentCount),
		slog.Float64("audio_seconds", snap.AudioDuration),
		slog.Bool("end_of_call_job", endOfCall),
	)

	return sess
}

// substantial reports whether a transcript earns an end-of-call job
func (r *Registry) substantial(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) > r.cfg.SubstanceThreshold
}

// Get looks the call up in memory, then in the shared store. Active records
// found in the store are cached; ended ones are returned without caching.
func (r *Registry) Get(ctx context.Context, callID string) (*Session, bool) {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if ok {
		return e.session, true
	}

	sess, err := r.load(ctx, callID)
	if err != nil {
		return nil, false
	}
	if sess.Status() != StatusActive {
		return sess, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[callID]; ok {
		return e.session, true
	}
	r.sessions[callID] = &entry{session: sess}

	r.logger.Debug("Cached session from shared store",
		slog.String("call_id", callID),
	)
	return sess, true
}

// loadActive reads an active record from the store without caching it
func (r *Registry) loadActive(ctx context.Context, callID string) *Session {
	sess, err := r.load(ctx, callID)
	if err != nil || sess.Status() != StatusActive {
		return nil
	}
	return sess
}

func (r *Registry) load(ctx context.Context, callID string) (*Session, error) {
	rec, err := r.store.Load(ctx, callID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.recordStoreFailure("load")
			r.logger.Warn("Session store lookup failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	sess, err := fromRecord(rec)
	if err != nil {
		r.logger.Warn("Discarding undecodable session record",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return sess, nil
}

// AllActive returns the active sessions in start order
func (r *Registry) AllActive() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.CallID, b.CallID)
	})
	return sessions
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	active := len(r.sessions)
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	s.Active = active
	s.InboxDepth = len(r.inbox)
	return s
}

// Ping checks the shared store
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// evict drops a cached, unowned session without ending it
func (r *Registry) evict(callID string, cond func(*Session) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[callID]
	if !ok || e.owned || !cond(e.session) {
		return false
	}
	delete(r.sessions, callID)
	return true
}

// persist writes the session to the shared store. Writes of one session are
// serialized and each saves the state current at write time, so an update
// that started before End cannot land after it.
func (r *Registry) persist(ctx context.Context, sess *Session, op string) error {
	sess.persistMu.Lock()
	defer sess.persistMu.Unlock()

	rec, err := toRecord(sess.Snapshot())
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.recordStoreFailure(op)
		return err
	}
	return nil
}

func (r *Registry) archiveSnapshot(ctx context.Context, snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		r.logger.Warn("Failed to encode session for archive",
			slog.String("call_id", snap.CallID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.archive.Put(ctx, archive.Entry{CallID: snap.CallID, ArchivedAt: r.now(), Session: data}); err != nil {
		r.logger.Warn("Failed to archive session",
			slog.String("call_id", snap.CallID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) recordStoreFailure(op string) {
	r.bumpStats(func(s *Stats) { s.StoreFailures++ })
	r.metrics.RecordStoreFailure(op)
}

func (r *Registry) bumpStats(f func(*Stats)) {
	r.statsMu.Lock()
	f(&r.stats)
	r.statsMu.Unlock()
}
