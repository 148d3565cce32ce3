package session

import (
	"slices"
	"sync"
	"time"
)

// Status is a session's lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimeout || s == StatusError
}

// Reason explains why a session ended
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonTimeout   Reason = "timeout"
	ReasonError     Reason = "error"
)

// Status maps an end reason to the terminal status it produces
func (r Reason) Status() Status {
	switch r {
	case ReasonTimeout:
		return StatusTimeout
	case ReasonError:
		return StatusError
	default:
		return StatusCompleted
	}
}

// Mode selects how much per-window analysis a call gets
type Mode string

const (
	ModeRealtime          Mode = "realtime"
	ModeTranscriptionOnly Mode = "transcription_only"
)

// Analysis names
const (
	AnalysisTranslation    = "translation"
	AnalysisEntities       = "entities"
	AnalysisClassification = "classification"
	AnalysisSummarization  = "summarization"
	AnalysisQualityScoring = "quality_scoring"
)

// Plan holds the feature flags describing which analyses a call gets
type Plan struct {
	Transcription  bool `json:"transcription" yaml:"transcription"`
	Translation    bool `json:"translation" yaml:"translation"`
	Entities       bool `json:"entities" yaml:"entities"`
	Classification bool `json:"classification" yaml:"classification"`
	Summarization  bool `json:"summarization" yaml:"summarization"`
	QualityScoring bool `json:"quality_scoring" yaml:"quality_scoring"`
}

// RealtimeAnalyses lists the enabled optional per-window analyses
func (p Plan) RealtimeAnalyses() []string {
	var out []string
	if p.Translation {
		out = append(out, AnalysisTranslation)
	}
	if p.Entities {
		out = append(out, AnalysisEntities)
	}
	if p.Classification {
		out = append(out, AnalysisClassification)
	}
	return out
}

// BatchAnalyses lists the enabled end-of-call analyses
func (p Plan) BatchAnalyses() []string {
	var out []string
	if p.Summarization {
		out = append(out, AnalysisSummarization)
	}
	if p.QualityScoring {
		out = append(out, AnalysisQualityScoring)
	}
	return out
}

// ConnectionInfo describes the connection a call arrived on
type ConnectionInfo struct {
	RemoteAddr string `json:"remote_addr,omitempty"`
	LocalAddr  string `json:"local_addr,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
}

// Segment is one transcript fragment applied to a session
type Segment struct {
	Sequence      int            `json:"sequence"`
	Text          string         `json:"text"`
	AudioDuration float64        `json:"audio_duration"` // seconds
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Session is the state of one call. Identity fields are fixed at creation;
// everything else is reached through methods and only mutated by the
// Registry.
type Session struct {
	CallID     string
	StartTime  time.Time
	Connection ConnectionInfo
	Mode       Mode
	Plan       Plan

	mu            sync.RWMutex
	lastActivity  time.Time
	segments      []Segment
	transcript    string
	audioDuration float64
	status        Status
	deferred      []string
	endReason     Reason
	endTime       time.Time

	// persistMu orders this session's shared store writes
	persistMu sync.Mutex
}

func newSession(callID string, conn ConnectionInfo, mode Mode, plan Plan, now time.Time) *Session {
	return &Session{
		CallID:       callID,
		StartTime:    now,
		Connection:   conn,
		Mode:         mode,
		Plan:         plan,
		lastActivity: now,
		status:       StatusActive,
	}
}

// touchLocked advances last activity, never moving it backwards.
// Must be called with s.mu held.
func (s *Session) touchLocked(t time.Time) {
	if t.After(s.lastActivity) {
		s.lastActivity = t
	}
}

// LastActivity returns the time of the most recent audio or transcript
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Status returns the lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transcript returns the cumulative stitched transcript
func (s *Session) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript
}

// SegmentCount returns the number of applied segments
func (s *Session) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// AudioDuration returns the accumulated analyzed audio in seconds
func (s *Session) AudioDuration() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioDuration
}

// Deferred returns the optional analyses postponed to the end-of-call job
func (s *Session) Deferred() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deferred)
}

// Snapshot is an immutable copy of a session's state
type Snapshot struct {
	CallID        string         `json:"call_id"`
	Status        Status         `json:"status"`
	Mode          Mode           `json:"mode"`
	Plan          Plan           `json:"plan"`
	Connection    ConnectionInfo `json:"connection"`
	StartTime     time.Time      `json:"start_time"`
	LastActivity  time.Time      `json:"last_activity"`
	EndTime       time.Time      `json:"end_time,omitempty"`
	EndReason     Reason         `json:"end_reason,omitempty"`
	Transcript    string         `json:"transcript"`
	AudioDuration float64        `json:"audio_duration"`
	SegmentCount  int            `json:"segment_count"`
	Segments      []Segment      `json:"segments"`
	Deferred      []string       `json:"deferred,omitempty"`
}

// Snapshot copies the session's current state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// snapshotLocked must be called with s.mu held
func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		CallID:        s.CallID,
		Status:        s.status,
		Mode:          s.Mode,
		Plan:          s.Plan,
		Connection:    s.Connection,
		StartTime:     s.StartTime,
		LastActivity:  s.lastActivity,
		EndTime:       s.endTime,
		EndReason:     s.endReason,
		Transcript:    s.transcript,
		AudioDuration: s.audioDuration,
		SegmentCount:  len(s.segments),
		Segments:      slices.Clone(s.segments),
		Deferred:      slices.Clone(s.deferred),
	}
}
