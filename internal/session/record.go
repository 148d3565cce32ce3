package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openchlai/ai-sub002/internal/store"
)

// Store field names
const (
	fieldCallID        = "call_id"
	fieldStatus        = "status"
	fieldMode          = "mode"
	fieldPlan          = "plan"
	fieldConnection    = "connection"
	fieldStartTime     = "start_time"
	fieldLastActivity  = "last_activity"
	fieldEndTime       = "end_time"
	fieldEndReason     = "end_reason"
	fieldTranscript    = "transcript"
	fieldAudioDuration = "audio_duration"
	fieldSegmentCount  = "segment_count"
	fieldSegments      = "segments"
	fieldDeferred      = "deferred"
)

// toRecord flattens a snapshot into store fields
func toRecord(snap Snapshot) (store.Record, error) {
	plan, err := json.Marshal(snap.Plan)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal plan: %w", err)
	}
	conn, err := json.Marshal(snap.Connection)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal connection: %w", err)
	}
	segments := snap.Segments
	if segments == nil {
		segments = []Segment{}
	}
	segs, err := json.Marshal(segments)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal segments: %w", err)
	}
	deferred, err := json.Marshal(snap.Deferred)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal deferred: %w", err)
	}

	fields := map[string]string{
		fieldCallID:        snap.CallID,
		fieldStatus:        string(snap.Status),
		fieldMode:          string(snap.Mode),
		fieldPlan:          string(plan),
		fieldConnection:    string(conn),
		fieldStartTime:     snap.StartTime.UTC().Format(time.RFC3339Nano),
		fieldLastActivity:  snap.LastActivity.UTC().Format(time.RFC3339Nano),
		fieldTranscript:    snap.Transcript,
		fieldAudioDuration: strconv.FormatFloat(snap.AudioDuration, 'f', -1, 64),
		fieldSegmentCount:  strconv.Itoa(snap.SegmentCount),
		fieldSegments:      string(segs),
		fieldDeferred:      string(deferred),
	}
	if !snap.EndTime.IsZero() {
		fields[fieldEndTime] = snap.EndTime.UTC().Format(time.RFC3339Nano)
		fields[fieldEndReason] = string(snap.EndReason)
	}

	return store.Record{
		CallID: snap.CallID,
		Fields: fields,
		Active: snap.Status == StatusActive,
	}, nil
}

// fromRecord rebuilds a session from store fields
func fromRecord(rec store.Record) (*Session, error) {
	f := rec.Fields

	startTime, err := parseTime(f[fieldStartTime])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldStartTime, err)
	}
	lastActivity, err := parseTime(f[fieldLastActivity])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldLastActivity, err)
	}
	endTime, err := parseTime(f[fieldEndTime])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldEndTime, err)
	}

	var plan Plan
	if err := unmarshalField(f, fieldPlan, &plan); err != nil {
		return nil, err
	}
	var conn ConnectionInfo
	if err := unmarshalField(f, fieldConnection, &conn); err != nil {
		return nil, err
	}
	var segments []Segment
	if err := unmarshalField(f, fieldSegments, &segments); err != nil {
		return nil, err
	}
	var deferred []string
	if err := unmarshalField(f, fieldDeferred, &deferred); err != nil {
		return nil, err
	}

	audioDuration := 0.0
	if v := f[fieldAudioDuration]; v != "" {
		if audioDuration, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldAudioDuration, err)
		}
	}

	status := Status(f[fieldStatus])
	if status == "" {
		status = StatusActive
	}
	callID := f[fieldCallID]
	if callID == "" {
		callID = rec.CallID
	}

	return &Session{
		CallID:        callID,
		StartTime:     startTime,
		Connection:    conn,
		Mode:          Mode(f[fieldMode]),
		Plan:          plan,
		lastActivity:  lastActivity,
		segments:      segments,
		transcript:    f[fieldTranscript],
		audioDuration: audioDuration,
		status:        status,
		deferred:      deferred,
		endReason:     Reason(f[fieldEndReason]),
		endTime:       endTime,
	}, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func unmarshalField(fields map[string]string, name string, v any) error {
	raw := fields[name]
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
