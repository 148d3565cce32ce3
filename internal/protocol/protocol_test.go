package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameSize(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		durationMS int
		expected   int
	}{
		{"16kHz 20ms", 16000, 20, 640},
		{"16kHz 10ms", 16000, 10, 320},
		{"8kHz 20ms", 8000, 20, 320},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FrameSize(tt.sampleRate, tt.durationMS); got != tt.expected {
				t.Errorf("FrameSize(%d, %d) = %d, expected %d", tt.sampleRate, tt.durationMS, got, tt.expected)
			}
		})
	}
}

func TestHeaderReaderSingleRead(t *testing.T) {
	h := NewHeaderReader(DefaultDelimiter, 0)

	callID, rest, done, err := h.Feed([]byte("call-123\r"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !done {
		t.Fatal("Expected header to be complete")
	}
	if callID != "call-123" {
		t.Errorf("Expected call ID 'call-123', got '%s'", callID)
	}
	if len(rest) != 0 {
		t.Errorf("Expected no trailing bytes, got %d", len(rest))
	}
}

func TestHeaderReaderFragmented(t *testing.T) {
	h := NewHeaderReader(DefaultDelimiter, 0)
	fragments := [][]byte{[]byte("ca"), []byte("ll-"), []byte("45"), []byte("6\r\x01\x02\x03\x04")}

	var (
		callID string
		rest   []byte
		done   bool
	)
	for i, frag := range fragments {
		var err error
		callID, rest, done, err = h.Feed(frag)
		if err != nil {
			t.Fatalf("Fragment %d: unexpected error: %v", i, err)
		}
		if i < len(fragments)-1 && done {
			t.Fatalf("Fragment %d: header completed too early", i)
		}
	}

	if !done {
		t.Fatal("Expected header to be complete after last fragment")
	}
	if callID != "call-456" {
		t.Errorf("Expected call ID 'call-456', got '%s'", callID)
	}
	if !bytes.Equal(rest, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("Expected audio bytes after delimiter, got %v", rest)
	}
	if !h.Done() {
		t.Error("Expected Done() to report true")
	}
}

func TestHeaderReaderAfterDone(t *testing.T) {
	h := NewHeaderReader('\n', 0)
	if _, _, _, err := h.Feed([]byte("abc\n")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	callID, rest, done, err := h.Feed([]byte{0xAA, 0xBB})
	if err != nil || !done || callID != "abc" {
		t.Fatalf("Expected passthrough after header, got id=%q done=%v err=%v", callID, done, err)
	}
	if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Errorf("Expected bytes passed through unchanged, got %v", rest)
	}
}

func TestHeaderReaderErrors(t *testing.T) {
	tests := []struct {
		name      string
		maxLength int
		reads     [][]byte
		expected  error
	}{
		{
			name:      "too long without delimiter",
			maxLength: 8,
			reads:     [][]byte{[]byte("0123456"), []byte("789")},
			expected:  ErrHeaderTooLong,
		},
		{
			name:      "too long before delimiter",
			maxLength: 4,
			reads:     [][]byte{[]byte("012345\r")},
			expected:  ErrHeaderTooLong,
		},
		{
			name:      "empty identifier",
			maxLength: 0,
			reads:     [][]byte{[]byte("\r")},
			expected:  ErrInvalidCallID,
		},
		{
			name:      "non-printable identifier",
			maxLength: 0,
			reads:     [][]byte{[]byte("ab\x01cd\r")},
			expected:  ErrInvalidCallID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaderReader(DefaultDelimiter, tt.maxLength)
			var err error
			for _, r := range tt.reads {
				if _, _, _, err = h.Feed(r); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected error %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestParseCallIDTrimsPadding(t *testing.T) {
	id, err := ParseCallID([]byte("  1700000000.42\x00\x00"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != "1700000000.42" {
		t.Errorf("Expected trimmed id, got %q", id)
	}
}

func TestFrameSplitterStrict(t *testing.T) {
	s, err := NewFrameSplitter(4, true)
	if err != nil {
		t.Fatalf("Failed to create splitter: %v", err)
	}

	frames, err := s.Split([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[1], []byte{5, 6, 7, 8}) {
		t.Errorf("Unexpected second frame: %v", frames[1])
	}

	frames, err = s.Split([]byte{1, 2, 3, 4, 5, 6})
	if !errors.Is(err, ErrFrameMisaligned) {
		t.Errorf("Expected ErrFrameMisaligned, got %v", err)
	}
	if frames != nil {
		t.Errorf("Expected misaligned read to be discarded, got %d frames", len(frames))
	}
	if s.Pending() != 0 {
		t.Errorf("Strict mode must not carry bytes, pending=%d", s.Pending())
	}
}

func TestFrameSplitterLenient(t *testing.T) {
	s, err := NewFrameSplitter(4, false)
	if err != nil {
		t.Fatalf("Failed to create splitter: %v", err)
	}

	frames, err := s.Split([]byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 1 || s.Pending() != 2 {
		t.Fatalf("Expected 1 frame and 2 pending bytes, got %d frames and %d pending", len(frames), s.Pending())
	}

	frames, err = s.Split([]byte{7, 8})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{5, 6, 7, 8}) {
		t.Fatalf("Expected carried frame [5 6 7 8], got %v", frames)
	}
	if s.Pending() != 0 {
		t.Errorf("Expected no pending bytes, got %d", s.Pending())
	}
}

func TestNewFrameSplitterValidation(t *testing.T) {
	for _, size := range []int{0, -2, 3} {
		if _, err := NewFrameSplitter(size, true); err == nil {
			t.Errorf("Expected error for frame size %d", size)
		}
	}
}
