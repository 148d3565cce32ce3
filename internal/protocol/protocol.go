package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Protocol constants
const (
	// DefaultDelimiter terminates the call identifier header ('\r')
	DefaultDelimiter byte = 0x0D

	// DefaultMaxHeaderLength bounds the call identifier before the delimiter
	DefaultMaxHeaderLength = 256

	// BytesPerSample for 16-bit signed PCM mono
	BytesPerSample = 2
)

var (
	// ErrHeaderTooLong is returned when no delimiter arrives within the header limit
	ErrHeaderTooLong = errors.New("protocol: call identifier exceeds maximum header length")

	// ErrInvalidCallID is returned for empty or non-printable identifiers
	ErrInvalidCallID = errors.New("protocol: invalid call identifier")

	// ErrFrameMisaligned is returned for reads that are not a whole number of frames
	ErrFrameMisaligned = errors.New("protocol: read is not a multiple of the frame size")
)

// FrameSize returns the byte length of one PCM frame
// (sample_rate * frame_duration_ms / 1000 * 2).
func FrameSize(sampleRate, frameDurationMS int) int {
	return sampleRate * frameDurationMS / 1000 * BytesPerSample
}

// HeaderReader reassembles the call identifier, which may be split across reads
type HeaderReader struct {
	delimiter byte
	maxLength int
	buf       []byte
	done      bool
	callID    string
}

// NewHeaderReader creates a header reader. A maxLength <= 0 uses DefaultMaxHeaderLength.
func NewHeaderReader(delimiter byte, maxLength int) *HeaderReader {
	if maxLength <= 0 {
		maxLength = DefaultMaxHeaderLength
	}
	return &HeaderReader{
		delimiter: delimiter,
		maxLength: maxLength,
		buf:       make([]byte, 0, 64),
	}
}

// Feed consumes one read. Once the delimiter is seen it returns the call
// identifier, the bytes that followed the delimiter in the same read (these
// belong to the audio phase) and done=true.
func (h *HeaderReader) Feed(p []byte) (callID string, rest []byte, done bool, err error) {
	if h.done {
		return h.callID, p, true, nil
	}

	idx := bytes.IndexByte(p, h.delimiter)
	if idx < 0 {
		if len(h.buf)+len(p) > h.maxLength {
			return "", nil, false, fmt.Errorf("%w: %d bytes without delimiter", ErrHeaderTooLong, len(h.buf)+len(p))
		}
		h.buf = append(h.buf, p...)
		return "", nil, false, nil
	}

	if len(h.buf)+idx > h.maxLength {
		return "", nil, false, fmt.Errorf("%w: %d bytes before delimiter", ErrHeaderTooLong, len(h.buf)+idx)
	}
	h.buf = append(h.buf, p[:idx]...)

	id, err := ParseCallID(h.buf)
	if err != nil {
		return "", nil, false, err
	}

	h.done = true
	h.callID = id
	h.buf = nil

	if idx+1 < len(p) {
		rest = make([]byte, len(p)-idx-1)
		copy(rest, p[idx+1:])
	}
	return id, rest, true, nil
}

// Done reports whether the header has been fully received
func (h *HeaderReader) Done() bool {
	return h.done
}

// Buffered returns the number of header bytes held while waiting for the delimiter
func (h *HeaderReader) Buffered() int {
	return len(h.buf)
}

// ParseCallID validates raw header bytes as a call identifier.
// Surrounding whitespace and NUL padding are stripped.
func ParseCallID(raw []byte) (string, error) {
	trimmed := bytes.Trim(raw, " \t\n\r\x00")
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidCallID)
	}
	for i, b := range trimmed {
		if b < 0x21 || b > 0x7E {
			return "", fmt.Errorf("%w: non-printable byte 0x%02x at offset %d", ErrInvalidCallID, b, i)
		}
	}
	return string(trimmed), nil
}

// FrameSplitter turns audio-phase reads into fixed-size frames
type FrameSplitter struct {
	frameSize int
	strict    bool
	remainder []byte
}

// NewFrameSplitter creates a splitter. In strict mode a read that is not a
// whole number of frames is rejected outright; otherwise the trailing partial
// frame is carried into the next read.
func NewFrameSplitter(frameSize int, strict bool) (*FrameSplitter, error) {
	if frameSize <= 0 || frameSize%BytesPerSample != 0 {
		return nil, fmt.Errorf("frame size must be a positive multiple of %d, got %d", BytesPerSample, frameSize)
	}
	return &FrameSplitter{frameSize: frameSize, strict: strict}, nil
}

// Split returns the complete frames contained in p. Returned frames are
// copies and safe to retain.
func (s *FrameSplitter) Split(p []byte) ([][]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}

	data := p
	if s.strict {
		if len(p)%s.frameSize != 0 {
			return nil, fmt.Errorf("%w: got %d bytes, frame size %d", ErrFrameMisaligned, len(p), s.frameSize)
		}
	} else if len(s.remainder) > 0 {
		data = append(s.remainder, p...)
		s.remainder = nil
	}

	count := len(data) / s.frameSize
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		frame := make([]byte, s.frameSize)
		copy(frame, data[i*s.frameSize:(i+1)*s.frameSize])
		frames = append(frames, frame)
	}

	if tail := len(data) % s.frameSize; tail > 0 {
		s.remainder = append(make([]byte, 0, s.frameSize), data[len(data)-tail:]...)
	}

	return frames, nil
}

// Pending returns the bytes of an incomplete frame held in lenient mode
func (s *FrameSplitter) Pending() int {
	return len(s.remainder)
}

// FrameSize returns the configured frame size in bytes
func (s *FrameSplitter) FrameSize() int {
	return s.frameSize
}
