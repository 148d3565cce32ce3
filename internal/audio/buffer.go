package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// BufferConfig describes the window geometry of a Buffer
type BufferConfig struct {
	SampleRate      int
	FrameSize       int           // bytes per frame
	WindowDuration  time.Duration // default 5s, max 30s
	OverlapDuration time.Duration // zero disables overlap
	ByteOrder       binary.ByteOrder
}

// MaxWindowDuration is the longest window a Buffer will assemble
const MaxWindowDuration = 30 * time.Second

// Buffer accumulates one connection's frames and emits fixed-size windows.
// It is owned by a single connection handler; the mutex only protects
// concurrent Stats readers.
type Buffer struct {
	sampleRate   int
	frameSize    int
	windowBytes  int
	overlapBytes int
	order        binary.ByteOrder

	tail       []byte
	tailOffset int64 // absolute byte offset of tail[0] in the connection's audio

	framesReceived uint64
	windowsEmitted uint64
	lastUpdate     time.Time

	mu sync.RWMutex
}

// Window is one fixed-duration slice of audio ready for analysis
type Window struct {
	Sequence    uint64        // 0-based per connection
	Samples     []float32     // normalized to [-1, 1)
	PCM         []byte        // source bytes
	SampleRate  int
	Duration    time.Duration
	StartOffset int64 // absolute byte offset of the first sample
	Final       bool  // flushed at call end, may be shorter than a full window
	CreatedAt   time.Time
}

// BufferStats is a point-in-time view of a Buffer for observability
type BufferStats struct {
	FramesReceived   uint64  `json:"frames_received"`
	WindowsEmitted   uint64  `json:"windows_emitted"`
	BufferSizeBytes  int     `json:"buffer_size_bytes"`
	BufferedDuration float64 `json:"buffered_duration_seconds"`
	WindowReady      bool    `json:"window_ready"`
	WindowSizeBytes  int     `json:"window_size_bytes"`
	OverlapBytes     int     `json:"overlap_bytes"`
}

// NewBuffer creates a window buffer from cfg
func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSize <= 0 || cfg.FrameSize%2 != 0 {
		return nil, fmt.Errorf("frame size must be a positive even byte count, got %d", cfg.FrameSize)
	}
	if cfg.WindowDuration <= 0 || cfg.WindowDuration > MaxWindowDuration {
		return nil, fmt.Errorf("window duration must be in (0, %s], got %s", MaxWindowDuration, cfg.WindowDuration)
	}
	if cfg.OverlapDuration < 0 {
		return nil, fmt.Errorf("overlap duration cannot be negative, got %s", cfg.OverlapDuration)
	}
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.LittleEndian
	}

	windowBytes := durationToBytes(cfg.WindowDuration, cfg.SampleRate)
	overlapBytes := durationToBytes(cfg.OverlapDuration, cfg.SampleRate)
	if windowBytes == 0 {
		return nil, fmt.Errorf("window duration %s is shorter than one sample", cfg.WindowDuration)
	}
	if overlapBytes >= windowBytes {
		return nil, fmt.Errorf("overlap (%s) must be shorter than the window (%s)", cfg.OverlapDuration, cfg.WindowDuration)
	}

	return &Buffer{
		sampleRate:   cfg.SampleRate,
		frameSize:    cfg.FrameSize,
		windowBytes:  windowBytes,
		overlapBytes: overlapBytes,
		order:        cfg.ByteOrder,
		tail:         make([]byte, 0, windowBytes+cfg.FrameSize),
		lastUpdate:   time.Now(),
	}, nil
}

// durationToBytes converts a duration to a whole number of 16-bit samples' bytes
func durationToBytes(d time.Duration, sampleRate int) int {
	samples := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(samples) * 2
}

// AddFrame appends one frame. When the buffered audio reaches the window
// size it returns the completed window and keeps the overlap tail as the
// seed of the next window; otherwise it returns nil.
func (b *Buffer) AddFrame(frame []byte) (*Window, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("frame length must be even (got %d bytes)", len(frame))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tail = append(b.tail, frame...)
	b.framesReceived++
	b.lastUpdate = time.Now()

	if len(b.tail) < b.windowBytes {
		return nil, nil
	}

	return b.emitLocked(b.windowBytes, false), nil
}

// emitLocked cuts a window of n bytes from the front of the tail.
// Must be called with b.mu held.
func (b *Buffer) emitLocked(n int, final bool) *Window {
	pcm := make([]byte, n)
	copy(pcm, b.tail[:n])

	window := &Window{
		Sequence:    b.windowsEmitted,
		Samples:     PCMToFloat32(pcm, b.order),
		PCM:         pcm,
		SampleRate:  b.sampleRate,
		Duration:    b.bytesToDuration(n),
		StartOffset: b.tailOffset,
		Final:       final,
		CreatedAt:   time.Now(),
	}
	b.windowsEmitted++

	// Keep the last overlap bytes of the emitted window plus anything
	// beyond the window as the next tail
	keepFrom := n - b.overlapBytes
	if final {
		keepFrom = n
	}
	remaining := len(b.tail) - keepFrom
	copy(b.tail, b.tail[keepFrom:])
	b.tail = b.tail[:remaining]
	b.tailOffset += int64(keepFrom)

	return window
}

// Flush emits whatever new audio is left as a final, possibly short, window.
// It returns nil when the tail holds nothing beyond the overlap seed.
func (b *Buffer) Flush() *Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	seed := b.overlapBytes
	if b.windowsEmitted == 0 {
		seed = 0
	}
	if len(b.tail) <= seed {
		return nil
	}

	return b.emitLocked(len(b.tail), true)
}

// Reset drops all buffered audio and counters
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tail = b.tail[:0]
	b.tailOffset = 0
	b.framesReceived = 0
	b.windowsEmitted = 0
}

func (b *Buffer) bytesToDuration(n int) time.Duration {
	return time.Duration(int64(n/2) * int64(time.Second) / int64(b.sampleRate))
}

// Stats returns current buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		FramesReceived:   b.framesReceived,
		WindowsEmitted:   b.windowsEmitted,
		BufferSizeBytes:  len(b.tail),
		BufferedDuration: b.bytesToDuration(len(b.tail)).Seconds(),
		WindowReady:      len(b.tail) >= b.windowBytes,
		WindowSizeBytes:  b.windowBytes,
		OverlapBytes:     b.overlapBytes,
	}
}

// WindowSize returns the window size in bytes
func (b *Buffer) WindowSize() int {
	return b.windowBytes
}

// OverlapSize returns the overlap size in bytes
func (b *Buffer) OverlapSize() int {
	return b.overlapBytes
}

// FrameSize returns the expected frame size in bytes
func (b *Buffer) FrameSize() int {
	return b.frameSize
}

// LastUpdate returns the time the last frame was added
func (b *Buffer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}
