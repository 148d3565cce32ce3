package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultFullScaleRMS is the RMS level treated as certain speech
const DefaultFullScaleRMS = 0.3

// Processor scores windows of normalized samples for voice activity
type Processor struct {
	threshold    float32
	fullScaleRMS float64

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the outcome of voice activity detection on one window
type Result struct {
	Probability    float32       `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice       bool          `json:"has_voice"`
	RMS            float64       `json:"rms"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor. fullScaleRMS is the RMS level
// mapped to probability 1; zero selects DefaultFullScaleRMS.
func NewProcessor(threshold float32, fullScaleRMS float64) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if fullScaleRMS < 0 || fullScaleRMS > 1 {
		return nil, fmt.Errorf("full scale RMS must be between 0 and 1, got %f", fullScaleRMS)
	}
	if fullScaleRMS == 0 {
		fullScaleRMS = DefaultFullScaleRMS
	}

	return &Processor{
		threshold:    threshold,
		fullScaleRMS: fullScaleRMS,
	}, nil
}

// Process scores a window of samples normalized to [-1, 1)
func (p *Processor) Process(samples []float32) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot process empty window")
	}

	startTime := time.Now()
	rms := RMS(samples)

	probability := float32(rms / p.fullScaleRMS)
	if probability > 1 {
		probability = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hasVoice := probability >= p.threshold
	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	return &Result{
		Probability:    probability,
		HasVoice:       hasVoice,
		RMS:            rms,
		ProcessingTime: time.Since(startTime),
	}, nil
}

// RMS returns the root mean square of samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// UpdateThreshold updates the voice detection threshold
func (p *Processor) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold = threshold
	return nil
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// Reset clears statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastProcessed = time.Time{}
}
