package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ParseByteOrder maps a configuration value to a binary.ByteOrder
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(name) {
	case "", "little", "le":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q (expected little or big)", name)
	}
}

// PCMToFloat32 converts 16-bit PCM bytes to normalized samples in [-1, 1)
func PCMToFloat32(pcm []byte, order binary.ByteOrder) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(order.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}

// PCMToInt16 converts 16-bit PCM bytes to samples
func PCMToInt16(pcm []byte, order binary.ByteOrder) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(order.Uint16(pcm[i*2:]))
	}
	return samples
}

// Int16ToPCM converts samples to 16-bit PCM bytes
func Int16ToPCM(samples []int16, order binary.ByteOrder) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		order.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
