package tools

import (
	"encoding/binary"
	"fmt"

	"github.com/bt-bridge/voicecall/shared"
)

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
// Samples are clamped to [-1, 1]; negatives scale by 32768 and the rest by
// 32767 so +1.0 does not overflow.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// DecodePCM16 is the inverse of EncodePCM16, dividing by 32768.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("decoding %d bytes: %w", len(data), shared.ErrMalformedPCM)
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}
	return out, nil
}
