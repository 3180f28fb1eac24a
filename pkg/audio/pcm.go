package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode is the root of every decoding failure in this package. Callers
// treat it as fatal for the offending chunk only.
var ErrDecode = errors.New("audio: decode failed")

// ErrOddLength is returned by [DecodePCM16] when the input does not hold a
// whole number of 16-bit samples.
var ErrOddLength = fmt.Errorf("%w: odd byte count in s16le data", ErrDecode)

const (
	negScale = 32768 // 0x8000
	posScale = 32767 // 0x7FFF
)

// EncodePCM16 converts normalised samples into little-endian signed 16-bit
// PCM. Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, so both rails map exactly onto the int16
// range. It never fails.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 is the inverse of [EncodePCM16]: each little-endian int16 is
// divided by 32768 when negative and by 32767 otherwise. sampleRate and
// channels describe the stream and are carried on the returned [Buffer].
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddLength
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %dHz/%dch", ErrDecode, sampleRate, channels)
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s <= -1:
		return -negScale
	case s >= 1:
		return posScale
	case s < 0:
		return int16(s * negScale)
	default:
		return int16(s * posScale)
	}
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / negScale
	}
	return float32(v) / posScale
}
