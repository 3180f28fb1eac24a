package audio

import "time"

// AudioFrame is a block of interleaved int16 little-endian PCM exchanged with
// audio devices. Frames are the unit of device transport: the microphone
// delivers them, the playback graph renders them.
type AudioFrame struct {
	// PCM audio data (s16le, interleaved when Channels > 1).
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks the frame position relative to stream start.
	Timestamp time.Duration
}

// Buffer holds normalised float32 samples in [-1, 1] together with the
// format needed to interpret them. Decoded playback segments and captured
// blocks are both carried as Buffers.
type Buffer struct {
	// Samples are interleaved when Channels > 1.
	Samples []float32

	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the intrinsic playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Tap observes a stream of samples without altering it. Analysis nodes used
// for visualisation implement Tap; taps must not block.
type Tap interface {
	Write(samples []float32)
}
