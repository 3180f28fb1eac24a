// Package audio defines the audio primitives of the realtime voice pipeline:
// PCM and base64 codecs, format conversion, level helpers, and the device
// interfaces that capture and playback are built on.
//
// The device abstractions are:
//
//   - [Microphone]: opens an [InputStream] of captured frames.
//   - [Speaker]: opens an [OutputStream] that plays rendered frames.
//   - [Device]: both, as provided by a single audio terminal (for example
//     the browser connected over WebSocket, see package audio/browser).
//
// This package lives under pkg/ so that other audio terminals can implement
// [Device] outside this module.
package audio

import (
	"context"
)

// InputStream is an open capture stream.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Frames returns the channel on which captured frames arrive in capture
	// order. The channel is closed when the stream ends, either because Close
	// was called or because the device went away.
	Frames() <-chan AudioFrame

	// Close releases the device. It is safe to call Close more than once.
	Close() error
}

// OutputStream is an open playback stream.
//
// Implementations must be safe for concurrent use.
type OutputStream interface {
	// Write plays frame. Writes after Close return an error and drop the
	// frame; they never panic.
	Write(frame AudioFrame) error

	// Close releases the device. It is safe to call Close more than once.
	Close() error
}

// Microphone grants access to an audio input device.
type Microphone interface {
	// OpenInput requests exclusive access to the input device and returns a
	// stream in (ideally) the requested format. Devices may deliver a
	// different format; consumers convert. Returns an error if permission is
	// denied, no device exists, or ctx ends first.
	OpenInput(ctx context.Context, f Format) (InputStream, error)
}

// Speaker grants access to an audio output device.
type Speaker interface {
	// OpenOutput opens a playback stream accepting frames in format f.
	OpenOutput(ctx context.Context, f Format) (OutputStream, error)
}

// Device is an audio terminal with both input and output.
type Device interface {
	Microphone
	Speaker
}
