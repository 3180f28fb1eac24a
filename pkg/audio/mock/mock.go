// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.InputStream], and [audio.OutputStream] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInputStream(16)
//	dev := &mock.Device{InputResult: in, OutputResult: &mock.OutputStream{}}
//	h, err := capture.Open(ctx, dev)
//	in.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// ErrClosed is returned by [OutputStream.Write] after Close.
var ErrClosed = errors.New("mock: stream closed")

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Frames pushed
// with [InputStream.Push] are delivered on the Frames channel.
type InputStream struct {
	// mu is read-held by Push while sending, so Close never closes the
	// channel under an active sender.
	mu        sync.RWMutex
	frames    chan audio.AudioFrame
	done      chan struct{}
	closeOnce sync.Once

	closeCount int
}

// NewInputStream returns an open stream with a frame buffer of size buf.
func NewInputStream(buf int) *InputStream {
	return &InputStream{
		frames: make(chan audio.AudioFrame, buf),
		done:   make(chan struct{}),
	}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Push delivers frame to the consumer. It blocks while the buffer is full and
// reports false if the stream is closed before the frame is accepted.
func (s *InputStream) Push(frame audio.AudioFrame) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

// Close implements [audio.InputStream]. The frame channel is closed on the
// first call.
func (s *InputStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closeCount == 1 {
		close(s.frames)
	}
	return nil
}

// CallCountClose returns how many times Close was called.
func (s *InputStream) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream] that records
// every written frame.
type OutputStream struct {
	mu     sync.Mutex
	closed bool

	// WriteError, when set, is returned by every Write.
	WriteError error

	// Written holds all frames accepted by Write, in order.
	Written []audio.AudioFrame

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.WriteError != nil {
		return s.WriteError
	}
	s.Written = append(s.Written, frame)
	return nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Frames returns a snapshot of the frames written so far.
func (s *OutputStream) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.Written))
	copy(out, s.Written)
	return out
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// InputResult is returned by OpenInput. A nil InputResult with a nil
	// InputError yields a fresh [InputStream] per call.
	InputResult audio.InputStream

	// InputError is returned by OpenInput.
	InputError error

	// OutputResult is returned by OpenOutput. A nil OutputResult with a nil
	// OutputError yields a fresh [OutputStream] per call.
	OutputResult audio.OutputStream

	// OutputError is returned by OpenOutput.
	OutputError error

	// InputFormats records the format argument of every OpenInput call.
	InputFormats []audio.Format

	// OutputFormats records the format argument of every OpenOutput call.
	OutputFormats []audio.Format

	// Inputs and Outputs hold the streams created when no Result is set,
	// in creation order.
	Inputs  []*InputStream
	Outputs []*OutputStream
}

// OpenInput implements [audio.Microphone].
func (d *Device) OpenInput(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputFormats = append(d.InputFormats, f)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.InputError != nil {
		return nil, d.InputError
	}
	if d.InputResult == nil {
		in := NewInputStream(16)
		d.Inputs = append(d.Inputs, in)
		return in, nil
	}
	return d.InputResult, nil
}

// OpenOutput implements [audio.Speaker].
func (d *Device) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputFormats = append(d.OutputFormats, f)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OutputError != nil {
		return nil, d.OutputError
	}
	if d.OutputResult == nil {
		out := &OutputStream{}
		d.Outputs = append(d.Outputs, out)
		return out, nil
	}
	return d.OutputResult, nil
}

// CallCountOpenInput returns how many times OpenInput was called.
func (d *Device) CallCountOpenInput() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.InputFormats)
}

// CallCountOpenOutput returns how many times OpenOutput was called.
func (d *Device) CallCountOpenOutput() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OutputFormats)
}

// LastInput returns the most recently created input stream, or nil.
func (d *Device) LastInput() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Inputs) == 0 {
		return nil
	}
	return d.Inputs[len(d.Inputs)-1]
}

// LastOutput returns the most recently created output stream, or nil.
func (d *Device) LastOutput() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Outputs) == 0 {
		return nil
	}
	return d.Outputs[len(d.Outputs)-1]
}
