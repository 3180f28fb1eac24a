// Package capture turns a [audio.Microphone] into a stream of fixed-size
// blocks of normalised samples.
//
// A [Handle] is acquired with [Open] and owns the device until [Handle.Stop].
// Blocks are delivered to analysis taps as soon as the device is open and to
// the frame callback once [Handle.Start] is called. Captured audio is never
// routed to a playback device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Open] when the input device cannot be
// acquired, either because permission was denied or because no device exists.
var ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

// DefaultBlockSize is the number of samples per delivered block. At 16 kHz
// one block covers 256 ms.
const DefaultBlockSize = 4096

// FrameFunc receives one captured block. The slice is owned by the callee.
type FrameFunc func(samples []float32)

// Option configures a [Handle] during [Open].
type Option func(*Handle)

// WithBlockSize sets the number of samples per block. Non-positive values are
// ignored.
func WithBlockSize(n int) Option {
	return func(h *Handle) {
		if n > 0 {
			h.blockSize = n
		}
	}
}

// WithGain multiplies every captured sample by g before delivery.
func WithGain(g float32) Option {
	return func(h *Handle) {
		h.gain = g
	}
}

// WithFormat sets the format requested from the device and delivered to the
// callback. Defaults to [audio.CaptureFormat]. Only mono delivery is
// supported; the channel count of f is ignored.
func WithFormat(f audio.Format) Option {
	return func(h *Handle) {
		if f.SampleRate > 0 {
			h.format = audio.Format{SampleRate: f.SampleRate, Channels: 1}
		}
	}
}

// Handle is an open capture pipeline.
//
// All exported methods are safe for concurrent use. The frame callback and
// the taps are invoked from a single goroutine in capture order.
type Handle struct {
	stream    audio.InputStream
	format    audio.Format
	blockSize int
	gain      float32

	// mu is held while a block is delivered, so Stop waits for any
	// in-flight callback before returning.
	mu      sync.Mutex
	onFrame FrameFunc
	taps    []audio.Tap
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
}

// Open acquires the input device through mic and starts reading from it. The
// returned error wraps [ErrDeviceUnavailable] together with the device error.
func Open(ctx context.Context, mic audio.Microphone, opts ...Option) (*Handle, error) {
	h := &Handle{
		format:    audio.CaptureFormat,
		blockSize: DefaultBlockSize,
		gain:      1,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}

	if mic == nil {
		return nil, fmt.Errorf("%w: no microphone configured", ErrDeviceUnavailable)
	}
	stream, err := mic.OpenInput(ctx, h.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	h.stream = stream

	go h.readLoop()
	return h, nil
}

// Format returns the format of delivered blocks.
func (h *Handle) Format() audio.Format { return h.format }

// Start begins invoking onFrame with every subsequent block. Calling Start
// again replaces the callback. onFrame must not call [Handle.Stop].
func (h *Handle) Start(onFrame FrameFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.onFrame = onFrame
}

// Tap attaches an analysis tap. Taps observe every block, including those
// captured before [Handle.Start].
func (h *Handle) Tap(t audio.Tap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || t == nil {
		return
	}
	h.taps = append(h.taps, t)
}

// Stop releases the device. After Stop returns no callback or tap is invoked
// again. Stop is idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.onFrame = nil
		h.taps = nil
		h.mu.Unlock()

		if err := h.stream.Close(); err != nil {
			slog.Debug("capture: close input stream", "err", err)
		}
	})
	<-h.done
}

// Done is closed once the read loop has exited, either after Stop or because
// the device went away.
func (h *Handle) Done() <-chan struct{} { return h.done }

// readLoop converts device frames into normalised mono samples and re-slices
// them into blocks of exactly blockSize samples.
func (h *Handle) readLoop() {
	defer close(h.done)

	pending := make([]float32, 0, h.blockSize*2)
	for frame := range h.stream.Frames() {
		samples, ok := h.normalise(frame)
		if !ok {
			continue
		}
		pending = append(pending, samples...)
		for len(pending) >= h.blockSize {
			block := make([]float32, h.blockSize)
			copy(block, pending)
			pending = append(pending[:0], pending[h.blockSize:]...)
			if !h.deliver(block) {
				return
			}
		}
	}
}

// normalise decodes frame into mono float samples at the handle's rate.
func (h *Handle) normalise(frame audio.AudioFrame) ([]float32, bool) {
	ch := max(frame.Channels, 1)
	buf, err := audio.DecodePCM16(frame.Data, max(frame.SampleRate, 1), ch)
	if err != nil {
		slog.Warn("capture: dropping malformed frame", "bytes", len(frame.Data), "err", err)
		return nil, false
	}

	samples := buf.Samples
	if ch > 1 {
		mono := make([]float32, buf.Frames())
		for i := range mono {
			var sum float32
			for c := range ch {
				sum += samples[i*ch+c]
			}
			mono[i] = sum / float32(ch)
		}
		samples = mono
	}
	if frame.SampleRate > 0 && frame.SampleRate != h.format.SampleRate {
		samples = audio.Resample(samples, frame.SampleRate, h.format.SampleRate)
	}
	if h.gain != 1 {
		samples = audio.ApplyGain(samples, h.gain)
	}
	return samples, true
}

// deliver hands block to the taps and the frame callback. It returns false
// once the handle has been stopped.
func (h *Handle) deliver(block []float32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	for _, t := range h.taps {
		t.Write(block)
	}
	if h.onFrame != nil {
		h.onFrame(block)
	}
	return true
}
