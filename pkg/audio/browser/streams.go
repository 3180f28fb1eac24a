package browser

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// ─── input ────────────────────────────────────────────────────────────────────

// inputStream receives microphone frames from the browser. Its fields other
// than src and conv are guarded by t.mu.
type inputStream struct {
	t      *Terminal
	src    audio.Format
	conv   *audio.FormatConverter
	frames chan audio.AudioFrame
	closed bool
	pos    time.Duration
}

func (in *inputStream) Frames() <-chan audio.AudioFrame { return in.frames }

// Close stops the stream and tells the browser to release the microphone.
func (in *inputStream) Close() error {
	if !in.t.detachInput(in) {
		return nil
	}
	return in.t.SendJSON(context.Background(), envelope{Type: TypeCloseInput})
}

// deliver converts one binary frame and queues it. Called with t.mu held.
// Frames are dropped when the consumer falls behind.
func (in *inputStream) deliver(data []byte) {
	if in.closed {
		return
	}
	frame := in.conv.Convert(audio.AudioFrame{
		Data:       data,
		SampleRate: in.src.SampleRate,
		Channels:   in.src.Channels,
		Timestamp:  in.pos,
	})
	if in.src.SampleRate > 0 && in.src.Channels > 0 {
		n := len(data) / 2 / in.src.Channels
		in.pos += time.Duration(n) * time.Second / time.Duration(in.src.SampleRate)
	}
	if len(frame.Data) == 0 {
		return
	}
	select {
	case in.frames <- frame:
	default:
		in.t.log.Debug("browser: input frame dropped, consumer is not keeping up")
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

// outputStream sends playback frames to the browser.
type outputStream struct {
	t      *Terminal
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// Write sends frame as a binary WebSocket message.
func (out *outputStream) Write(frame audio.AudioFrame) error {
	out.mu.Lock()
	closed := out.closed
	out.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return out.t.write(context.Background(), websocket.MessageBinary, frame.Data)
}

// Close tells the browser to stop playback. Idempotent.
func (out *outputStream) Close() error {
	var err error
	out.once.Do(func() {
		out.mu.Lock()
		out.closed = true
		out.mu.Unlock()
		if out.t.ctx.Err() == nil {
			err = out.t.SendJSON(context.Background(), envelope{Type: TypeCloseOutput})
		}
	})
	return err
}
