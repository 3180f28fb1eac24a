// Package browser provides an [audio.Device] backed by a web browser connected
// over a WebSocket.
//
// The browser owns the real microphone and speakers. The server asks it to
// open the microphone with an open_input message; the browser answers with
// input_opened (carrying the rate it actually captures at) or input_error, and
// then streams s16le PCM as binary frames. Playback audio travels the other way
// as binary frames after an open_output message. User commands (start, stop)
// arrive as text frames and are surfaced on [Terminal.Commands].
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Device = (*Terminal)(nil)

var (
	// ErrClosed is returned after the WebSocket has gone away.
	ErrClosed = errors.New("browser: terminal closed")

	// ErrInputBusy is returned by OpenInput while an input stream is open.
	ErrInputBusy = errors.New("browser: input already open")

	// ErrPermissionDenied wraps the browser's reason for refusing the
	// microphone.
	ErrPermissionDenied = errors.New("browser: microphone unavailable")
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
	inputFrameBuffer    = 32
	commandBuffer       = 8
)

// Option configures a [Terminal].
type Option func(*Terminal)

// WithWriteTimeout bounds every WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Terminal) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for per-frame diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Terminal) {
		if l != nil {
			t.log = l
		}
	}
}

// Terminal is one connected browser. It implements [audio.Device].
//
// Terminal is safe for concurrent use. [Terminal.Run] must be running for
// input, replies and commands to be delivered.
type Terminal struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	input    *inputStream
	awaiting chan envelope // non-nil while OpenInput waits for a reply
	commands chan Command
	closed   bool
}

// New wraps an accepted WebSocket connection. Call [Terminal.Run] to start
// reading from it.
func New(conn *websocket.Conn, opts ...Option) *Terminal {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		commands:     make(chan Command, commandBuffer),
	}
	for _, o := range opts {
		o(t)
	}
	conn.SetReadLimit(defaultReadLimit)
	return t
}

// Commands returns the channel of user commands. It is closed when the
// terminal shuts down.
func (t *Terminal) Commands() <-chan Command { return t.commands }

// Done is closed when the terminal shuts down.
func (t *Terminal) Done() <-chan struct{} { return t.ctx.Done() }

// Run reads from the WebSocket until ctx ends or the browser disconnects, then
// shuts the terminal down. It returns nil on a normal close.
func (t *Terminal) Run(ctx context.Context) error {
	defer t.shutdown()

	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil || t.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("browser: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			t.handleAudio(data)
		case websocket.MessageText:
			t.handleText(data)
		}
	}
}

// Close closes the WebSocket. It is safe to call more than once.
func (t *Terminal) Close() error {
	t.shutdown()
	return nil
}

// SendJSON writes v as a JSON text frame.
func (t *Terminal) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser: marshal: %w", err)
	}
	return t.write(ctx, websocket.MessageText, data)
}

// OpenInput implements [audio.Microphone]. It asks the browser for microphone
// access and waits for its answer. The returned stream delivers frames already
// converted to f.
func (t *Terminal) OpenInput(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	reply := make(chan envelope, 1)

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return nil, ErrClosed
	case t.input != nil || t.awaiting != nil:
		t.mu.Unlock()
		return nil, ErrInputBusy
	}
	t.awaiting = reply
	t.mu.Unlock()

	clearAwaiting := func() {
		t.mu.Lock()
		if t.awaiting == reply {
			t.awaiting = nil
		}
		t.mu.Unlock()
	}

	req := envelope{Type: TypeOpenInput, SampleRate: f.SampleRate, Channels: f.Channels}
	if err := t.SendJSON(ctx, req); err != nil {
		clearAwaiting()
		return nil, err
	}

	select {
	case <-ctx.Done():
		clearAwaiting()
		return nil, ctx.Err()
	case <-t.ctx.Done():
		clearAwaiting()
		return nil, ErrClosed
	case env := <-reply:
		if env.Type == TypeInputError {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, env.Error)
		}
		src := audio.Format{SampleRate: env.SampleRate, Channels: env.Channels}
		if src.SampleRate <= 0 {
			src.SampleRate = f.SampleRate
		}
		if src.Channels <= 0 {
			src.Channels = 1
		}
		return t.attachInput(src, f)
	}
}

// OpenOutput implements [audio.Speaker]. It tells the browser the playback
// format; frames written to the stream are sent as binary frames.
func (t *Terminal) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputStream, error) {
	req := envelope{Type: TypeOpenOutput, SampleRate: f.SampleRate, Channels: f.Channels}
	if err := t.SendJSON(ctx, req); err != nil {
		return nil, err
	}
	return &outputStream{t: t}, nil
}

func (t *Terminal) handleText(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		t.log.Debug("browser: ignoring malformed message", "err", err)
		return
	}

	switch env.Type {
	case TypeInputOpened, TypeInputError:
		t.mu.Lock()
		reply := t.awaiting
		t.awaiting = nil
		t.mu.Unlock()
		if reply == nil {
			t.log.Debug("browser: unsolicited input reply", "type", env.Type)
			return
		}
		reply <- env
	case TypeStart, TypeStop:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return
		}
		select {
		case t.commands <- Command{Type: env.Type}:
		default:
			t.log.Warn("browser: command dropped, consumer is not keeping up", "type", env.Type)
		}
	default:
		t.log.Debug("browser: unknown message type", "type", env.Type)
	}
}

func (t *Terminal) handleAudio(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.input == nil {
		return
	}
	t.input.deliver(data)
}

func (t *Terminal) attachInput(src, dst audio.Format) (*inputStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	in := &inputStream{
		t:      t,
		src:    src,
		conv:   &audio.FormatConverter{Target: dst},
		frames: make(chan audio.AudioFrame, inputFrameBuffer),
	}
	t.input = in
	return in, nil
}

// detachInput is called by inputStream.Close. It closes the frame channel
// under t.mu so it never races with deliver.
func (t *Terminal) detachInput(in *inputStream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in.closed {
		return false
	}
	in.closed = true
	close(in.frames)
	if t.input == in {
		t.input = nil
	}
	return !t.closed
}

func (t *Terminal) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("browser: write: %w", err)
	}
	return nil
}

func (t *Terminal) shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if in := t.input; in != nil && !in.closed {
		in.closed = true
		close(in.frames)
	}
	t.input = nil
	t.awaiting = nil
	close(t.commands)
	t.mu.Unlock()

	t.cancel()
	t.conn.Close(websocket.StatusNormalClosure, "terminal closed")
}
