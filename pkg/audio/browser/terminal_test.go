package browser_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/omnisuite/pkg/audio"
	"github.com/MrWong99/omnisuite/pkg/audio/browser"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// harness connects a fake browser (client) to a Terminal (server side).
type harness struct {
	term   *browser.Terminal
	client *websocket.Conn
	runErr chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	termCh := make(chan *browser.Terminal, 1)
	runErr := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		term := browser.New(conn, browser.WithWriteTimeout(time.Second))
		termCh <- term
		runErr <- term.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case term := <-termCh:
		t.Cleanup(func() {
			client.Close(websocket.StatusNormalClosure, "")
			_ = term.Close()
		})
		return &harness{term: term, client: client, runErr: runErr}
	case <-time.After(3 * time.Second):
		client.Close(websocket.StatusInternalError, "")
		t.Fatal("terminal not created")
		return nil
	}
}

func (h *harness) readJSON(t *testing.T) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, data, err := h.client.Read(ctx)
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m
	}
}

func (h *harness) readBinary(t *testing.T) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, data, err := h.client.Read(ctx)
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		if typ == websocket.MessageBinary {
			return data
		}
	}
}

func (h *harness) send(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.client.Write(ctx, typ, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (h *harness) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	h.send(t, websocket.MessageText, data)
}

type openResult struct {
	stream audio.InputStream
	err    error
}

func (h *harness) openInputAsync(ctx context.Context) <-chan openResult {
	res := make(chan openResult, 1)
	go func() {
		s, err := h.term.OpenInput(ctx, audio.CaptureFormat)
		res <- openResult{s, err}
	}()
	return res
}

// ── OpenInput ─────────────────────────────────────────────────────────────────

func TestOpenInput_GrantedConvertsToRequestedFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.openInputAsync(context.Background())

	req := h.readJSON(t)
	if req["type"] != browser.TypeOpenInput || req["sample_rate"] != float64(16000) {
		t.Fatalf("request = %v; want open_input at 16000", req)
	}
	h.sendJSON(t, map[string]any{"type": browser.TypeInputOpened, "sample_rate": 48000, "channels": 1})

	r := <-res
	if r.err != nil {
		t.Fatalf("OpenInput: %v", r.err)
	}
	defer r.stream.Close()

	// 480 samples at 48 kHz arrive as 160 samples at 16 kHz.
	h.send(t, websocket.MessageBinary, make([]byte, 960))
	select {
	case f := <-r.stream.Frames():
		if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != 320 {
			t.Errorf("frame = %dHz/%dch %d bytes; want 16000Hz/1ch 320 bytes", f.SampleRate, f.Channels, len(f.Data))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestOpenInput_Denied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.openInputAsync(context.Background())

	h.readJSON(t)
	h.sendJSON(t, map[string]any{"type": browser.TypeInputError, "error": "NotAllowedError"})

	r := <-res
	if !errors.Is(r.err, browser.ErrPermissionDenied) {
		t.Fatalf("err = %v; want ErrPermissionDenied", r.err)
	}
	if !strings.Contains(r.err.Error(), "NotAllowedError") {
		t.Errorf("err = %v; should carry the browser reason", r.err)
	}
}

func TestOpenInput_ContextTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := h.openInputAsync(ctx)
	h.readJSON(t)
	r := <-res
	if !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want DeadlineExceeded", r.err)
	}

	// A later attempt is not blocked by the abandoned one.
	res = h.openInputAsync(context.Background())
	h.readJSON(t)
	h.sendJSON(t, map[string]any{"type": browser.TypeInputOpened, "sample_rate": 16000})
	if r := <-res; r.err != nil {
		t.Fatalf("second OpenInput: %v", r.err)
	}
}

func TestOpenInput_Busy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.openInputAsync(context.Background())
	h.readJSON(t)
	h.sendJSON(t, map[string]any{"type": browser.TypeInputOpened, "sample_rate": 16000})
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}

	if _, err := h.term.OpenInput(context.Background(), audio.CaptureFormat); !errors.Is(err, browser.ErrInputBusy) {
		t.Errorf("err = %v; want ErrInputBusy", err)
	}

	if err := r.stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if msg := h.readJSON(t); msg["type"] != browser.TypeCloseInput {
		t.Errorf("message = %v; want close_input", msg)
	}
	if _, ok := <-r.stream.Frames(); ok {
		t.Error("frame channel should be closed")
	}
	_ = r.stream.Close()
}

// ── Output ────────────────────────────────────────────────────────────────────

func TestOpenOutput_WritesBinaryFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	out, err := h.term.OpenOutput(context.Background(), audio.PlaybackFormat)
	if err != nil {
		t.Fatal(err)
	}
	if msg := h.readJSON(t); msg["type"] != browser.TypeOpenOutput || msg["sample_rate"] != float64(24000) {
		t.Fatalf("message = %v; want open_output at 24000", msg)
	}

	pcm := []byte{1, 0, 2, 0}
	if err := out.Write(audio.AudioFrame{Data: pcm, SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatal(err)
	}
	if got := h.readBinary(t); string(got) != string(pcm) {
		t.Errorf("binary = %v; want %v", got, pcm)
	}

	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	_ = out.Close()
	if err := out.Write(audio.AudioFrame{Data: pcm}); !errors.Is(err, browser.ErrClosed) {
		t.Errorf("Write after Close err = %v; want ErrClosed", err)
	}
}

// ── Commands & lifecycle ──────────────────────────────────────────────────────

func TestCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sendJSON(t, map[string]any{"type": "start"})
	h.send(t, websocket.MessageText, []byte("not json"))
	h.sendJSON(t, map[string]any{"type": "stop"})

	for _, want := range []string{browser.TypeStart, browser.TypeStop} {
		select {
		case cmd := <-h.term.Commands():
			if cmd.Type != want {
				t.Errorf("command = %q; want %q", cmd.Type, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRun_ClientDisconnectShutsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res := h.openInputAsync(context.Background())
	h.readJSON(t)
	h.sendJSON(t, map[string]any{"type": browser.TypeInputOpened, "sample_rate": 16000})
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}

	h.client.Close(websocket.StatusNormalClosure, "bye")

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v; want nil on normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	<-h.term.Done()
	if _, ok := <-h.term.Commands(); ok {
		t.Error("commands channel should be closed")
	}
	for range r.stream.Frames() {
	}
	if _, err := h.term.OpenInput(context.Background(), audio.CaptureFormat); !errors.Is(err, browser.ErrClosed) {
		t.Errorf("OpenInput after close err = %v; want ErrClosed", err)
	}
}

func TestSendJSON(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.term.SendJSON(context.Background(), map[string]string{"type": "status", "status": "connected"}); err != nil {
		t.Fatal(err)
	}
	if msg := h.readJSON(t); msg["status"] != "connected" {
		t.Errorf("message = %v", msg)
	}
}
