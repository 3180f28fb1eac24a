// Package gemini implements [live.Transport] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol: a setup message, acknowledged by setupComplete, followed by
// realtimeInput media chunks upstream and serverContent downstream. Audio
// stays base64-encoded in both directions; decoding is left to the caller.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/omnisuite/pkg/provider"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

// Compile-time assertions that Transport and conn satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Conn = (*conn)(nil)

// Defaults used when no option overrides them.
const (
	DefaultModel   = "gemini-2.0-flash-exp"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	eventBuffer       = 64
	readLimit         = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default model used when [live.Config.Model] is empty.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithWriteTimeout bounds each outbound message.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements [live.Transport] for Gemini Live.
type Transport struct {
	apiKey       string
	model        string
	baseURL      string
	writeTimeout time.Duration
	httpClient   *http.Client
}

// New creates a Gemini Live Transport with the given API key and options. An
// empty key is accepted here; Open reports it.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:       apiKey,
		model:        DefaultModel,
		baseURL:      DefaultBaseURL,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Configured reports whether the Transport holds a credential.
func (t *Transport) Configured() bool { return t.apiKey != "" }

// Open dials Gemini Live and sends the setup message built from cfg. The
// returned Conn emits [live.EventOpened] when setupComplete arrives.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	if t.apiKey == "" {
		return nil, provider.ErrConfigurationMissing
	}

	wsURL := t.baseURL + bidiPath + "?key=" + url.QueryEscape(t.apiKey)
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:           ws,
		writeTimeout: t.writeTimeout,
		events:       make(chan live.Event, eventBuffer),
		ctx:          connCtx,
		cancel:       cancel,
	}

	model := cfg.Model
	if model == "" {
		model = t.model
	}
	if err := c.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()
	return c, nil
}

func buildSetup(model string, cfg live.Config) setupMessage {
	modalities := make([]string, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, string(m))
	}
	if len(modalities) == 0 {
		modalities = append(modalities, string(live.ModalityAudio))
	}

	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model:            model,
			GenerationConfig: generationConfig{ResponseModalities: modalities},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

var errConnClosed = errors.New("gemini: session closed")

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	events       chan live.Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it on exit.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Closed locally: no terminal event.
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.emit(live.Event{Type: live.EventClosed})
			default:
				c.emit(live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			c.shutdown()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}

		if msg.Error != nil {
			text := msg.Error.Message
			if text == "" {
				text = "unknown error"
			}
			c.emit(live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: %s (code %d)", text, msg.Error.Code)})
			c.shutdown()
			return
		}
		if msg.SetupComplete != nil {
			c.emit(live.Event{Type: live.EventOpened})
		}
		if msg.ServerContent != nil {
			for _, m := range toMessages(msg.ServerContent) {
				c.emit(live.Event{Type: live.EventMessage, Message: m})
			}
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
	}
}

// toMessages splits serverContent into one Message per audio part. The
// interruption flag and transcripts ride on the first message so that an
// interruption is always seen before any audio of the same server message.
func toMessages(sc *serverContent) []*live.Message {
	first := &live.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.InputTranscription != nil {
		first.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		first.OutputTranscript = sc.OutputTranscription.Text
	}

	out := []*live.Message{first}
	if sc.ModelTurn == nil {
		return out
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		m := out[len(out)-1]
		if m.AudioBase64 != "" {
			m = &live.Message{}
			out = append(out, m)
		}
		m.AudioBase64 = p.InlineData.Data
		m.AudioMIMEType = p.InlineData.MIMEType
	}
	return out
}

func (c *conn) emit(ev live.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// shutdown marks the conn closed after a remote close or error and stops the
// keepalive loop.
func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.ws.CloseNow()
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// Events returns the inbound event stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// SendInput writes one realtimeInput message carrying chunk.
func (c *conn) SendInput(chunk live.Chunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}

	mime := chunk.MIMEType
	if mime == "" {
		mime = live.InputMIMEType
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mime, Data: chunk.Data}},
		},
	}
	return c.writeJSON(c.ctx, msg)
}

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel() // unblocks receiveLoop and keepaliveLoop
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
