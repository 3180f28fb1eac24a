// Package web serves the browser-facing surface of omnisuite: the JSON panel
// API, the voice WebSocket and the embedded single-page frontend.
//
// Routes:
//
//	POST /api/email/analyze   {"text"}                          → EmailReport
//	POST /api/image/edit      {"dataUri","instruction","mimeType"} → ImageEdit
//	GET  /api/image/presets                                     → []QuickAction
//	GET  /ws/voice            WebSocket audio terminal
//	GET  /                    static frontend
//
// Every panel response is wrapped in an [Envelope].
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/internal/panel"
	"github.com/MrWong99/omnisuite/internal/visualizer"
	"github.com/MrWong99/omnisuite/internal/voice"
	"github.com/MrWong99/omnisuite/pkg/audio/browser"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

//go:embed static
var staticFS embed.FS

// DefaultMaxBodyBytes bounds panel request bodies. A 10 MiB image grows by a
// third when base64 encoded.
const DefaultMaxBodyBytes = 16 << 20

// Panel is the one-shot operation backend. [*panel.Service] implements it.
type Panel interface {
	AnalyzeEmail(ctx context.Context, text string) (*assist.EmailReport, error)
	EditImage(ctx context.Context, req assist.ImageEditRequest) (*panel.ImageEdit, error)
	Presets() []assist.QuickAction
}

// Tracker records the voice sessions that are currently attached to a
// browser. Track returns the function that forgets sess again.
type Tracker interface {
	Track(id, remote string, sess *voice.Session) (untrack func())
}

// Option configures a [Server].
type Option func(*Server)

// WithVoiceOptions sets the source of per-session voice options. fn is called
// once for every new WebSocket so that reloaded configuration applies to the
// next conversation.
func WithVoiceOptions(fn func() []voice.Option) Option {
	return func(s *Server) {
		if fn != nil {
			s.voiceOpts = fn
		}
	}
}

// WithVisualizer sets the frame rate and options of the per-connection
// visualizer. A non-positive fps disables visualizer frames.
func WithVisualizer(fps int, opts ...visualizer.Option) Option {
	return func(s *Server) {
		s.fps = fps
		s.vizOpts = opts
	}
}

// WithTerminalOptions passes options to every [browser.Terminal].
func WithTerminalOptions(opts ...browser.Option) Option {
	return func(s *Server) { s.termOpts = append(s.termOpts, opts...) }
}

// WithTracker registers every voice session with t.
func WithTracker(t Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithMaxBodyBytes bounds panel request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server holds the HTTP handlers. It is safe for concurrent use.
type Server struct {
	panel     Panel
	transport live.Transport

	voiceOpts      func() []voice.Option
	fps            int
	vizOpts        []visualizer.Option
	termOpts       []browser.Option
	tracker        Tracker
	originPatterns []string
	maxBody        int64
	metrics        *observe.Metrics
	log            *slog.Logger
}

// New returns a Server backed by p for the panels and transport for voice
// sessions.
func New(p Panel, transport live.Transport, opts ...Option) *Server {
	s := &Server{
		panel:     p,
		transport: transport,
		voiceOpts: func() []voice.Option { return nil },
		fps:       30,
		maxBody:   DefaultMaxBodyBytes,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/email/analyze", s.handleEmail)
	mux.HandleFunc("POST /api/image/edit", s.handleImage)
	mux.HandleFunc("GET /api/image/presets", s.handlePresets)
	mux.HandleFunc("GET /ws/voice", s.handleVoice)

	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err) // embedded at build time
	}
	mux.Handle("GET /", http.FileServerFS(sub))
}

// Handler returns a mux with every route registered, wrapped in
// [RequestID].
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return RequestID(mux)
}

// ─── Panels ──────────────────────────────────────────────────────────────────

type emailRequest struct {
	Text string `json:"text"`
}

type imageRequest struct {
	DataURI     string `json:"dataUri"`
	Instruction string `json:"instruction"`
	MIMEType    string `json:"mimeType"`
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.panel.AnalyzeEmail(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, r, report)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !s.decode(w, r, &req) {
		return
	}
	mime, data, err := panel.ParseDataURI(req.DataURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MIMEType != "" {
		mime = req.MIMEType
	}
	res, err := s.panel.EditImage(r.Context(), assist.ImageEditRequest{
		Image:       data,
		MIMEType:    mime,
		Instruction: req.Instruction,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, r, res)
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, s.panel.Presets())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		status := http.StatusBadRequest
		msg := "Invalid JSON body"
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
			msg = "Request body is too large"
		}
		writeEnvelope(w, r, status, Envelope{Error: msg})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("web: panel request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeEnvelope(w, r, status, Envelope{Error: msg})
}

// ─── Voice ───────────────────────────────────────────────────────────────────

type statusMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type frameMessage struct {
	Type string `json:"type"`
	visualizer.Frame
}

// handleVoice upgrades to a WebSocket and runs one voice session against the
// browser terminal until the browser disconnects.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.log.Warn("web: websocket accept failed", "err", err)
		return
	}

	log := observe.Logger(r.Context()).With("request_id", RequestIDFrom(r.Context()))
	term := browser.New(conn, append([]browser.Option{browser.WithLogger(log)}, s.termOpts...)...)
	opts := append([]voice.Option{voice.WithMetrics(s.metrics), voice.WithLogger(log)}, s.voiceOpts()...)
	sess := voice.New(s.transport, term, opts...)

	if s.tracker != nil {
		defer s.tracker.Track(RequestIDFrom(r.Context()), r.RemoteAddr, sess)()
	}
	s.metrics.ActiveTerminals.Add(r.Context(), 1)
	defer s.metrics.ActiveTerminals.Add(context.WithoutCancel(r.Context()), -1)

	log.Info("web: voice terminal connected")
	if err := s.serveTerminal(r.Context(), term, sess); err != nil {
		log.Warn("web: voice terminal ended with error", "err", err)
		return
	}
	log.Info("web: voice terminal disconnected")
}

// serveTerminal drives sess from term's commands and streams status and
// visualizer frames back until the terminal shuts down or ctx ends.
func (s *Server) serveTerminal(ctx context.Context, term *browser.Terminal, sess *voice.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states := make(chan voice.State, 1)
	sess.OnStateChange(func(st voice.State) { offerLatest(states, st) })

	var starts sync.WaitGroup
	defer starts.Wait()
	defer sess.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return term.Run(gctx)
	})

	g.Go(func() error {
		defer cancel()
		for cmd := range term.Commands() {
			switch cmd.Type {
			case browser.TypeStart:
				starts.Add(1)
				go func() {
					defer starts.Done()
					if err := sess.Start(gctx); err != nil {
						s.log.Debug("web: voice start failed", "err", err)
					}
				}()
			case browser.TypeStop:
				sess.Stop()
			}
		}
		return nil
	})

	g.Go(func() error {
		send := func(st voice.State) {
			_ = term.SendJSON(gctx, statusMessage{
				Type:      "status",
				Status:    st.Status.String(),
				Message:   st.Message,
				SessionID: st.ID,
			})
		}
		send(sess.State())
		for {
			select {
			case <-gctx.Done():
				return nil
			case st := <-states:
				send(st)
			}
		}
	})

	if s.fps > 0 {
		viz := visualizer.New(sess, s.vizOpts...)
		g.Go(func() error {
			viz.Run(gctx, s.fps, func(f visualizer.Frame) {
				if err := term.SendJSON(gctx, frameMessage{Type: "visualizer", Frame: f}); err != nil {
					s.log.Debug("web: visualizer frame dropped", "err", err)
				}
			})
			return nil
		})
	}

	return g.Wait()
}

// offerLatest puts st into ch, replacing a pending value that was not yet
// consumed.
func offerLatest(ch chan voice.State, st voice.State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

var _ Panel = (*panel.Service)(nil)
