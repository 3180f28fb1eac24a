// Package voice implements the realtime voice session: it captures the
// microphone, streams it to a live model, and plays the model's audio back
// gaplessly, honouring barge-in interruptions.
//
// A [Session] moves through four statuses:
//
//	disconnected → connecting → connected → disconnected
//	           (any) → error → disconnected
//
// [Session.Start] acquires the input device, the output graph and the
// transport, in that order, and returns once the model has acknowledged the
// session or start-up has failed. [Session.Stop] is the single cancellation
// primitive and may be called at any time from any goroutine. Every start
// attempt carries a generation number; completions that belong to an older
// generation are discarded and their resources released.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/pkg/audio"
	"github.com/MrWong99/omnisuite/pkg/audio/analyser"
	"github.com/MrWong99/omnisuite/pkg/audio/capture"
	"github.com/MrWong99/omnisuite/pkg/audio/playback"
	"github.com/MrWong99/omnisuite/pkg/provider"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

// Errors returned by [Session.Start] and recorded on failure. Device errors
// wrap [capture.ErrDeviceUnavailable]; a missing credential additionally
// wraps [provider.ErrConfigurationMissing].
var (
	ErrTransportOpen    = errors.New("voice: transport open failed")
	ErrTransportRuntime = errors.New("voice: transport failed")
)

// User-facing messages recorded in [State.Message].
const (
	msgDevice    = "Could not access microphone. Please check permissions."
	msgOpen      = "Failed to access microphone or connect."
	msgRuntime   = "Connection error occurred."
	msgNoConnect = "The voice service did not accept the session."
)

// Defaults used when no option overrides them.
const (
	DefaultVoice        = "Puck"
	DefaultInstructions = "You are a helpful, conversational AI assistant. Keep responses concise and engaging."
	DefaultSetupTimeout = 15 * time.Second
)

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the connection status of a [Session].
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Active reports whether a session in status s holds resources.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// State is a snapshot of a session.
type State struct {
	Status Status
	// Message is the last error message shown to the user. Empty unless
	// Status is [StatusError].
	Message string
	// ID identifies the current start attempt. Empty while disconnected.
	ID string
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithModel selects the live model. Empty keeps the transport default.
func WithModel(model string) Option {
	return func(s *Session) { s.cfg.Model = model }
}

// WithVoice sets the prebuilt voice. Defaults to [DefaultVoice].
func WithVoice(voice string) Option {
	return func(s *Session) {
		if voice != "" {
			s.cfg.Voice = voice
		}
	}
}

// WithInstructions sets the system instruction. Defaults to
// [DefaultInstructions].
func WithInstructions(text string) Option {
	return func(s *Session) {
		if text != "" {
			s.cfg.Instructions = text
		}
	}
}

// WithFormats overrides the capture and playback formats. Zero rates keep
// the defaults of 16 kHz in and 24 kHz out.
func WithFormats(in, out audio.Format) Option {
	return func(s *Session) {
		if in.SampleRate > 0 {
			s.inFormat = audio.Format{SampleRate: in.SampleRate, Channels: 1}
		}
		if out.SampleRate > 0 {
			s.outFormat = audio.Format{SampleRate: out.SampleRate, Channels: 1}
		}
	}
}

// WithBlockSize sets the capture block size in samples.
func WithBlockSize(n int) Option {
	return func(s *Session) { s.blockSize = n }
}

// WithInputGain multiplies captured samples by g before they are sent.
// Values <= 0 keep unity gain.
func WithInputGain(g float32) Option {
	return func(s *Session) {
		if g > 0 {
			s.gain = g
		}
	}
}

// WithSetupTimeout bounds the wait for the model to acknowledge a session.
func WithSetupTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.setupTimeout = d
		}
	}
}

// WithAnalyserOptions configures the input and output analysers exposed by
// [Session.Taps].
func WithAnalyserOptions(opts ...analyser.Option) Option {
	return func(s *Session) { s.analyserOpts = append(s.analyserOpts, opts...) }
}

// WithPlaybackPeriod sets the render quantum of the output graph.
func WithPlaybackPeriod(d time.Duration) Option {
	return func(s *Session) { s.period = d }
}

// WithMetrics records session metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the base logger. Each attempt adds its session_id.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is one user's voice conversation with a live model. The zero value
// is not usable; create sessions with [New].
//
// All exported methods are safe for concurrent use.
type Session struct {
	transport live.Transport
	device    audio.Device

	cfg          live.Config
	inFormat     audio.Format
	outFormat    audio.Format
	blockSize    int
	gain         float32
	setupTimeout time.Duration
	period       time.Duration
	analyserOpts []analyser.Option
	metrics      *observe.Metrics
	log          *slog.Logger

	mu      sync.Mutex
	status  Status
	message string
	gen     uint64
	att     *attempt

	listenMu  sync.Mutex
	listeners []func(State)
}

// New returns a disconnected session that talks to transport and uses device
// for capture and playback.
func New(transport live.Transport, device audio.Device, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		device:    device,
		cfg: live.Config{
			Modalities:   []live.Modality{live.ModalityAudio},
			Voice:        DefaultVoice,
			Instructions: DefaultInstructions,
		},
		inFormat:     audio.CaptureFormat,
		outFormat:    audio.PlaybackFormat,
		blockSize:    capture.DefaultBlockSize,
		gain:         1,
		setupTimeout: DefaultSetupTimeout,
		period:       playback.DefaultPeriod,
		metrics:      observe.DefaultMetrics(),
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current status snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{Status: s.status, Message: s.message}
	if s.att != nil {
		st.ID = s.att.id
	}
	return st
}

// OnStateChange registers fn to be called after every status change. fn runs
// on the goroutine that caused the change and receives the latest state;
// rapid successive changes may be observed once. fn must not block and must
// not call Start or Stop.
func (s *Session) OnStateChange(fn func(State)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) notify() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	st := s.State()
	for _, fn := range s.listeners {
		fn(st)
	}
}

// Taps returns the input and output analysers of the current attempt, or
// nils while no attempt is running.
func (s *Session) Taps() (in, out *analyser.Analyser) {
	s.mu.Lock()
	a := s.att
	s.mu.Unlock()
	if a == nil {
		return nil, nil
	}
	return a.taps()
}

// Start connects the session. It returns nil immediately if the session is
// already connecting or connected. Otherwise it blocks until the model has
// acknowledged the session, start-up failed, or [Session.Stop] was called.
//
// On failure the status becomes [StatusError], the message is recorded, all
// acquired resources are released and the cause is returned. A Start that
// was overtaken by Stop returns nil.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status.Active() {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	a := newAttempt(ctx, s.gen, s.log)
	s.att = a
	s.status = StatusConnecting
	s.message = ""
	s.mu.Unlock()
	s.notify()

	a.log.Info("voice: starting session")
	begin := time.Now()

	// Input device and analysis tap.
	capH, err := capture.Open(a.ctx, s.device,
		capture.WithFormat(s.inFormat),
		capture.WithBlockSize(s.blockSize),
		capture.WithGain(s.gain),
	)
	if err != nil {
		return s.fail(a, err)
	}
	inTap := analyser.New(s.analyserOpts...)
	capH.Tap(inTap)
	if !a.attachCapture(capH, inTap) {
		capH.Stop()
		return nil
	}

	// Output graph and analysis tap.
	out, err := s.device.OpenOutput(a.ctx, s.outFormat)
	if err != nil {
		return s.fail(a, fmt.Errorf("%w: output: %w", capture.ErrDeviceUnavailable, err))
	}
	outTap := analyser.New(s.analyserOpts...)
	graph := playback.NewGraph(s.outFormat, playback.WithTap(outTap), playback.WithPeriod(s.period))
	graph.Start(out)
	if !a.attachPlayback(graph, playback.NewScheduler(graph), outTap) {
		_ = graph.Close()
		return nil
	}

	// Transport.
	openCtx, cancel := context.WithTimeout(a.ctx, s.setupTimeout)
	defer cancel()

	conn, err := s.transport.Open(openCtx, s.cfg)
	if err != nil {
		return s.fail(a, fmt.Errorf("%w: %w", ErrTransportOpen, err))
	}
	if !a.attachConn(conn) {
		go closeConn(a.log, conn)
		return nil
	}

	if err := s.awaitOpened(openCtx, a, conn); err != nil {
		return s.fail(a, err)
	}

	s.mu.Lock()
	if s.gen != a.gen {
		s.mu.Unlock()
		a.release(true)
		return nil
	}
	s.status = StatusConnected
	a.markConnected(s.metrics)
	s.mu.Unlock()
	s.notify()

	s.metrics.VoiceSetupDuration.Record(ctx, time.Since(begin).Seconds())
	a.log.Info("voice: session connected", "setup", time.Since(begin))

	capH.Start(func(block []float32) { s.sendFrame(a, conn, block) })
	go s.eventLoop(a, conn)
	return nil
}

// awaitOpened consumes events until the transport reports the session open.
func (s *Session) awaitOpened(ctx context.Context, a *attempt, conn live.Conn) error {
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return fmt.Errorf("%w: connection ended during setup", ErrTransportOpen)
			}
			switch ev.Type {
			case live.EventOpened:
				return nil
			case live.EventError:
				return fmt.Errorf("%w: %w", ErrTransportOpen, ev.Err)
			case live.EventClosed:
				return fmt.Errorf("%w: closed during setup", ErrTransportOpen)
			default:
				a.log.Debug("voice: ignoring event before setup completed", "type", ev.Type)
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransportOpen, ctx.Err())
		}
	}
}

// Stop ends the session from any status. The status becomes disconnected
// immediately; the transport is closed in the background and every local
// resource is released before Stop returns. Stop is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	a := s.att
	prev := s.status
	s.att = nil
	s.gen++
	s.status = StatusDisconnected
	s.message = ""
	s.mu.Unlock()

	if prev != StatusDisconnected {
		s.notify()
	}
	if a != nil {
		a.log.Info("voice: session stopped", "from", prev)
		a.release(true)
	}
}

// fail records err for attempt a, moves to the error status and releases
// every resource. It returns err, or nil if a was already superseded.
func (s *Session) fail(a *attempt, err error) error {
	s.mu.Lock()
	if s.gen != a.gen {
		s.mu.Unlock()
		a.release(true)
		return nil
	}
	s.att = nil
	s.gen++
	s.status = StatusError
	s.message = userMessage(err)
	s.mu.Unlock()

	a.log.Error("voice: session failed", "err", err)
	s.metrics.RecordSessionError(context.Background(), errorKind(err))
	s.notify()
	a.release(true)
	return err
}

// closed handles a normal remote close of attempt a's transport.
func (s *Session) closed(a *attempt) {
	s.mu.Lock()
	if s.gen != a.gen {
		s.mu.Unlock()
		return
	}
	s.att = nil
	s.gen++
	s.status = StatusDisconnected
	s.mu.Unlock()

	a.log.Info("voice: connection closed by remote")
	s.notify()
	a.release(false)
}

// sendFrame runs on the capture goroutine: encode, base64, send.
func (s *Session) sendFrame(a *attempt, conn live.Conn, block []float32) {
	chunk := live.Chunk{
		Data:     audio.ToBase64(audio.EncodePCM16(block)),
		MIMEType: inputMIMEType(s.inFormat),
	}
	if err := conn.SendInput(chunk); err != nil {
		a.log.Debug("voice: dropping captured frame", "err", err)
		return
	}
	s.metrics.RecordFrameSent(context.Background(), audio.IsSilence(block, audio.DefaultSilenceThreshold))
}

// eventLoop delivers inbound events of attempt a in arrival order.
func (s *Session) eventLoop(a *attempt, conn live.Conn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case live.EventMessage:
			s.handleMessage(a, ev.Message)
		case live.EventClosed:
			s.closed(a)
			return
		case live.EventError:
			_ = s.fail(a, fmt.Errorf("%w: %w", ErrTransportRuntime, ev.Err))
			return
		}
	}
	// The stream ended without a terminal event: the conn was closed locally.
	s.closed(a)
}

// handleMessage applies an interruption before the message's audio.
func (s *Session) handleMessage(a *attempt, m *live.Message) {
	if m == nil {
		return
	}
	sched := a.scheduler()
	if sched == nil {
		return
	}
	ctx := context.Background()

	if m.Interrupted {
		sched.Interrupt()
		s.metrics.VoiceInterruptions.Add(ctx, 1)
		a.log.Debug("voice: playback interrupted")
	}
	if m.AudioBase64 == "" {
		return
	}

	raw, err := audio.FromBase64(m.AudioBase64)
	if err != nil {
		a.log.Warn("voice: dropping undecodable chunk", "stage", "base64", "err", err)
		s.metrics.RecordDecodeError(ctx, "base64")
		return
	}
	buf, err := audio.DecodePCM16(raw, s.outFormat.SampleRate, 1)
	if err != nil {
		a.log.Warn("voice: dropping undecodable chunk", "stage", "pcm", "err", err)
		s.metrics.RecordDecodeError(ctx, "pcm")
		return
	}
	if rate := mimeRate(m.AudioMIMEType); rate > 0 && rate != s.outFormat.SampleRate {
		buf.Samples = audio.Resample(buf.Samples, rate, s.outFormat.SampleRate)
	}
	at, err := sched.Enqueue(buf)
	if err != nil {
		if !errors.Is(err, playback.ErrClosed) {
			a.log.Warn("voice: dropping unplayable chunk", "err", err)
			s.metrics.RecordPlaybackError(ctx, playbackReason(err))
		}
		return
	}
	a.log.Debug("voice: chunk scheduled", "at", at, "duration", buf.Duration())
	s.metrics.VoiceChunksScheduled.Add(ctx, 1)
}

// ─── attempt ─────────────────────────────────────────────────────────────────

// attempt owns the resources of one Start. Resources are attached as they
// are acquired; attaching to a released attempt fails so the caller can
// release the resource itself.
type attempt struct {
	id     string
	gen    uint64
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	released  bool
	connected bool
	metrics   *observe.Metrics
	capture   *capture.Handle
	graph     *playback.Graph
	sched     *playback.Scheduler
	inTap     *analyser.Analyser
	outTap    *analyser.Analyser
	conn      live.Conn
}

func newAttempt(parent context.Context, gen uint64, log *slog.Logger) *attempt {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	return &attempt{
		id:     id,
		gen:    gen,
		log:    log.With("session_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *attempt) attachCapture(h *capture.Handle, tap *analyser.Analyser) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.capture, a.inTap = h, tap
	return true
}

func (a *attempt) attachPlayback(g *playback.Graph, sched *playback.Scheduler, tap *analyser.Analyser) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.graph, a.sched, a.outTap = g, sched, tap
	return true
}

func (a *attempt) attachConn(c live.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.conn = c
	return true
}

// markConnected is called with the session lock held.
func (a *attempt) markConnected(m *observe.Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.metrics = m
	m.ActiveSessions.Add(context.Background(), 1)
}

func (a *attempt) scheduler() *playback.Scheduler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	return a.sched
}

func (a *attempt) taps() (in, out *analyser.Analyser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, nil
	}
	return a.inTap, a.outTap
}

// release frees everything the attempt acquired. The transport is closed on
// its own goroutine when closeTransport is set. Idempotent.
func (a *attempt) release(closeTransport bool) {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	capH, graph, sched, conn := a.capture, a.graph, a.sched, a.conn
	if a.connected {
		a.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	a.mu.Unlock()

	a.cancel()
	if conn != nil && closeTransport {
		go closeConn(a.log, conn)
	}
	if capH != nil {
		capH.Stop()
	}
	if sched != nil {
		sched.Reset()
	}
	if graph != nil {
		a.log.Debug("voice: output released", "played", graph.Now())
		if err := graph.Close(); err != nil {
			a.log.Debug("voice: close output", "err", err)
		}
	}
}

func closeConn(log *slog.Logger, c live.Conn) {
	if err := c.Close(); err != nil {
		log.Debug("voice: close transport", "err", err)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func playbackReason(err error) string {
	if errors.Is(err, playback.ErrFormat) {
		return "format"
	}
	return "other"
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, provider.ErrConfigurationMissing):
		return provider.ErrConfigurationMissing.Error()
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return msgDevice
	case errors.Is(err, ErrTransportRuntime):
		return msgRuntime
	case errors.Is(err, context.DeadlineExceeded):
		return msgNoConnect
	default:
		return msgOpen
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, provider.ErrConfigurationMissing):
		return "config"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "device"
	case errors.Is(err, ErrTransportRuntime):
		return "runtime"
	default:
		return "open"
	}
}

// inputMIMEType describes captured audio at format f.
func inputMIMEType(f audio.Format) string {
	if f.SampleRate == audio.CaptureFormat.SampleRate {
		return live.InputMIMEType
	}
	return "audio/pcm;rate=" + strconv.Itoa(f.SampleRate)
}

// mimeRate extracts the rate parameter of an audio/pcm MIME type, or 0.
func mimeRate(mime string) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
