// Package app wires all omnisuite subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the panel service, the
// web handlers, the health checks and the metrics endpoint; Run serves until
// its context ends; Shutdown stops voice sessions and drains the server.
//
// For testing, inject a listener and test doubles through functional options
// and [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/omnisuite/internal/config"
	"github.com/MrWong99/omnisuite/internal/health"
	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/internal/panel"
	"github.com/MrWong99/omnisuite/internal/resilience"
	"github.com/MrWong99/omnisuite/internal/visualizer"
	"github.com/MrWong99/omnisuite/internal/voice"
	"github.com/MrWong99/omnisuite/internal/web"
	"github.com/MrWong99/omnisuite/pkg/audio"
	"github.com/MrWong99/omnisuite/pkg/audio/analyser"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

// DefaultShutdownTimeout bounds the drain started by [App.Run] when its
// context ends.
const DefaultShutdownTimeout = 10 * time.Second

// Providers holds one interface value per backend. Populated by main.go via
// the config registry.
type Providers struct {
	Live   live.Transport
	Assist assist.Provider
}

// configured is implemented by backends that can tell whether they hold a
// credential.
type configured interface {
	Configured() bool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	level    *slog.LevelVar
	listener net.Listener

	// Subsystems, initialised in New.
	panel    *panel.Service
	sessions *SessionManager
	web      *web.Server
	health   *health.Handler
	server   *http.Server

	// voice holds the reloadable voice settings applied to new sessions.
	voice atomic.Pointer[config.VoiceConfig]

	// baseCancel ends the context of every request, including hijacked
	// WebSockets that http.Server.Shutdown does not track.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable that configuration reloads adjust.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run at the end of Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Live == nil || providers.Assist == nil {
		return nil, errors.New("app: live and assist providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}
	v := cfg.Voice
	a.voice.Store(&v)
	a.baseCtx, a.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Panel service ─────────────────────────────────────────────────
	a.panel = panel.New(providers.Assist,
		panel.WithConfig(panelConfig(cfg.Assist)),
		panel.WithMetrics(a.metrics),
	)

	// ── 2. Voice session tracking ────────────────────────────────────────
	a.sessions = NewSessionManager()

	// ── 3. Web handlers ──────────────────────────────────────────────────
	a.web = web.New(a.panel, providers.Live,
		web.WithVoiceOptions(a.voiceOptions),
		web.WithVisualizer(cfg.Visualizer.FPS, visualizer.WithWavePoints(cfg.Visualizer.WavePoints)),
		web.WithTracker(a.sessions),
		web.WithMaxBodyBytes(bodyLimit(cfg.Assist.MaxImageBytes)),
		web.WithMetrics(a.metrics),
	)

	// ── 4. Health checks ─────────────────────────────────────────────────
	a.health = health.New(
		health.Credential("gemini_api_key", a.credentialConfigured),
		health.Checker{Name: "assist_circuit", Optional: true, Check: a.checkBreakers},
	)

	// ── 5. HTTP server ───────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.web.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           web.RequestID(observe.Middleware(a.metrics)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Sessions returns the tracker of attached voice sessions.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts down within
// [DefaultShutdownTimeout]. It returns the first serve or shutdown error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration.
// It has the signature of a [config.Watcher] callback.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		v := next.Voice
		cur := a.voice.Load()
		v.InputSampleRate, v.OutputSampleRate = cur.InputSampleRate, cur.OutputSampleRate
		v.BlockSize, v.SetupTimeout = cur.BlockSize, cur.SetupTimeout
		a.voice.Store(&v)
		slog.Info("voice settings changed; new sessions use them", "voice", v.VoiceName)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "keys", d.RestartRequired)
	}
}

// voiceOptions builds the options of a new voice session from the current
// settings.
func (a *App) voiceOptions() []voice.Option {
	v := a.voice.Load()
	return []voice.Option{
		voice.WithModel(a.cfg.Gemini.LiveModel),
		voice.WithVoice(v.VoiceName),
		voice.WithInstructions(v.Instructions),
		voice.WithFormats(
			audio.Format{SampleRate: v.InputSampleRate, Channels: 1},
			audio.Format{SampleRate: v.OutputSampleRate, Channels: 1},
		),
		voice.WithBlockSize(v.BlockSize),
		voice.WithInputGain(float32(v.InputGain)),
		voice.WithSetupTimeout(v.SetupTimeout),
		voice.WithAnalyserOptions(
			analyser.WithFFTSize(a.cfg.Visualizer.FFTSize),
			analyser.WithSmoothing(a.cfg.Visualizer.Smoothing),
		),
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) credentialConfigured() bool {
	for _, p := range []any{a.providers.Live, a.providers.Assist} {
		if c, ok := p.(configured); ok && !c.Configured() {
			return false
		}
	}
	return true
}

func (a *App) checkBreakers(context.Context) error {
	var errs []error
	for _, op := range []string{panel.OpEmailAnalysis, panel.OpImageEdit} {
		if st := a.panel.Breaker(op); st == resilience.StateOpen {
			errs = append(errs, fmt.Errorf("%s circuit %s", op, st))
		}
	}
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every voice session, drains the HTTP server and runs the
// registered closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "voice_sessions", a.sessions.Count(), "closers", len(a.closers))

		// Stop voice first so remote sessions are closed while the
		// browsers are still attached.
		for _, info := range a.sessions.List() {
			slog.Debug("stopping voice session", "terminal_id", info.TerminalID, "status", info.State.Status)
		}
		a.sessions.StopAll()
		a.baseCancel()

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to a slog.Level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// panelConfig converts the assist section to a panel.Config.
func panelConfig(c config.AssistConfig) panel.Config {
	return panel.Config{
		MaxAttempts:     c.MaxRetries,
		BaseBackoff:     c.BaseBackoff,
		MaxBackoff:      c.MaxBackoff,
		RateInterval:    c.RateInterval,
		Timeout:         c.Timeout,
		MaxImageBytes:   c.MaxImageBytes,
		BreakerFailures: c.BreakerFailures,
		BreakerReset:    c.BreakerReset,
	}
}

// bodyLimit is the request body size that fits a base64 data URI of an image
// of maxImage bytes plus the JSON around it.
func bodyLimit(maxImage int) int64 {
	if maxImage <= 0 {
		return web.DefaultMaxBodyBytes
	}
	return int64(maxImage)/3*4 + 64<<10
}
