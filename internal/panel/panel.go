// Package panel runs the one-shot email and image operations behind the web
// panels. Every operation is validated, rate limited per operation, retried
// with capped exponential backoff and guarded by a circuit breaker before
// reaching the [assist.Provider].
package panel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/internal/resilience"
	"github.com/MrWong99/omnisuite/pkg/provider"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
)

// Operation names, used as rate-limit keys and metric attributes.
const (
	OpEmailAnalysis = "email-analysis"
	OpImageEdit     = "image-edit"
)

// ErrInvalidDataURI is returned for an image payload that is not a base64
// data URI.
var ErrInvalidDataURI = errors.New("image must be a base64 data URI")

// Config tunes a [Service]. Zero fields take the defaults listed.
type Config struct {
	MaxAttempts     int           // 3
	BaseBackoff     time.Duration // 1s
	MaxBackoff      time.Duration // 8s
	RateInterval    time.Duration // 1s between calls of one operation
	Timeout         time.Duration // 30s per provider call
	MaxImageBytes   int           // assist.MaxImageBytes
	BreakerFailures int           // 5
	BreakerReset    time.Duration // 30s
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.RateInterval <= 0 {
		c.RateInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = assist.MaxImageBytes
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Service)

// WithConfig replaces the tuning parameters.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// configured is implemented by providers that know whether they hold a
// credential.
type configured interface {
	Configured() bool
}

// guard bundles the per-operation rate limiter and breaker.
type guard struct {
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// Service runs panel operations. It is safe for concurrent use.
type Service struct {
	provider assist.Provider
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	guards   map[string]*guard
}

// New creates a Service in front of p.
func New(p assist.Provider, opts ...Option) *Service {
	s := &Service{provider: p}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.guards = make(map[string]*guard, 2)
	for _, op := range []string{OpEmailAnalysis, OpImageEdit} {
		s.guards[op] = &guard{
			limiter: rate.NewLimiter(rate.Every(s.cfg.RateInterval), 1),
			breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:         op,
				MaxFailures:  s.cfg.BreakerFailures,
				ResetTimeout: s.cfg.BreakerReset,
				IsFailure:    backendFault,
				Logger:       s.log,
			}),
		}
	}
	return s
}

// Breaker returns the state of the breaker guarding op.
func (s *Service) Breaker(op string) resilience.State {
	if g, ok := s.guards[op]; ok {
		return g.breaker.State()
	}
	return resilience.StateClosed
}

// Presets returns the quick-action instructions of the image panel.
func (s *Service) Presets() []assist.QuickAction { return assist.QuickActions() }

// AnalyzeEmail classifies text.
func (s *Service) AnalyzeEmail(ctx context.Context, text string) (*assist.EmailReport, error) {
	return run(ctx, s, OpEmailAnalysis, func() error {
		return assist.ValidateEmail(text)
	}, func(ctx context.Context) (*assist.EmailReport, error) {
		return s.provider.AnalyzeText(ctx, text)
	})
}

// ImageEdit is the result of [Service.EditImage].
type ImageEdit struct {
	DataURI   string    `json:"dataUri"`
	MIMEType  string    `json:"mimeType"`
	Edited    bool      `json:"edited"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EditImage applies req.Instruction to req.Image.
func (s *Service) EditImage(ctx context.Context, req assist.ImageEditRequest) (*ImageEdit, error) {
	res, err := run(ctx, s, OpImageEdit, func() error {
		return assist.ValidateImage(req, s.cfg.MaxImageBytes)
	}, func(ctx context.Context) (*assist.ImageResult, error) {
		return s.provider.EditImage(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Data) == 0 {
		return nil, assist.ErrInvalidResponse
	}
	mime := res.MIMEType
	if mime == "" {
		mime = req.MIMEType
	}
	return &ImageEdit{
		DataURI:   FormatDataURI(mime, res.Data),
		MIMEType:  mime,
		Edited:    res.Edited,
		Text:      res.Text,
		Timestamp: time.Now(),
	}, nil
}

// run is the shared pipeline: credential check, validation, rate limit,
// then retried calls through the breaker.
func run[T any](ctx context.Context, s *Service, op string, validate func() error, call func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "panel."+op, trace.WithAttributes(observe.Attr("op", op)))
	log := observe.Logger(ctx).With("op", op)

	res, err := func() (T, error) {
		if c, ok := s.provider.(configured); ok && !c.Configured() {
			return zero, provider.ErrConfigurationMissing
		}
		if err := validate(); err != nil {
			return zero, err
		}
		g := s.guards[op]
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("panel: %s: %w", op, err)
		}
		return resilience.Retry(ctx, resilience.RetryConfig{
			MaxAttempts: s.cfg.MaxAttempts,
			BaseDelay:   s.cfg.BaseBackoff,
			MaxDelay:    s.cfg.MaxBackoff,
			Retryable:   retryable,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				s.metrics.RecordPanelRetry(ctx, op)
				log.Warn("panel call failed, retrying", "attempt", attempt, "wait", wait, "err", err)
			},
		}, func(ctx context.Context) (T, error) {
			return resilience.Do(g.breaker, func() (T, error) {
				ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
				defer cancel()
				return call(ctx)
			})
		})
	}()

	status := "ok"
	if err != nil {
		status = errorKind(err)
		if status != "invalid" {
			s.metrics.RecordProviderError(ctx, "assist", status)
			log.Error("panel operation failed", "err", err)
		}
	}
	observe.EndSpan(span, err, status)
	s.metrics.RecordPanelRequest(ctx, op, status, time.Since(start).Seconds())
	return res, err
}

// IsInvalid reports whether err was caused by the request itself.
func IsInvalid(err error) bool {
	return errors.Is(err, assist.ErrInvalidInput) ||
		errors.Is(err, assist.ErrUnsupportedImage) ||
		errors.Is(err, assist.ErrImageTooLarge) ||
		errors.Is(err, ErrInvalidDataURI)
}

// retryable excludes permanent, credential and caller errors.
func retryable(err error) bool {
	return !assist.Permanent(err) &&
		!errors.Is(err, provider.ErrConfigurationMissing) &&
		!errors.Is(err, provider.ErrAuthentication) &&
		!errors.Is(err, resilience.ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}

// backendFault reports whether err should count against the breaker.
func backendFault(err error) bool {
	return !IsInvalid(err) &&
		!errors.Is(err, provider.ErrConfigurationMissing) &&
		!errors.Is(err, provider.ErrAuthentication) &&
		!errors.Is(err, context.Canceled)
}

func errorKind(err error) string {
	switch {
	case IsInvalid(err):
		return "invalid"
	case errors.Is(err, provider.ErrConfigurationMissing):
		return "unconfigured"
	case errors.Is(err, provider.ErrAuthentication):
		return "auth"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// ParseDataURI splits "data:<mime>;base64,<payload>" into its MIME type and
// decoded bytes.
func ParseDataURI(uri string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, ErrInvalidDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidDataURI
	}
	mime, ok = strings.CutSuffix(meta, ";base64")
	if !ok || mime == "" {
		return "", nil, ErrInvalidDataURI
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return strings.ToLower(mime), data, nil
}

// FormatDataURI renders data as a base64 data URI.
func FormatDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
