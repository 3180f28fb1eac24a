// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for omnisuite.
package config

import "time"

// LogLevel controls log verbosity for the omnisuite server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for omnisuite.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Voice      VoiceConfig      `yaml:"voice"`
	Assist     AssistConfig     `yaml:"assist"`
	Visualizer VisualizerConfig `yaml:"visualizer"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// Overridden by OMNISUITE_LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS. Browsers only
// grant microphone access to secure origins, so anything but localhost
// needs it.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the registered backend for each role by name; see
// [Registry].
type ProvidersConfig struct {
	// Live is the realtime voice transport. Default: "gemini-live".
	Live string `yaml:"live"`

	// Assist serves the email and image panels. Default: "gemini".
	Assist string `yaml:"assist"`
}

// GeminiConfig holds the Gemini credential and endpoints.
type GeminiConfig struct {
	// APIKey authenticates every call. Overridden by GEMINI_API_KEY. When
	// empty the server still starts, but every AI feature reports that the
	// key is missing.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the generateContent endpoint.
	BaseURL string `yaml:"base_url"`

	// LiveURL overrides the realtime WebSocket endpoint.
	LiveURL string `yaml:"live_url"`

	LiveModel  string `yaml:"live_model"`
	TextModel  string `yaml:"text_model"`
	ImageModel string `yaml:"image_model"`
}

// VoiceConfig tunes voice sessions. VoiceName and Instructions are
// hot-reloadable and apply to sessions started after the change.
type VoiceConfig struct {
	VoiceName        string        `yaml:"voice_name"`
	Instructions     string        `yaml:"instructions"`
	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	BlockSize        int           `yaml:"block_size"`
	InputGain        float64       `yaml:"input_gain"`
	SetupTimeout     time.Duration `yaml:"setup_timeout"`
}

// AssistConfig tunes the email and image panels.
type AssistConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RateInterval    time.Duration `yaml:"rate_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxImageBytes   int           `yaml:"max_image_bytes"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// VisualizerConfig tunes the audio visualizer feed.
type VisualizerConfig struct {
	FPS        int     `yaml:"fps"`
	FFTSize    int     `yaml:"fft_size"`
	Smoothing  float64 `yaml:"smoothing"`
	WavePoints int     `yaml:"wave_points"`
}

// TelemetryConfig configures the OpenTelemetry resource and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces that are sampled.
	// Requests that carry a sampled parent are always traced. Default 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
