package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIKey     = "GEMINI_API_KEY"
	EnvListenAddr = "OMNISUITE_LISTEN_ADDR"
)

// ValidProviderNames lists known provider names per role. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini-live"},
	"assist": {"gemini"},
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Providers.Live, "gemini-live")
	setDefault(&cfg.Providers.Assist, "gemini")

	setDefault(&cfg.Gemini.LiveModel, "gemini-2.0-flash-exp")
	setDefault(&cfg.Gemini.TextModel, "gemini-2.0-flash-exp")
	setDefault(&cfg.Gemini.ImageModel, "gemini-2.0-flash-exp")

	setDefault(&cfg.Voice.VoiceName, "Puck")
	setDefault(&cfg.Voice.Instructions, "You are a helpful, conversational AI assistant. Keep responses concise and engaging.")
	setDefault(&cfg.Voice.InputSampleRate, 16000)
	setDefault(&cfg.Voice.OutputSampleRate, 24000)
	setDefault(&cfg.Voice.BlockSize, 4096)
	setDefault(&cfg.Voice.InputGain, 1.0)
	setDefault(&cfg.Voice.SetupTimeout, 15*time.Second)

	setDefault(&cfg.Assist.MaxRetries, 3)
	setDefault(&cfg.Assist.BaseBackoff, time.Second)
	setDefault(&cfg.Assist.MaxBackoff, 8*time.Second)
	setDefault(&cfg.Assist.RateInterval, time.Second)
	setDefault(&cfg.Assist.Timeout, 30*time.Second)
	setDefault(&cfg.Assist.MaxImageBytes, 10<<20)
	setDefault(&cfg.Assist.BreakerFailures, 5)
	setDefault(&cfg.Assist.BreakerReset, 30*time.Second)

	setDefault(&cfg.Visualizer.FPS, 30)
	setDefault(&cfg.Visualizer.FFTSize, 64)
	setDefault(&cfg.Visualizer.Smoothing, 0.8)
	setDefault(&cfg.Visualizer.WavePoints, 300)

	setDefault(&cfg.Telemetry.ServiceName, "omnisuite")
	setDefault(&cfg.Telemetry.TraceSampleRatio, 1.0)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ApplyEnv overrides file values with environment variables found by
// lookup (normally [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Gemini.APIKey = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns the validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("live", cfg.Providers.Live)
	validateProviderName("assist", cfg.Providers.Assist)

	// Gemini
	if cfg.Gemini.APIKey == "" {
		slog.Warn("no Gemini API key configured; voice, email and image features will report it as missing",
			"env", EnvAPIKey)
	}
	for name, raw := range map[string]string{"gemini.base_url": cfg.Gemini.BaseURL, "gemini.live_url": cfg.Gemini.LiveURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}

	// Voice
	v := cfg.Voice
	if v.InputSampleRate < 0 || v.OutputSampleRate < 0 {
		errs = append(errs, errors.New("voice sample rates must be positive"))
	}
	if v.BlockSize != 0 && !powerOfTwoIn(v.BlockSize, 256, 16384) {
		errs = append(errs, fmt.Errorf("voice.block_size %d must be a power of two in [256, 16384]", v.BlockSize))
	}
	if v.InputGain < 0 || v.InputGain > 8 {
		errs = append(errs, fmt.Errorf("voice.input_gain %.2f is out of range [0, 8]", v.InputGain))
	}
	if v.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.setup_timeout %v is negative", v.SetupTimeout))
	}

	// Assist
	a := cfg.Assist
	if a.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("assist.max_retries %d is negative", a.MaxRetries))
	}
	if a.MaxBackoff != 0 && a.MaxBackoff < a.BaseBackoff {
		errs = append(errs, fmt.Errorf("assist.max_backoff %v is below assist.base_backoff %v", a.MaxBackoff, a.BaseBackoff))
	}
	if a.MaxImageBytes < 0 {
		errs = append(errs, fmt.Errorf("assist.max_image_bytes %d is negative", a.MaxImageBytes))
	}

	// Visualizer
	vz := cfg.Visualizer
	if vz.FFTSize != 0 && !powerOfTwoIn(vz.FFTSize, 32, 32768) {
		errs = append(errs, fmt.Errorf("visualizer.fft_size %d must be a power of two in [32, 32768]", vz.FFTSize))
	}
	if vz.Smoothing < 0 || vz.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("visualizer.smoothing %.2f is out of range [0, 1)", vz.Smoothing))
	}
	if vz.FPS < 0 || vz.FPS > 120 {
		errs = append(errs, fmt.Errorf("visualizer.fps %d is out of range [1, 120]", vz.FPS))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func powerOfTwoIn(n, lo, hi int) bool {
	return n >= lo && n <= hi && bits.OnesCount(uint(n)) == 1
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given role.
func validateProviderName(role, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[role]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"role", role,
		"name", name,
		"known", known,
	)
}
