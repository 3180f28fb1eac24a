// Command omnisuite is the main entry point for the omnisuite web server:
// email assistant, image editor and realtime voice assistant backed by Gemini.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/omnisuite/internal/app"
	"github.com/MrWong99/omnisuite/internal/config"
	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
	assistgemini "github.com/MrWong99/omnisuite/pkg/provider/assist/gemini"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
	livegemini "github.com/MrWong99/omnisuite/pkg/provider/live/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to a dotenv file with GEMINI_API_KEY; ignored when missing")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Environment file ──────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "omnisuite: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omnisuite: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("omnisuite starting",
		"version", version,
		"config", *configPath,
		"config_file_found", fromFile,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.Meters)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	slog.Debug("providers registered", "names", reg.Names())

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if fromFile && *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithEnv(os.LookupEnv))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing file is not an error: the defaults and
// environment are used instead, so that a bare GEMINI_API_KEY is enough to
// start the server.
func loadConfig(path string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg = config.Default()
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(cfg *config.Config) (live.Transport, error) {
		opts := []livegemini.Option{livegemini.WithModel(cfg.Gemini.LiveModel)}
		if cfg.Gemini.LiveURL != "" {
			opts = append(opts, livegemini.WithBaseURL(cfg.Gemini.LiveURL))
		}
		return livegemini.New(cfg.Gemini.APIKey, opts...), nil
	})

	reg.RegisterAssist("gemini", func(ctx context.Context, cfg *config.Config) (assist.Provider, error) {
		opts := []assistgemini.Option{
			assistgemini.WithTextModel(cfg.Gemini.TextModel),
			assistgemini.WithImageModel(cfg.Gemini.ImageModel),
		}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, assistgemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		return assistgemini.New(ctx, cfg.Gemini.APIKey, opts...)
	})
}

// buildProviders instantiates the configured providers from reg.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	lt, err := reg.CreateLive(cfg)
	if err != nil {
		return nil, fmt.Errorf("live provider %q: %w", cfg.Providers.Live, err)
	}
	ap, err := reg.CreateAssist(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("assist provider %q: %w", cfg.Providers.Assist, err)
	}
	return &app.Providers{Live: lt, Assist: ap}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        omnisuite startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Providers.Live+" / "+cfg.Gemini.LiveModel)
	printRow("Assist", cfg.Providers.Assist+" / "+cfg.Gemini.TextModel)
	printRow("Voice", cfg.Voice.VoiceName)
	if cfg.Gemini.APIKey != "" {
		printRow("API key", "configured")
	} else {
		printRow("API key", "(missing)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}
