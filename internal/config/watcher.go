package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives every accepted config change.
type ReloadFunc func(old, next *Config, d ConfigDiff)

// Watcher polls a config file and reports valid changes together with their
// [ConfigDiff]. Invalid edits are logged and the previous config is kept.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	decode   func(r io.Reader) (*Config, error)

	mu      sync.Mutex
	current *Config
	seen    snapshot

	cancel context.CancelFunc
	exited chan struct{}
}

// snapshot identifies one observed version of the file.
type snapshot struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv applies environment overrides from lookup to every loaded config,
// matching what [Load] does.
func WithEnv(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) {
		w.decode = func(r io.Reader) (*Config, error) {
			cfg, err := decode(r)
			if err != nil {
				return nil, err
			}
			ApplyEnv(cfg, lookup)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
}

// NewWatcher loads path once and starts polling it in the background. The
// initial load must succeed.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		decode:   LoadFromReader,
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, snap

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for the loop to exit. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.exited
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.exited)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(prev.modTime) && info.Size() == prev.size {
		return
	}

	cfg, snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.seen.sum {
		w.seen = snap
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.seen = cfg, snap
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged, "voice_changed", d.VoiceChanged)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes apply only after a restart", "keys", d.RestartRequired)
	}
	if w.onReload != nil {
		w.onReload(old, cfg, d)
	}
}

// read decodes the file and records the version it came from.
func (w *Watcher) read() (*Config, snapshot, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	cfg, err := w.decode(bytes.NewReader(data))
	if err != nil {
		return nil, snapshot{}, err
	}
	return cfg, snapshot{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
