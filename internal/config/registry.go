package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/omnisuite/pkg/provider/assist"
	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a realtime transport from the whole configuration.
type LiveFactory func(cfg *Config) (live.Transport, error)

// AssistFactory builds a panel backend from the whole configuration.
type AssistFactory func(ctx context.Context, cfg *Config) (assist.Provider, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]LiveFactory
	assist map[string]AssistFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]LiveFactory),
		assist: make(map[string]AssistFactory),
	}
}

// RegisterLive registers a realtime transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAssist registers a panel backend factory under name.
func (r *Registry) RegisterAssist(name string, factory AssistFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assist[name] = factory
}

// CreateLive instantiates the transport named by cfg.Providers.Live.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLive(cfg *Config) (live.Transport, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Providers.Live]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Providers.Live)
	}
	return factory(cfg)
}

// CreateAssist instantiates the backend named by cfg.Providers.Assist.
func (r *Registry) CreateAssist(ctx context.Context, cfg *Config) (assist.Provider, error) {
	r.mu.RLock()
	factory, ok := r.assist[cfg.Providers.Assist]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: assist/%q", ErrProviderNotRegistered, cfg.Providers.Assist)
	}
	return factory(ctx, cfg)
}

// Names returns the registered names per role, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{"live": {}, "assist": {}}
	for n := range r.live {
		out["live"] = append(out["live"], n)
	}
	for n := range r.assist {
		out["assist"] = append(out["assist"], n)
	}
	slices.Sort(out["live"])
	slices.Sort(out["assist"])
	return out
}
