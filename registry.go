package xinbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BackendFactory constructs an engine from a validated configuration.
type BackendFactory func(cfg BackendConfig) (Backend, error)

var (
	backendFactoriesMu sync.RWMutex
	backendFactories   = map[string]BackendFactory{}
)

// RegisterBackend registers an engine factory under one of the Engine* tags.
// Adapters call it from init.
func RegisterBackend(engine string, factory BackendFactory) error {
	if engine == "" {
		return errors.New("xinbox: backend engine must not be empty")
	}
	if factory == nil {
		return errors.New("xinbox: backend factory must not be nil")
	}
	backendFactoriesMu.Lock()
	backendFactories[engine] = factory
	backendFactoriesMu.Unlock()
	return nil
}

// NewBackend constructs a fresh engine without caching.
func NewBackend(cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine := cfg.Engine()
	backendFactoriesMu.RLock()
	f, ok := backendFactories[engine]
	backendFactoriesMu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{
			Engine: engine,
			Field:  "type",
			Reason: fmt.Sprintf("engine %q is not linked in; import github.com/trickstertwo/xinbox/adapter/%s", engine, engine),
		}
	}
	return f(cfg)
}

// Registry hands out one engine instance per distinct configuration. It is
// owned by the application; tests build their own.
type Registry struct {
	mu       sync.Mutex
	backends map[string]Backend
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Backend returns the cached engine for cfg.Key(), constructing it on first use.
// Configuration errors are returned synchronously and nothing is cached.
func (r *Registry) Backend(cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	b, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	r.backends[key] = b
	return b, nil
}

// Len returns the number of cached engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// Close closes every cached engine. Further Backend calls fail.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	backends := r.backends
	r.backends = map[string]Backend{}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, b := range backends {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
