package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// EngineFactory constructs an engine from its configuration block and the
// shared collaborators.
type EngineFactory func(EngineConfig, engine.Params) (engine.Engine, error)

// DecoderFactory constructs a decoder provider.
type DecoderFactory func(ProviderEntry) (decoder.Provider, error)

// Registry maps engine types and decoder names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	engines  map[EngineType]EngineFactory
	decoders map[string]DecoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[EngineType]EngineFactory),
		decoders: make(map[string]DecoderFactory),
	}
}

// RegisterEngine registers an engine factory under typ.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) RegisterEngine(typ EngineType, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[typ] = factory
}

// RegisterDecoder registers a decoder provider factory under name.
func (r *Registry) RegisterDecoder(name string, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = factory
}

// CreateEngine instantiates an engine using the factory registered under
// ec.Type. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that type.
func (r *Registry) CreateEngine(ec EngineConfig, p engine.Params) (engine.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[ec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrProviderNotRegistered, ec.Type)
	}
	return factory(ec, p)
}

// CreateDecoder instantiates a decoder provider using the factory registered
// under entry.Name.
func (r *Registry) CreateDecoder(entry ProviderEntry) (decoder.Provider, error) {
	r.mu.RLock()
	factory, ok := r.decoders[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: decoder/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// EngineTypes returns the registered engine types in sorted order.
func (r *Registry) EngineTypes() []EngineType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]EngineType, 0, len(r.engines))
	for t := range r.engines {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
