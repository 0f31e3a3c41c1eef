// Package endpoint resolves a logical model to a live [llm.Endpoint].
//
// A [Selector] draws one weighted endpoint descriptor per call and dispatches
// by its type tag through a [Registry] of adapter factories. Builtin factories
// for every supported provider type are installed by [RegisterBuiltins].
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested type.
var ErrProviderNotRegistered = errors.New("endpoint: provider type not registered")

// Descriptor is a chosen endpoint entry together with its owning model.
type Descriptor struct {
	config.EndpointEntry

	// Model is the logical model the endpoint serves.
	Model llm.ModelInfo
}

// ModelID returns the model identifier to send to the provider: the endpoint
// override, else the model ID, else the model name.
func (d Descriptor) ModelID() string {
	switch {
	case d.EndpointEntry.Model != "":
		return d.EndpointEntry.Model
	case d.Model.ID != "":
		return d.Model.ID
	}
	return d.Model.Name
}

// Factory constructs a resolved endpoint for a descriptor. It may perform
// credential setup and must not issue inference requests.
type Factory func(ctx context.Context, d Descriptor) (llm.Endpoint, error)

// Registry maps endpoint type tags to adapter factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers factory under typ.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Has reports whether a factory is registered under typ.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Create instantiates an endpoint using the factory registered under typ.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that type.
func (r *Registry) Create(ctx context.Context, typ string, d Descriptor) (llm.Endpoint, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, typ)
	}
	return factory(ctx, d)
}
