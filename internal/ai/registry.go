package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FactoryOptions are the per-turn inputs an adapter is built from.
type FactoryOptions struct {
	Model  string
	APIKey string // caller-supplied override; empty means the configured key
}

type ProviderFactory func(ctx context.Context, opts FactoryOptions) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderName]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProviderName]ProviderFactory)}
}

func (r *Registry) Register(name ProviderName, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name ProviderName, opts FactoryOptions) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(name, KindInvalidRequest, "unknown ai provider: %s", name)
	}
	return f(ctx, opts)
}

// Validate reports every provider in want that has no factory. Called once at startup.
func (r *Registry) Validate(want []ProviderName) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, p := range want {
		if _, ok := r.factories[p]; !ok {
			missing = append(missing, string(p))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("providers without adapter: %s", strings.Join(missing, ", "))
	}
	return nil
}
