package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
)

// Registry holds named completion providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.CompletionProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.CompletionProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.CompletionProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.CompletionProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry constructs providers from configuration, each wrapped with
// the resilience guard.
func BuildRegistry(cfgs []config.ProviderConfig, guard *Guard, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		var (
			inner domain.CompletionProvider
			err   error
		)
		switch cfg.Type {
		case "openai":
			inner = NewOpenAIProvider(cfg, logger)
		case "bedrock":
			inner, err = NewBedrockProvider(cfg, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", cfg.Name, cfg.Type)
		}

		guard.SetRate("llm:"+cfg.Name, cfg.RatePerSec, cfg.RateBurst)
		if err := reg.Register(NewResilientProvider(inner, guard)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
