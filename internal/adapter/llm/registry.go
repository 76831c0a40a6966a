package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
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
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, "provider "+name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// NewProvider constructs the adapter for a provider name from the closed
// set {grok, anthropic, google, openai}.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch strings.ToLower(cfg.Name) {
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "grok":
		return NewGrokProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "google":
		return NewGoogleProvider(cfg, logger), nil
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrConfig,
			fmt.Sprintf("unknown provider %q", cfg.Name))
	}
}
