package llm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured backends by name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds a provider for every config. The first config becomes
// the default backend.
func NewRegistry(cfgs []*ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, cfg := range cfgs {
		p, err := NewProvider(cfg)
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	return r, nil
}

// NewProvider creates a backend from its config. A missing API key is read
// from the environment.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil provider config")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg)
	}

	switch strings.ToLower(cfg.Kind) {
	case KindOllama, "":
		return NewOllamaProvider(cfg), nil
	case KindOpenAI:
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", cfg.Kind)
	}
}

// apiKeyFromEnv checks <NAME>_API_KEY first, then the kind's conventional
// variable.
func apiKeyFromEnv(cfg *ProviderConfig) string {
	if cfg.Name != "" {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(cfg.Name))
		if key := os.Getenv(name + "_API_KEY"); key != "" {
			return key
		}
	}
	if strings.ToLower(cfg.Kind) == KindOpenAI {
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
	r.providers[p.Name()] = p
}

// Get returns the named provider. An empty name yields the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, name)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	return r.Get("")
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the names of providers that answer right now.
func (r *Registry) Available(ctx context.Context) []string {
	var out []string
	for _, name := range r.Names() {
		p, err := r.Get(name)
		if err == nil && p.Available(ctx) {
			out = append(out, name)
		}
	}
	return out
}
