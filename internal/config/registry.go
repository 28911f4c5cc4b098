package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/MrWong99/sentinel/internal/resilience"
	"github.com/MrWong99/sentinel/pkg/provider/embeddings"
	"github.com/MrWong99/sentinel/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OptionDimensions is the [ProviderEntry.Options] key carrying the requested
// embedding dimension.
const OptionDimensions = "dimensions"

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// Names returns the registered provider names of kind ("llm" or
// "embeddings") in no particular order.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "llm":
		return keys(r.llm)
	case "embeddings":
		return keys(r.embeddings)
	}
	return nil
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Providers holds the collaborators built from a [Config]. Unconfigured
// providers are nil.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// Build instantiates the providers cfg configures. With fallbacks configured
// the returned LLM is a [resilience.LLMFallback] trying the primary first.
// An embedding dimension set under store.embedding_dimensions is passed to
// the embeddings factory unless the entry's options already name one.
func (r *Registry) Build(cfg *Config) (Providers, error) {
	var out Providers

	if entry := cfg.Providers.LLM; entry.Name != "" {
		primary, err := r.CreateLLM(entry)
		if err != nil {
			return Providers{}, fmt.Errorf("config: build llm: %w", err)
		}
		out.LLM = primary
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

		if len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
			for i, f := range cfg.Providers.LLMFallbacks {
				p, err := r.CreateLLM(f)
				if err != nil {
					return Providers{}, fmt.Errorf("config: build llm fallback %d: %w", i, err)
				}
				fb.AddFallback(fmt.Sprintf("%s#%d", f.Name, i+1), p)
				slog.Info("provider created", "kind", "llm-fallback", "name", f.Name, "model", f.Model)
			}
			out.LLM = fb
		}
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		if n := cfg.Store.EmbeddingDimensions; n > 0 {
			if _, set := entry.Options[OptionDimensions]; !set {
				opts := maps.Clone(entry.Options)
				if opts == nil {
					opts = make(map[string]any, 1)
				}
				opts[OptionDimensions] = n
				entry.Options = opts
			}
		}
		p, err := r.CreateEmbeddings(entry)
		if err != nil {
			return Providers{}, fmt.Errorf("config: build embeddings: %w", err)
		}
		out.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", entry.Model)
	}

	return out, nil
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; float values with no fraction are accepted too.
func OptInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
