package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/sentinel/internal/config"
	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/internal/resilience"
	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/sentinel/pkg/provider/embeddings/openai"
	"github.com/MrWong99/sentinel/pkg/provider/llm"
	"github.com/MrWong99/sentinel/pkg/provider/llm/anyllm"
)

// defaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama.
const defaultOllamaURL = "http://localhost:11434/v1"

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range config.ValidProviderNames["llm"] {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it takes an address, not a key.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return newEmbeddings(entry.APIKey, entry.Model, embeddingOptions(entry, entry.BaseURL))
	})
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		base := entry.BaseURL
		if base == "" {
			base = defaultOllamaURL
		}
		// Ollama ignores the key but the client insists on one.
		key := entry.APIKey
		if key == "" {
			key = "ollama"
		}
		return newEmbeddings(key, entry.Model, embeddingOptions(entry, base))
	})
}

func newEmbeddings(key, model string, opts []oaembed.Option) (embeddings.Provider, error) {
	p, err := oaembed.New(key, model, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func embeddingOptions(entry config.ProviderEntry, baseURL string) []oaembed.Option {
	var opts []oaembed.Option
	if baseURL != "" {
		opts = append(opts, oaembed.WithBaseURL(baseURL))
	}
	if n, ok := config.OptInt(entry.Options, config.OptionDimensions); ok && n > 0 {
		opts = append(opts, oaembed.WithDimensions(n))
	}
	return opts
}

// runtime holds the components shared by the subcommands.
type runtime struct {
	cfg        *config.Config
	metrics    *observe.Metrics
	providers  config.Providers
	store      memory.SessionStore
	closeStore func() error
	engine     *conversation.Engine
	monitor    *monitor.Monitor

	// chat is nil without an LLM provider.
	chat *conversation.Chat
}

// newRuntime builds providers, the session store, the conversation engine
// and the monitor from cfg. Callers must Close the runtime.
func newRuntime(ctx context.Context, cfg *config.Config, met *observe.Metrics) (*runtime, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := reg.Build(cfg)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := config.OpenStore(ctx, cfg.Store, providers.Embeddings)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, metrics: met, providers: providers, store: store, closeStore: closeStore}

	var asker llm.Asker
	if providers.LLM != nil {
		asker = llm.NewAsker(providers.LLM)
		rt.chat, err = conversation.NewChat(asker, store, cfg.Conversation.HistoryLimit)
		if err != nil {
			return nil, errors.Join(err, rt.Close())
		}
	}

	engOpts := []conversation.Option{
		conversation.WithTriggerWords(cfg.Conversation.TriggerWords...),
		conversation.WithHistoryLimit(cfg.Conversation.HistoryLimit),
		conversation.WithMetrics(met),
	}
	if len(cfg.Conversation.Catalog) > 0 {
		engOpts = append(engOpts, conversation.WithCatalog(cfg.Conversation.Catalog))
	}
	if cfg.Conversation.Summariser == config.SummariserLLM && asker != nil {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm-summary",
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		})
		engOpts = append(engOpts, conversation.WithSummariser(conversation.NewLLMSummariser(asker,
			conversation.WithSummaryBreaker(breaker),
			conversation.WithSummaryMetrics(met),
		)))
	}
	rt.engine, err = conversation.New(store, engOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("build conversation engine: %w", err), rt.Close())
	}

	rt.monitor, err = monitor.New(rt.engine, monitorConfig(cfg.Detection), monitor.WithMetrics(met))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("build monitor: %w", err), rt.Close())
	}
	return rt, nil
}

func monitorConfig(d config.DetectionConfig) monitor.Config {
	cfg := monitor.Config{
		Threshold:      d.ConfidenceThreshold,
		Consecutive:    d.ConsecutiveFrames,
		PersonClass:    d.PersonClass,
		Layout:         d.Layout,
		ResetOnConfirm: d.ResetEnabled(),
		EpisodeTimeout: monitor.DefaultEpisodeTimeout,
	}
	if d.EpisodeTimeout != nil {
		cfg.EpisodeTimeout = *d.EpisodeTimeout
	}
	return cfg
}

// Close releases the session store.
func (rt *runtime) Close() error {
	if err := rt.closeStore(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// requireChat returns the chat or an error naming the missing provider.
func (rt *runtime) requireChat() (*conversation.Chat, error) {
	if rt.chat == nil {
		return nil, errors.New("no LLM configured; set providers.llm in the config")
	}
	return rt.chat, nil
}

// describeProviders lists the configured collaborators for the startup log.
func describeProviders(cfg *config.Config) string {
	var parts []string
	if e := cfg.Providers.LLM; e.Name != "" {
		parts = append(parts, fmt.Sprintf("llm=%s/%s", e.Name, e.Model))
	}
	for _, f := range cfg.Providers.LLMFallbacks {
		parts = append(parts, fmt.Sprintf("llm-fallback=%s/%s", f.Name, f.Model))
	}
	if e := cfg.Providers.Embeddings; e.Name != "" {
		parts = append(parts, fmt.Sprintf("embeddings=%s/%s", e.Name, e.Model))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
