package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/detect"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Detection
	d := cfg.Detection
	if math.IsNaN(d.ConfidenceThreshold) || d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence_threshold %v is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.ConsecutiveFrames < 1 {
		errs = append(errs, fmt.Errorf("detection.consecutive_frames must be at least 1, got %d", d.ConsecutiveFrames))
	}
	if d.PersonClass < 0 {
		errs = append(errs, fmt.Errorf("detection.person_class must not be negative, got %d", d.PersonClass))
	}
	if d.Layout != "" {
		if _, err := detect.ParseLayout(d.Layout); err != nil {
			errs = append(errs, fmt.Errorf("detection.layout %q is invalid; valid values: tensor, parsed", d.Layout))
		}
	}
	if d.EpisodeTimeout != nil && *d.EpisodeTimeout < 0 {
		errs = append(errs, fmt.Errorf("detection.episode_timeout must not be negative, got %s", *d.EpisodeTimeout))
	}

	// Conversation
	c := cfg.Conversation
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_limit must not be negative, got %d", c.HistoryLimit))
	}
	if c.Summariser != "" && !c.Summariser.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.summariser %q is invalid; valid values: count, llm", c.Summariser))
	}
	if c.Summariser == SummariserLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("conversation.summariser \"llm\" requires providers.llm"))
	}
	if len(c.Catalog) > 0 {
		if err := conversation.Catalog(c.Catalog).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("conversation.catalog: %w", err))
		}
	}

	// Store
	s := cfg.Store
	switch {
	case s.Backend == "":
	case !s.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", s.Backend))
	case s.Backend == StoreSQLite && s.SQLitePath == "":
		errs = append(errs, errors.New("store.sqlite_path is required when backend is sqlite"))
	case s.Backend == StorePostgres && s.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required when backend is postgres"))
	}
	if s.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions must not be negative, got %d", s.EmbeddingDimensions))
	}

	// Unknown provider names only warn.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}

	// Embeddings ↔ store dimensions
	if cfg.Providers.Embeddings.Name != "" {
		if s.Backend == StoreMemory {
			slog.Warn("providers.embeddings is configured but store.backend is memory; turns will not be embedded")
		}
		if s.Backend == StorePostgres && s.EmbeddingDimensions <= 0 {
			slog.Warn("providers.embeddings is configured but store.embedding_dimensions is not set; similarity search will be disabled")
		}
	}

	// Discord
	if cfg.Discord.Enabled() && cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
	}
	if cfg.Discord.DashboardInterval < 0 {
		errs = append(errs, fmt.Errorf("discord.dashboard_interval must not be negative, got %s", cfg.Discord.DashboardInterval))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
