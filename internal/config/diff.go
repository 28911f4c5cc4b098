package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes get their own fields; everything else that changed
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// RestartRequired names the top-level keys whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Detection.ConfidenceThreshold != new.Detection.ConfidenceThreshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Detection.ConfidenceThreshold
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameDetection(old.Detection, new.Detection) {
		d.RestartRequired = append(d.RestartRequired, "detection")
	}
	if !sameConversation(old.Conversation, new.Conversation) {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		!sameEntry(old.Providers.Embeddings, new.Providers.Embeddings) ||
		!slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}

	return d
}

// sameDetection compares everything but the hot-reloadable threshold.
func sameDetection(a, b DetectionConfig) bool {
	return a.ConsecutiveFrames == b.ConsecutiveFrames &&
		a.PersonClass == b.PersonClass &&
		a.Layout == b.Layout &&
		a.ResetEnabled() == b.ResetEnabled() &&
		sameValue(a.EpisodeTimeout, b.EpisodeTimeout)
}

func sameValue[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameConversation(a, b ConversationConfig) bool {
	return slices.Equal(a.TriggerWords, b.TriggerWords) &&
		a.HistoryLimit == b.HistoryLimit &&
		a.Summariser == b.Summariser &&
		slices.Equal(a.Catalog, b.Catalog)
}

// sameEntry ignores Options; provider option changes are rare and only
// reported when a named field changes too.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
