package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider identity
// changes require a process restart to rebuild the provider instances, so
// they are reported but not expected to be applied live.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     string

	ProvidersChanged bool
	LimitsChanged    bool
	BillingChanged   bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !providersEqual(old.Providers, new.Providers) {
		d.ProvidersChanged = true
	}

	if old.Limits != new.Limits {
		d.LimitsChanged = true
	}

	if old.Billing != new.Billing {
		d.BillingChanged = true
	}

	return d
}

// providersEqual compares two ProvidersConfig values field by field, since
// ProviderEntry embeds a map and is not comparable with ==.
func providersEqual(a, b ProvidersConfig) bool {
	return providerEntryEqual(a.ASR, b.ASR) &&
		providerEntryEqual(a.Diarization, b.Diarization) &&
		providerEntryEqual(a.LLM, b.LLM) &&
		providerEntryEqual(a.LLMFallback, b.LLMFallback) &&
		providerEntrySlicesEqual(a.ASRFallbacks, b.ASRFallbacks) &&
		providerEntrySlicesEqual(a.DiarizationAlternates, b.DiarizationAlternates)
}

// providerEntryEqual compares the identity-relevant fields of two
// ProviderEntry values. Options is intentionally excluded: changing an
// option does not always require reconstructing the provider, and the map
// comparison would otherwise need a deep-equal pass on every poll tick.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.BaseURL == b.BaseURL && a.Model == b.Model && a.APIKey == b.APIKey
}

func providerEntrySlicesEqual(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !providerEntryEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
