package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidLogLevels lists the accepted values for server.log_level.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":         {"dashscope", "openai-whisper", "whisper-http"},
	"diarization": {"dashscope"},
	"llm":         {"openai", "gemini", "qwen"},
}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with the values named throughout
// the processing pipeline's design.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Limits.SyncThresholdSeconds == 0 {
		cfg.Limits.SyncThresholdSeconds = 15
	}
	if cfg.Limits.DiarizationThresholdSeconds == 0 {
		cfg.Limits.DiarizationThresholdSeconds = 60
	}
	if cfg.Limits.MaxChunkSeconds == 0 {
		cfg.Limits.MaxChunkSeconds = 150
	}
	if cfg.Limits.MinDialogueTransitions == 0 {
		cfg.Limits.MinDialogueTransitions = 3
	}
	if cfg.Limits.ChunkFailureThreshold == 0 {
		cfg.Limits.ChunkFailureThreshold = 0.5
	}
	if cfg.Limits.RateLimitPerSecond == 0 {
		cfg.Limits.RateLimitPerSecond = 10
	}
	if cfg.Limits.MaxInlineBytes == 0 {
		cfg.Limits.MaxInlineBytes = 20 * 1024 * 1024
	}
	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 500 * 1024 * 1024
	}
	if cfg.Limits.OrphanAfter == 0 {
		cfg.Limits.OrphanAfter = time.Hour
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 600
	}
	if cfg.Queue.WaitTimeSeconds == 0 {
		cfg.Queue.WaitTimeSeconds = 20
	}
	if cfg.Store.SignedPutExpiry == 0 {
		cfg.Store.SignedPutExpiry = 15 * time.Minute
	}
	if cfg.Store.SignedGetExpiry == 0 {
		cfg.Store.SignedGetExpiry = time.Hour
	}
	if cfg.Billing.TrialGrantMinutes == 0 {
		cfg.Billing.TrialGrantMinutes = 10
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(ValidLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: %v", cfg.Server.LogLevel, ValidLogLevels))
	}

	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no llm provider configured; formatting stage will pass transcripts through unchanged")
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("diarization", cfg.Providers.Diarization.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.ASRFallbacks {
		validateProviderName("asr", fb.Name)
	}

	if cfg.Limits.SyncThresholdSeconds >= cfg.Limits.DiarizationThresholdSeconds {
		errs = append(errs, fmt.Errorf("limits.sync_threshold_seconds (%.1f) must be less than limits.diarization_threshold_seconds (%.1f)",
			cfg.Limits.SyncThresholdSeconds, cfg.Limits.DiarizationThresholdSeconds))
	}
	if cfg.Limits.ChunkFailureThreshold < 0 || cfg.Limits.ChunkFailureThreshold > 1 {
		errs = append(errs, fmt.Errorf("limits.chunk_failure_threshold %.2f is out of range [0, 1]", cfg.Limits.ChunkFailureThreshold))
	}
	if cfg.Limits.MaxInlineBytes > cfg.Limits.MaxUploadBytes {
		errs = append(errs, errors.New("limits.max_inline_bytes must not exceed limits.max_upload_bytes"))
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
