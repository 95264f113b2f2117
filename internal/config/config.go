// Package config provides the configuration schema, loader, and provider
// registry for voxscribe.
package config

import "time"

// Config is the root configuration structure for voxscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Providers ProvidersConfig   `yaml:"providers"`
	Database  DatabaseConfig    `yaml:"database"`
	Queue     QueueConfig       `yaml:"queue"`
	Store     ObjectStoreConfig `yaml:"object_store"`
	Billing   BillingConfig     `yaml:"billing"`
	Limits    LimitsConfig      `yaml:"limits"`
	Admin     AdminConfig       `yaml:"admin"`
}

// ServerConfig holds network and logging settings for the webhook server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// PublicBaseURL is the externally reachable URL of this instance, used to
	// build the /api/signed-url and /upload links returned to clients.
	PublicBaseURL string `yaml:"public_base_url"`

	// WorkerInvokeURL is the direct HTTP address of the worker used for the
	// fire-and-forget fast path. Empty disables the direct-invoke attempt and
	// publishes straight to the queue.
	WorkerInvokeURL string `yaml:"worker_invoke_url"`

	// Region is reported in the status payload.
	Region string `yaml:"region"`

	// Version is reported in the status payload.
	Version string `yaml:"version"`

	// ChatAPIBaseURL is the chat platform's bot API root, including the
	// token path segment (e.g. "https://api.telegram.org/bot<token>").
	ChatAPIBaseURL string `yaml:"chat_api_base_url"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	ASR          ProviderEntry   `yaml:"asr"`
	ASRFallbacks []ProviderEntry `yaml:"asr_fallbacks"`
	Diarization  ProviderEntry   `yaml:"diarization"`

	// DiarizationAlternates lists synchronous one-call diarization providers
	// tried before the default two-pass Diarization provider; the first to
	// return a non-empty result wins (spec.md §4.2.3).
	DiarizationAlternates []ProviderEntry `yaml:"diarization_alternates"`

	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "dashscope", "openai-whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "paraformer-v2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// DatabaseConfig holds connection settings for the state store.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string backing the users, audio_jobs,
	// transcription_logs, payment_logs, and trial_requests tables.
	DSN string `yaml:"dsn"`
}

// QueueConfig holds settings for the at-least-once job queue.
type QueueConfig struct {
	// Name is the queue's name or URL, provider-specific.
	Name string `yaml:"name"`

	// VisibilityTimeoutSeconds is how long a received message stays hidden
	// from other consumers.
	VisibilityTimeoutSeconds int32 `yaml:"visibility_timeout_seconds"`

	// WaitTimeSeconds is the long-poll duration for Receive calls.
	WaitTimeSeconds int32 `yaml:"wait_time_seconds"`
}

// ObjectStoreConfig holds settings for the large-upload object store.
type ObjectStoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	SignedPutExpiry time.Duration `yaml:"signed_put_expiry"`
	SignedGetExpiry time.Duration `yaml:"signed_get_expiry"`

	// UploadExtensions whitelists file extensions accepted by the direct
	// upload endpoint.
	UploadExtensions []string `yaml:"upload_extensions"`

	// HMACSecret authenticates the calling web surface for the signed-url
	// and process endpoints.
	HMACSecret string `yaml:"hmac_secret"`
}

// BillingConfig holds pricing and trial-grant settings.
type BillingConfig struct {
	// TrialGrantMinutes is credited to a user the first time they are seen.
	TrialGrantMinutes int `yaml:"trial_grant_minutes"`

	// LowBalanceWarnBelow triggers the "low balance" hint on delivery.
	LowBalanceWarnBelow int `yaml:"low_balance_warn_below"`
}

// LimitsConfig holds the duration thresholds and tunables that drive
// sync/async routing, diarization routing, chunking, and dialogue detection.
type LimitsConfig struct {
	// SyncThresholdSeconds: below this, ingress executes the pipeline inline.
	SyncThresholdSeconds float64 `yaml:"sync_threshold_seconds"`

	// DiarizationThresholdSeconds: at or above this, the worker runs the
	// two-pass diarization path.
	DiarizationThresholdSeconds float64 `yaml:"diarization_threshold_seconds"`

	// MaxChunkSeconds: above this, single-pass ASR chunks the audio.
	MaxChunkSeconds float64 `yaml:"max_chunk_seconds"`

	// MinDialogueTransitions is the minimum speaker-change count required to
	// treat a diarized result as dialogue.
	MinDialogueTransitions int `yaml:"min_dialogue_transitions"`

	// ChunkFailureThreshold is a fraction of failed chunks (0.0-1.0). The
	// loader defaults and validates it, but the transcription engine does
	// not read it; chunked ASR uses the fixed transcribe.ChunkFailureThreshold.
	ChunkFailureThreshold float64 `yaml:"chunk_failure_threshold"`

	// RateLimitPerSecond bounds the per-user sliding-window request rate.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	// MaxInlineBytes is the inline-upload ceiling.
	MaxInlineBytes int64 `yaml:"max_inline_bytes"`

	// MaxUploadBytes is the signed-upload ceiling.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// OrphanAfter is how long a job may sit in pending/processing before the
	// orphan sweep marks it failed and refunds minutes.
	OrphanAfter time.Duration `yaml:"orphan_after"`
}

// AdminConfig lists platform user IDs treated as administrators.
type AdminConfig struct {
	UserIDs []int64 `yaml:"user_ids"`
}
