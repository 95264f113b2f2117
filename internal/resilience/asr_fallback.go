package resilience

import (
	"context"

	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple ASR backends (e.g., a primary two-pass diarization vendor and a
// single-pass fallback). Each backend has its own circuit breaker.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
	name  string
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		name:  primaryName,
	}
}

// AddFallback registers an additional ASR provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Name identifies the fallback group by its primary provider's name.
func (f *ASRFallback) Name() string { return f.name }

// Transcribe submits audio to the first healthy provider in the group,
// trying subsequent fallbacks if earlier ones fail or their circuit is open.
func (f *ASRFallback) Transcribe(ctx context.Context, audio []byte, cfg asr.Config) (types.ASRResult, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (types.ASRResult, error) {
		return p.Transcribe(ctx, audio, cfg)
	})
}
