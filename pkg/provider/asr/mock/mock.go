// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller submits the expected audio and
// Config, and to script the ASRResult or error a given call should return.
//
// Example:
//
//	p := &mock.Provider{Result: types.ASRResult{Sentences: []types.Sentence{{Text: "hello"}}}}
//	result, err := p.Transcribe(ctx, audio, asr.Config{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Audio []byte
	Cfg   asr.Config
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Result is returned by every Transcribe call, unless Err is set.
	Result types.ASRResult

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation of Transcribe, in order.
	Calls []TranscribeCall
}

// Name returns ProviderName, or "mock" if unset.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg asr.Config) (types.ASRResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.Calls = append(p.Calls, TranscribeCall{Audio: cp, Cfg: cfg})
	if p.Err != nil {
		return types.ASRResult{}, p.Err
	}
	return p.Result, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
