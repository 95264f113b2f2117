// Package asr defines the Provider interface for batch Automatic Speech
// Recognition backends.
//
// An ASR provider wraps a vendor's transcription API and exposes a uniform
// batch interface over two observed request surfaces: a synchronous call
// that accepts inline (base64 or multipart) audio and returns the result
// directly, and an asynchronous submit/poll/fetch flow for longer audio.
// Both surfaces normalize into the same [types.ASRResult] so the
// transcription engine never branches on provider identity.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"time"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// Config describes the recognition options for a single transcription call.
type Config struct {
	// Language is the BCP-47 or provider-specific language tag. An empty
	// string lets the provider auto-detect the language, if supported.
	Language string

	// Diarize requests speaker-attributed output when the provider supports
	// it. Providers that cannot diarize return a single-speaker result and
	// leave Sentence.SpeakerID empty.
	Diarize bool

	// SampleRateHz documents the audio's sample rate for providers that
	// require it in the request envelope.
	SampleRateHz int
}

// Provider is the abstraction over any batch ASR backend.
type Provider interface {
	// Transcribe submits audio for recognition and blocks until a result or
	// error is available, regardless of whether the underlying provider
	// surface is synchronous or async poll-based. audio is the complete,
	// already-converted audio payload (see the media package for format
	// requirements).
	Transcribe(ctx context.Context, audio []byte, cfg Config) (types.ASRResult, error)

	// Name identifies the provider for logging and metrics attribution.
	Name() string
}

// AsyncProvider is implemented by providers whose native surface is a
// submit/poll/fetch flow. The transcription engine uses it directly when it
// needs to control poll cadence (e.g., to honor a composite deadline across
// concurrent Pass A / Pass B calls); otherwise [Provider.Transcribe] already
// performs the polling internally.
type AsyncProvider interface {
	Provider

	// Submit starts an asynchronous recognition job and returns a
	// provider-specific task id.
	Submit(ctx context.Context, audio []byte, cfg Config) (taskID string, err error)

	// Poll checks the status of a previously submitted task. done is false
	// while the task is still running; result is only valid when done is true.
	Poll(ctx context.Context, taskID string) (result types.ASRResult, done bool, err error)

	// PollInterval is the recommended delay between Poll calls.
	PollInterval() time.Duration
}
