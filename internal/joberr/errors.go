// Package joberr defines the contract-level error kinds shared by the media
// pipeline, transcription engine, formatter, and orchestrator (spec §7).
// Components that originate an error wrap one of these sentinels with
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is
// without string matching.
package joberr

import "errors"

var (
	// ErrRateLimited is returned by ingress when the per-user sliding window
	// is exceeded. The update is silently dropped.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnsupportedFormat is returned by the media pipeline for containers
	// known to be incompatible with ASR (e.g. narrow cellular codecs).
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrNoAudioStream is returned by the media pipeline when a video
	// artifact has no audio track to extract.
	ErrNoAudioStream = errors.New("no audio stream")

	// ErrInsufficientBalance is returned when a user's minute balance is
	// below the job's estimated or recomputed cost.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrProbeFailed marks a non-fatal duration-probe failure; the pipeline
	// continues using the declared duration.
	ErrProbeFailed = errors.New("duration probe failed")

	// ErrASRTimeout is returned when an ASR provider call exceeds its deadline.
	ErrASRTimeout = errors.New("asr timeout")

	// ErrASRProvider is returned for any other ASR provider failure.
	ErrASRProvider = errors.New("asr provider error")

	// ErrChunkedASRFailed is returned when more than the configured
	// chunk-failure threshold of chunks fail during chunked transcription.
	ErrChunkedASRFailed = errors.New("chunked asr failed")

	// ErrTranscriptionEmpty is returned when every chunk (or the single
	// pass) yields no usable text.
	ErrTranscriptionEmpty = errors.New("transcription empty")

	// ErrNoSpeech is returned when the transcript is empty, whitespace, or
	// matches a known ASR no-speech sentinel.
	ErrNoSpeech = errors.New("no speech recognized")

	// ErrLLMError marks an LLM formatter failure. Non-fatal: the formatter
	// returns the input text unchanged.
	ErrLLMError = errors.New("llm error")

	// ErrBalanceCASExhausted is returned when the optimistic-concurrency
	// balance update exhausts its retries.
	ErrBalanceCASExhausted = errors.New("balance update exhausted retries")

	// ErrDeliveryFailed is returned when both the primary and the
	// send-message-fallback delivery attempts fail.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrAsyncUnavailable marks degradation to synchronous execution because
	// neither the direct worker invocation nor the queue publish succeeded.
	ErrAsyncUnavailable = errors.New("async dispatch unavailable")

	// ErrDuplicateJob is returned by RunJob when dedup finds the job already
	// processing or completed. Not a failure — callers treat it as a no-op.
	ErrDuplicateJob = errors.New("duplicate job")
)

// UserMessage maps an error to the localized, user-facing string described
// in spec §7: errors.Is against the sentinels above, with anything
// unrecognized mapped to generic_error. translate looks up a message key in the chat's working
// language; callers supply it so this package stays locale-agnostic.
func UserMessage(err error, translate func(key string) string) string {
	switch {
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrNoAudioStream):
		return translate("audio_too_long")
	case errors.Is(err, ErrInsufficientBalance):
		return translate("insufficient_balance")
	case errors.Is(err, ErrASRTimeout):
		return translate("processing_timeout")
	case errors.Is(err, ErrTranscriptionEmpty), errors.Is(err, ErrNoSpeech):
		return translate("no_speech")
	default:
		return translate("generic_error")
	}
}
