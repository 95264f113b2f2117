// Package llm defines the Provider interface for Large Language Model
// backends used by the formatting stage.
//
// An LLM provider wraps a remote model API (e.g., OpenAI, Gemini, or a
// Qwen-compatible DashScope endpoint) and exposes a uniform interface for
// turning a raw transcript into punctuated, paragraphed, dialogue-styled
// prose, without coupling the caller to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. For the formatting stage
	// this is typically a single user message holding the raw transcript.
	Messages []types.Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history. Providers
	// without a dedicated system role prepend it as a "system" message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk. Common values: "stop", "length", "".
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Each method should
// propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list would
	// consume in the model's context window. Used to keep transcripts within
	// the provider's input budget before chunked formatting.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports.
	Capabilities() types.ModelCapabilities
}
