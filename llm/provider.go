// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Streaming protocol and tool call assembly
// - Provider-specific error handling

package llm

import (
	"context"
	"iter"
)

// Provider defines the abstract interface for LLM providers.
// Implementations hide provider-specific details while exposing
// a single streaming call.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Stream sends the history and tool definitions and yields response chunks
	// as they arrive. A non-nil error is yielded at most once and ends the sequence.
	// Tool call IDs in yielded chunks are left empty; callers assign them.
	Stream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) iter.Seq2[Chunk, error]
}

// fail returns a sequence that yields a single error.
func fail(err error) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		yield(Chunk{}, err)
	}
}
