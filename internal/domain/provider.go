package domain

import "context"

// CompletionProvider is the interface for any language-model backend.
type CompletionProvider interface {
	// Complete sends a request and returns a complete response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming completion.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamingCompletionProvider extends CompletionProvider with streaming.
type StreamingCompletionProvider interface {
	CompletionProvider
	// CompleteStream sends a request and returns a channel of deltas.
	// The channel is closed after the final delta (Done=true).
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error)
}
