// Package llm defines the language-model collaborator used by sentinel.
//
// The conversation core never depends on a model; it only needs an opaque
// "ask a prompt with some history, get text back" call, modelled by [Asker].
// [Provider] is the lower-level abstraction over a model API; [NewAsker]
// adapts any Provider to an Asker with sentinel's system prompt.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string
}

// Chunk is a fragment emitted by a streaming completion. A chunk with
// FinishReason "error" carries the error text in Text.
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any model backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks that is
	// closed when generation finishes or ctx is cancelled. The initial error
	// is non-nil only when the stream cannot start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier, for logs.
	Model() string
}
