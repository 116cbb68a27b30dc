// Package provider defines the model provider capability used by the
// decision engine and the streaming context, plus adapters for concrete
// LLM backends (OpenAI-compatible APIs and Gemini) and a scriptable mock.
package provider

import (
	"context"
)

// Provider is a language model that can produce a completion.
type Provider interface {
	// CreateCompletion creates a completion (unstructured text response)
	CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string
}

// Streamer is implemented by providers that can produce output incrementally.
// Callers discover it with a type assertion and fall back to CreateCompletion
// when it is absent.
type Streamer interface {
	// CreateStreaming starts a pull-based stream. The caller must Close it.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request
type CompletionRequest struct {
	// Messages is the conversation history
	Messages []Message `json:"messages"`

	// Model is the model to use; empty selects the provider default
	Model string `json:"model,omitempty"`

	// Temperature controls randomness (0.0-2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stop sequences end generation early.
	Stop []string `json:"stop,omitempty"`

	// Purpose tags the call for logging and scripted mocks ("decision_step", "summary").
	Purpose string `json:"purpose,omitempty"`

	// Input is the end-user text that triggered the call. It is not sent to
	// the model; prompts carry their own copy.
	Input string `json:"-"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	// Content is the generated text
	Content string `json:"content"`

	// FinishReason explains why generation stopped
	FinishReason string `json:"finish_reason"`

	// Usage contains token usage information
	Usage Usage `json:"usage"`

	// Raw is the raw provider response for debugging
	Raw any `json:"-"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream is a pull-based sequence of chunks.
// Recv returns io.EOF once the model has finished.
type Stream interface {
	// Recv receives the next chunk
	Recv() (*StreamChunk, error)

	// Close closes the stream
	Close() error
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	// Delta is the incremental content
	Delta string `json:"delta"`

	// FinishReason if this is the last chunk
	FinishReason string `json:"finish_reason,omitempty"`
}

// LastUserContent returns the content of the last user message in the request.
func (r CompletionRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// withoutStreaming hides a provider's Streamer implementation.
type withoutStreaming struct {
	Provider
}

// WithoutStreaming returns p restricted to single-shot completions.
func WithoutStreaming(p Provider) Provider {
	return withoutStreaming{Provider: p}
}
