// Package llm holds the model backends the orchestrator streams from.
// Supports Ollama (local, NDJSON) and any OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// MaxErrorBodySize limits how much error response body we read (1MB).
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB).
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

// ErrNoBackend is returned when a named backend is not configured.
var ErrNoBackend = errors.New("llm backend not configured")

func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider is a model backend that answers in one shot.
type Provider interface {
	// Chat sends the conversation and returns the full response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the backend identifier.
	Name() string

	// Available reports whether the backend is configured and reachable.
	Available(ctx context.Context) bool
}

// StreamingProvider can also deliver the response token by token.
type StreamingProvider interface {
	Provider

	// ChatStream is like Chat but calls onToken for each fragment as it
	// arrives. The returned response carries the full text and usage.
	ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string)) (*ChatResponse, error)
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (backend-specific). Empty uses the backend default.
	Model string `json:"model"`

	// SystemPrompt is prepended as a system message when set.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation, oldest first.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// NoThink asks reasoning models to skip their thinking phase.
	NoThink bool `json:"no_think,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// Backend kinds understood by New.
const (
	KindOllama = "ollama"
	KindOpenAI = "openai"
)

// ProviderConfig configures one backend.
type ProviderConfig struct {
	// Name identifies the backend in the registry.
	Name string

	// Kind selects the implementation (KindOllama or KindOpenAI).
	Kind string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout bounds connection setup and response headers. It never
	// limits how long a stream may run.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a backend kind.
func DefaultConfig(kind string) *ProviderConfig {
	switch kind {
	case KindOpenAI:
		return &ProviderConfig{
			Name:        KindOpenAI,
			Kind:        KindOpenAI,
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        KindOllama,
			Kind:        KindOllama,
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	}
}
