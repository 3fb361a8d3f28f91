package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/normanking/cortexstream/internal/budget"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/modelrouter"
)

// AutoModel asks the router to pick a model for the prompt.
const AutoModel = "auto"

// Error codes carried by the error event.
const (
	CodeGenerationFailed = "generation_failed"
	CodeModelUnavailable = "model_unavailable"
	CodeStorageFailed    = "storage_failed"
	CodeInvalidRequest   = "invalid_request"
)

var (
	// ErrInterrupted is returned by Generate when the stream was cancelled
	// or the peer disconnected.
	ErrInterrupted = errors.New("generation interrupted")

	// ErrUnknownModel is returned for a model id missing from the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidRequest is returned for a request without chat or content.
	ErrInvalidRequest = errors.New("invalid generation request")
)

// Request is one user turn to answer.
type Request struct {
	ChatID      string
	UserID      string
	Content     string
	Attachments []string

	// Model is a catalog id, AutoModel, or empty for the configured default.
	Model string

	NoThink bool
}

// ModelSpec is a catalog entry as the orchestrator sees it.
type ModelSpec struct {
	ID    string
	Name  string
	Label string

	// Backend names the llm backend. Empty uses the registry default.
	Backend string

	// ContextSize in tokens. Zero means unknown and disables budgeting.
	ContextSize int
	MaxTokens   int
	AutoTrim    bool
}

// GenerationContext is the payload of the before-generate filter stage.
// Filters may rewrite Messages and SystemPrompt. It is owned by a single
// generation and must not be retained after the hook returns.
type GenerationContext struct {
	ChatID      string
	WorkspaceID string
	UserID      string

	UserMessageID string
	AIMessageID   string
	StreamID      string

	Model    ModelSpec
	Decision *modelrouter.Decision

	SystemPrompt string
	Messages     []budget.Message
	NoThink      bool

	// EstimatedTokens of Messages after budgeting.
	EstimatedTokens int
	// Dropped history entries.
	Dropped int

	StartedAt time.Time

	// Meta is merged into the assistant message's side record.
	Meta map[string]any
}

// Prompt returns the newest user message content.
func (g *GenerationContext) Prompt() string {
	for i := len(g.Messages) - 1; i >= 0; i-- {
		if g.Messages[i].Role == budget.RoleUser {
			return g.Messages[i].Content
		}
	}
	return ""
}

// Completion is the payload of the after-generate stage. Filters may
// rewrite Content; actions see the final value.
type Completion struct {
	Context *GenerationContext

	Content    string
	Thinking   string
	TokenCount int
	TPS        float64
	Elapsed    time.Duration

	// Response is the backend's own summary, nil for backends that report none.
	Response *llm.ChatResponse
}

// Store is the durable message store the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
	CreateMessage(ctx context.Context, m *data.Message) error
	FindMessage(ctx context.Context, id string) (*data.Message, error)
	SaveMessage(ctx context.Context, m *data.Message) error
	SetMessageStatus(ctx context.Context, id string, status data.Status) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]*data.Message, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// Backends resolves a backend by name. *llm.Registry satisfies it.
type Backends interface {
	Get(name string) (llm.Provider, error)
}

// Config tunes the orchestrator.
type Config struct {
	Models []ModelSpec

	// DefaultModel is used when a request names none.
	DefaultModel string

	ReservedOverhead int
	DefaultMaxTokens int
	SystemPrompt     string

	// ForceCleanupGrace bounds how long finalization may hold a stream.
	ForceCleanupGrace time.Duration

	// CleanupTimeout bounds best-effort writes on the error and cancel paths.
	CleanupTimeout time.Duration
}
