package data

import "time"

// Status is the lifecycle state of a stored message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Conversation is a chat thread.
type Conversation struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is one stored chat message. Meta is a plugin-extensible side
// record holding primitives only (strings, numbers, bools, nested maps/slices).
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Attachments    []string       `json:"attachments,omitempty"`
	Status         Status         `json:"status"`
	Model          string         `json:"model,omitempty"`
	TokenCount     int            `json:"token_count"`
	TPS            float64        `json:"tps"`
	Meta           map[string]any `json:"meta,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
