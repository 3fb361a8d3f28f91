package hooks

import "time"

// SessionEvent is the payload of APISessionCreated.
type SessionEvent struct {
	ChatID      string
	UserID      string
	WorkspaceID string
	CreatedAt   time.Time
}

// RateLimitEvent is the payload of RateLimitExceeded.
type RateLimitEvent struct {
	UserID     string
	ChatID     string
	RetryAfter time.Duration
}
