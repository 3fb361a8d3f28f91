// Package transport carries generation events to a remote peer. A websocket
// connection and a plain HTTP response stream both satisfy Transport so the
// orchestrator never needs to know which one it is talking to.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after the transport ended or the peer left.
var ErrClosed = errors.New("transport closed")

// EventName is the wire name of a streamed event.
type EventName string

const (
	EventConnected EventName = "connected"
	EventChunk     EventName = "aiChunk"
	EventComplete  EventName = "aiMessageComplete"
	EventError     EventName = "error"
	EventDone      EventName = "done"
)

// Event is one message to the peer.
type Event struct {
	Name    EventName
	Payload any
}

// Transport is a duplex or one-way channel to the peer of a single generation.
type Transport interface {
	// Send delivers one event.
	Send(ctx context.Context, ev Event) error

	// End writes the terminal done sentinel if the transport is still open
	// and closes it. It is safe to call more than once.
	End() error

	// OnDisconnect registers fn to run once if the peer goes away before End.
	OnDisconnect(fn func())

	// Open reports whether events can still be delivered.
	Open() bool
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAYLOADS
// ═══════════════════════════════════════════════════════════════════════════════

// Connected announces the model and the assistant message being generated.
type Connected struct {
	Model       string `json:"model"`
	AIMessageID string `json:"aiMessageId"`
	StreamID    string `json:"streamId,omitempty"`
}

// Chunk carries one streamed fragment and the running totals.
type Chunk struct {
	MessageID  string  `json:"messageId"`
	Chunk      string  `json:"chunk,omitempty"`
	FullText   string  `json:"fullText,omitempty"`
	Thinking   string  `json:"thinking,omitempty"`
	TPS        float64 `json:"tps,omitempty"`
	TokenCount int     `json:"tokenCount,omitempty"`
}

// FinalMessage is the assistant message as persisted at completion.
type FinalMessage struct {
	ID         string         `json:"id"`
	ChatID     string         `json:"chatId"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	Model      string         `json:"model"`
	TokenCount int            `json:"tokenCount"`
	TPS        float64        `json:"tps"`
	ElapsedMS  int64          `json:"elapsedMs"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Complete is the payload of EventComplete.
type Complete struct {
	FinalMessage FinalMessage `json:"finalMessage"`
}

// Error is the payload of EventError.
type Error struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Done is the payload of the terminal sentinel.
type Done struct {
	StreamID string `json:"streamId,omitempty"`
}
