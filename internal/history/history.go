// Package history keeps the per-session conversation that the response
// generator replays into the model context. Only the most recent messages
// of a session are ever needed, so both stores can bound what they retain.
package history

import (
	"context"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the person asking.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the generator.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the message was stored.
	CreatedAt time.Time
}

// Store persists and retrieves conversation history keyed by session ID.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a single message for the session.
	Append(ctx context.Context, session string, role Role, content string) error
	// Recent returns the most recent n messages for the session, ordered
	// oldest-first. If fewer than n messages exist, all are returned.
	Recent(ctx context.Context, session string, n int) ([]Message, error)
	// Close releases any resources held by the store.
	Close() error
}
