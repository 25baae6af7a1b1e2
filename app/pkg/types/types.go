package types

import "context"

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Message is one chat turn crossing a channel boundary.
type Message struct {
	ID       string
	ChatID   string
	SenderID string
	Role     string // "user" or "assistant"
	Content  string
}

// Channel is a bidirectional chat transport (Telegram, CLI, ...).
// Start blocks, invoking handler for every inbound message until ctx ends.
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, chatID string, text string) error
	ID() string
}

// Notifier delivers outbound text to a conversation. Satisfied by any
// Channel; consumers that only reply should depend on this, not Channel.
type Notifier interface {
	Send(ctx context.Context, chatID string, text string) error
}
