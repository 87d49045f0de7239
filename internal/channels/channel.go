// Package channels provides the channel abstraction connecting external
// messaging platforms (Telegram, WhatsApp bridge, Discord) to the router.
// Channels store inbound messages via callbacks and deliver outbound text;
// they never touch cursors or group state.
package channels

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"github.com/microclaw/microclaw/internal/store"
)

// OnInboundMessage persists one received message.
type OnInboundMessage func(msg store.Message)

// OnChatMetadata persists chat naming/activity metadata.
type OnChatMetadata func(chat store.Chat)

// Callbacks are shared by all channel implementations.
type Callbacks struct {
	OnMessage      OnInboundMessage
	OnChatMetadata OnChatMetadata
}

// Channel is the contract every messaging platform adapter satisfies.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "whatsapp").
	Name() string

	// Connect establishes the platform connection and begins receiving.
	// Non-blocking after setup.
	Connect(ctx context.Context) error

	// Disconnect gracefully shuts the channel down.
	Disconnect() error

	// SendMessage delivers text to a conversation.
	SendMessage(jid, text string) error

	// SetTyping toggles the typing/presence indicator. Best-effort:
	// failures are logged by implementations, never propagated as fatal.
	SetTyping(jid string, typing bool) error

	// OwnsJID reports whether this channel handles the given JID.
	OwnsJID(jid string) bool

	// IsConnected reports whether the channel is currently usable.
	IsConnected() bool
}

// Find returns the channel owning jid, or nil when none does.
func Find(chs []Channel, jid string) Channel {
	for _, ch := range chs {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// NewSendLimiter paces outbound sends to roughly one message per second
// with a small burst, which keeps every platform comfortably under its
// flood limits.
func NewSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(1), 3)
}

// SplitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries so formatted output stays readable.
func SplitMessage(text string, maxLen int) []string {
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := strings.LastIndex(remaining[:maxLen], "\n")
		if splitAt <= 0 {
			splitAt = maxLen
		}
		chunks = append(chunks, remaining[:splitAt])
		remaining = strings.TrimLeft(remaining[splitAt:], "\n")
	}
	return chunks
}
