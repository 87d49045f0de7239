// Package telegram implements the Telegram Bot API channel using long polling.
//
// JID format: "tg:<chat_id>" for both groups and DMs.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"golang.org/x/time/rate"

	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/store"
)

const jidPrefix = "tg:"

// maxMessageLen is Telegram's hard per-message character limit.
const maxMessageLen = 4096

// Channel connects to Telegram via the Bot API.
type Channel struct {
	bot        *telego.Bot
	callbacks  channels.Callbacks
	limiter    *rate.Limiter
	connected  bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, cb channels.Callbacks) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:       bot,
		callbacks: cb,
		limiter:   channels.NewSendLimiter(),
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "telegram" }

// Connect begins long polling for updates.
func (c *Channel) Connect(ctx context.Context) error {
	slog.Info("starting telegram channel (long polling)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.connected = true
	slog.Info("telegram channel connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			if update.Message != nil {
				c.handleMessage(update.Message)
			}
		}
	}()

	return nil
}

// Disconnect stops long polling.
func (c *Channel) Disconnect() error {
	if c.pollCancel != nil {
		c.pollCancel()
		<-c.pollDone
	}
	c.connected = false
	slog.Info("telegram channel disconnected")
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.Text == "" {
		return // non-text messages are not routed
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	chatID := msg.Chat.ID
	jid := jidPrefix + strconv.FormatInt(chatID, 10)
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup

	senderName := "Unknown"
	senderID := "unknown"
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if senderName == "" {
			senderName = msg.From.Username
		}
	}

	chatName := senderName
	if isGroup {
		chatName = msg.Chat.Title
		if chatName == "" {
			chatName = "Telegram Group " + strconv.FormatInt(chatID, 10)
		}
	}

	timestamp := time.Unix(msg.Date, 0).UTC().Format(time.RFC3339Nano)

	c.callbacks.OnChatMetadata(store.Chat{
		JID:             jid,
		Name:            chatName,
		Channel:         c.Name(),
		IsGroup:         isGroup,
		LastMessageTime: timestamp,
	})
	c.callbacks.OnMessage(store.Message{
		ID:         fmt.Sprintf("tg_%d_%d", msg.MessageID, chatID),
		ChatJID:    jid,
		Sender:     senderID,
		SenderName: senderName,
		Content:    msg.Text,
		Timestamp:  timestamp,
	})
}

// SendMessage delivers text, splitting it to respect Telegram's length limit.
func (c *Channel) SendMessage(jid, text string) error {
	if !c.connected {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := parseJID(jid)
	if err != nil {
		return err
	}

	for _, chunk := range channels.SplitMessage(text, maxMessageLen) {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(context.Background(), tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message to %s: %w", jid, err)
		}
	}
	return nil
}

// SetTyping shows the typing indicator. Telegram auto-expires the action
// after ~5s, so turning it off is a no-op.
func (c *Channel) SetTyping(jid string, typing bool) error {
	if !c.connected || !typing {
		return nil
	}
	chatID, err := parseJID(jid)
	if err != nil {
		return err
	}
	if err := c.bot.SendChatAction(context.Background(), tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		slog.Warn("failed to send typing action", "jid", jid, "error", err)
	}
	return nil
}

// OwnsJID reports whether jid belongs to Telegram.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// IsConnected reports the connection state.
func (c *Channel) IsConnected() bool { return c.connected }

func parseJID(jid string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(jid, jidPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram jid %q: %w", jid, err)
	}
	return id, nil
}
