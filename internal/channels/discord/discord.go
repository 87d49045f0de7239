// Package discord implements the Discord channel over the gateway API.
//
// JID format: "dc:<channel_id>".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/store"
)

const jidPrefix = "dc:"

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Channel connects to Discord via a gateway session.
type Channel struct {
	session   *discordgo.Session
	callbacks channels.Callbacks
	limiter   *rate.Limiter
	botUserID string
	connected bool
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, cb channels.Callbacks) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		session:   session,
		callbacks: cb,
		limiter:   channels.NewSendLimiter(),
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "discord" }

// Connect opens the gateway session and begins receiving events.
func (c *Channel) Connect(_ context.Context) error {
	slog.Info("starting discord channel")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.connected = true

	slog.Info("discord channel connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway session.
func (c *Channel) Disconnect() error {
	c.connected = false
	slog.Info("discord channel disconnected")
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	jid := jidPrefix + m.ChannelID
	isGuild := m.GuildID != ""

	timestamp := m.Timestamp.UTC().Format(time.RFC3339Nano)

	chatName := m.Author.Username
	if isGuild {
		// Guild channel names need an extra lookup; the ID is a stable
		// fallback when it fails.
		chatName = "Discord " + m.ChannelID
		if ch, err := c.session.State.Channel(m.ChannelID); err == nil && ch.Name != "" {
			chatName = "#" + ch.Name
		}
	}

	c.callbacks.OnChatMetadata(store.Chat{
		JID:             jid,
		Name:            chatName,
		Channel:         c.Name(),
		IsGroup:         isGuild,
		LastMessageTime: timestamp,
	})
	c.callbacks.OnMessage(store.Message{
		ID:         "dc_" + m.ID,
		ChatJID:    jid,
		Sender:     m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  timestamp,
	})
}

// SendMessage delivers text, splitting it to respect Discord's length limit.
func (c *Channel) SendMessage(jid, text string) error {
	if !c.connected {
		return fmt.Errorf("discord not connected")
	}
	channelID := strings.TrimPrefix(jid, jidPrefix)

	for _, chunk := range channels.SplitMessage(text, maxMessageLen) {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message to %s: %w", jid, err)
		}
	}
	return nil
}

// SetTyping shows the typing indicator. Discord expires it automatically,
// so turning it off is a no-op.
func (c *Channel) SetTyping(jid string, typing bool) error {
	if !c.connected || !typing {
		return nil
	}
	if err := c.session.ChannelTyping(strings.TrimPrefix(jid, jidPrefix)); err != nil {
		slog.Warn("failed to send discord typing indicator", "jid", jid, "error", err)
	}
	return nil
}

// OwnsJID reports whether jid belongs to Discord.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// IsConnected reports the connection state.
func (c *Channel) IsConnected() bool { return c.connected }
