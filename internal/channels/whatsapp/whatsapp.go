// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge owns the WhatsApp wire protocol; this channel exchanges JSON
// frames with it.
//
// JIDs are the native WhatsApp identifiers ("...@g.us" for groups,
// "...@s.whatsapp.net" for DMs).
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/store"
)

// Channel speaks JSON over WebSocket to a WhatsApp bridge.
type Channel struct {
	cfg       config.WhatsAppConfig
	callbacks channels.Callbacks
	limiter   *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// frame is the bridge wire format, both directions.
type frame struct {
	Type       string `json:"type"`
	To         string `json:"to,omitempty"`
	Content    string `json:"content,omitempty"`
	State      bool   `json:"state,omitempty"`
	ID         string `json:"id,omitempty"`
	ChatJID    string `json:"chat_jid,omitempty"`
	ChatName   string `json:"chat_name,omitempty"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	FromMe     bool   `json:"from_me,omitempty"`
}

// New creates a WhatsApp bridge channel from config.
func New(cfg config.WhatsAppConfig, cb channels.Callbacks) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		cfg:       cfg,
		callbacks: cb,
		limiter:   channels.NewSendLimiter(),
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "whatsapp" }

// Connect dials the bridge and starts the listen loop. An initial dial
// failure is non-fatal; the listen loop keeps retrying with backoff.
func (c *Channel) Connect(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.cfg.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Disconnect closes the bridge connection.
func (c *Channel) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	slog.Info("whatsapp channel disconnected")
	return nil
}

func (c *Channel) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.dial(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if f.Type == "message" {
			c.handleInbound(f)
		}
	}
}

func (c *Channel) handleInbound(f frame) {
	if f.ChatJID == "" || f.Content == "" {
		return
	}

	timestamp := f.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	chatName := f.ChatName
	if chatName == "" {
		chatName = f.SenderName
	}

	c.callbacks.OnChatMetadata(store.Chat{
		JID:             f.ChatJID,
		Name:            chatName,
		Channel:         c.Name(),
		IsGroup:         strings.HasSuffix(f.ChatJID, "@g.us"),
		LastMessageTime: timestamp,
	})
	c.callbacks.OnMessage(store.Message{
		ID:         f.ID,
		ChatJID:    f.ChatJID,
		Sender:     f.Sender,
		SenderName: f.SenderName,
		Content:    f.Content,
		Timestamp:  timestamp,
		IsFromMe:   f.FromMe,
	})
}

// SendMessage delivers text to a conversation via the bridge.
func (c *Channel) SendMessage(jid, text string) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return c.writeFrame(frame{Type: "message", To: jid, Content: text})
}

// SetTyping toggles the typing indicator via the bridge.
func (c *Channel) SetTyping(jid string, typing bool) error {
	if err := c.writeFrame(frame{Type: "typing", To: jid, State: typing}); err != nil {
		slog.Warn("failed to set whatsapp typing state", "jid", jid, "error", err)
	}
	return nil
}

func (c *Channel) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// OwnsJID reports whether jid is a native WhatsApp identifier.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") ||
		strings.HasSuffix(jid, "@s.whatsapp.net") ||
		strings.HasSuffix(jid, "@lid")
}

// IsConnected reports the connection state.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
