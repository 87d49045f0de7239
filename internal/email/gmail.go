// Package email polls Gmail for messages matching a subject prefix and
// routes them to agent runs, replying in-thread.
//
// Each sender gets an isolated context keyed by their address, so email
// conversations never share agent state with chat groups or each other.
package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Email is one inbound message relevant to the assistant.
type Email struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Body     string
	// MessageID is the RFC 5322 Message-ID header, needed for threaded
	// replies (In-Reply-To / References).
	MessageID string
}

// Client wraps the Gmail API for the small surface the poller needs.
type Client struct {
	svc *gmail.Service
}

// NewClient builds a Gmail client from OAuth credentials and a saved token.
func NewClient(ctx context.Context, credentialsFile, tokenFile string) (*Client, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(creds, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}

	tokenData, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// SearchUnread returns references to unread messages whose subject carries
// the configured prefix.
func (c *Client) SearchUnread(subjectPrefix string) ([]*gmail.Message, error) {
	query := fmt.Sprintf("subject:%s is:unread", subjectPrefix)
	res, err := c.svc.Users.Messages.List("me").Q(query).MaxResults(10).Do()
	if err != nil {
		return nil, fmt.Errorf("search gmail: %w", err)
	}
	return res.Messages, nil
}

// GetEmail fetches one message in full and extracts the fields we act on.
func (c *Client) GetEmail(id string) (Email, error) {
	msg, err := c.svc.Users.Messages.Get("me", id).Format("full").Do()
	if err != nil {
		return Email{}, fmt.Errorf("fetch gmail message %s: %w", id, err)
	}

	header := func(name string) string {
		for _, h := range msg.Payload.Headers {
			if strings.EqualFold(h.Name, name) {
				return h.Value
			}
		}
		return ""
	}

	return Email{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		From:      header("From"),
		Subject:   header("Subject"),
		Body:      strings.TrimSpace(extractTextBody(msg.Payload)),
		MessageID: header("Message-ID"),
	}, nil
}

// extractTextBody pulls the plain-text body out of a simple or multipart
// payload. HTML-only messages yield an empty string.
func extractTextBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if p.Body != nil && p.Body.Data != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Body.Data, "="))
		if err == nil {
			return string(decoded)
		}
	}
	for _, part := range p.Parts {
		if part.MimeType == "text/plain" {
			return extractTextBody(part)
		}
	}
	// Fall back to the first nested multipart.
	for _, part := range p.Parts {
		if strings.HasPrefix(part.MimeType, "multipart/") {
			if body := extractTextBody(part); body != "" {
				return body
			}
		}
	}
	return ""
}

// SendReply sends body as an in-thread reply to the given email.
func (c *Client) SendReply(to Email, body string) error {
	subject := to.Subject
	if !strings.HasPrefix(subject, "Re:") {
		subject = "Re: " + subject
	}

	mime := strings.Join([]string{
		"To: " + to.From,
		"Subject: " + subject,
		"In-Reply-To: " + to.MessageID,
		"References: " + to.MessageID,
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	_, err := c.svc.Users.Messages.Send("me", &gmail.Message{
		Raw:      base64.RawURLEncoding.EncodeToString([]byte(mime)),
		ThreadId: to.ThreadID,
	}).Do()
	if err != nil {
		return fmt.Errorf("send gmail reply: %w", err)
	}
	return nil
}

// MarkRead removes the UNREAD label so the message is not picked up again.
func (c *Client) MarkRead(id string) error {
	_, err := c.svc.Users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Do()
	if err != nil {
		return fmt.Errorf("mark gmail message read: %w", err)
	}
	return nil
}
