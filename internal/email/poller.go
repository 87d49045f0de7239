package email

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/microclaw/microclaw/internal/bootstrap"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/store"
)

// JIDPrefix marks email-originated conversations.
const JIDPrefix = "email:"

var (
	addrInBrackets = regexp.MustCompile(`<([^>]+)>`)
	bareAddr       = regexp.MustCompile(`(\S+@\S+)`)
	folderSanitize = regexp.MustCompile(`[^a-z0-9]`)
)

// SenderContextKey derives a stable folder name from a From header, so every
// sender gets an isolated agent context.
func SenderContextKey(from string) string {
	addr := from
	if m := addrInBrackets.FindStringSubmatch(from); m != nil {
		addr = m[1]
	} else if m := bareAddr.FindStringSubmatch(from); m != nil {
		addr = m[1]
	}
	return "email-" + folderSanitize.ReplaceAllString(strings.ToLower(addr), "-")
}

// BuildGroup constructs the ephemeral group for an email sender context.
// Email groups are created on demand and never persisted.
func BuildGroup(contextKey string) store.RegisteredGroup {
	return store.RegisteredGroup{
		Name:            contextKey,
		Folder:          contextKey,
		RequiresTrigger: false,
		AddedAt:         time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// EnsureGroupFolder creates the on-disk workspace for an email context,
// seeding instructions on first use.
func EnsureGroupFolder(groupsDir, contextKey string) error {
	return bootstrap.EnsureEmailWorkspace(filepath.Join(groupsDir, contextKey))
}

// FormatPrompt renders an email as an agent prompt.
func FormatPrompt(e Email) string {
	return fmt.Sprintf(`<email>
<from>%s</from>
<subject>%s</subject>
<body>
%s
</body>
</email>

Please respond to this email. Your response will be sent as an email reply.`, e.From, e.Subject, e.Body)
}

// RunFunc executes one agent run for an email context and returns the text
// to send back. An empty result means no reply.
type RunFunc func(ctx context.Context, group store.RegisteredGroup, prompt string) (string, error)

// Poller drives the email loop.
type Poller struct {
	client *Client
	store  *store.Store
	cfg    config.EmailConfig
	groups string
	run    RunFunc
}

// NewPoller wires a poller; run is invoked once per new email.
func NewPoller(client *Client, st *store.Store, cfg config.EmailConfig, groupsDir string, run RunFunc) *Poller {
	return &Poller{client: client, store: st, cfg: cfg, groups: groupsDir, run: run}
}

// Start polls Gmail until ctx is cancelled. Blocking; run it in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	slog.Info("email poller started",
		"subject_prefix", p.cfg.SubjectPrefix, "interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("email poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				slog.Error("email poll failed", "error", err)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	refs, err := p.client.SearchUnread(p.cfg.SubjectPrefix)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		processed, err := p.store.IsEmailProcessed(ref.Id)
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		e, err := p.client.GetEmail(ref.Id)
		if err != nil {
			slog.Warn("failed to fetch email", "id", ref.Id, "error", err)
			continue
		}

		// Mark processed before running so a crashed run cannot cause a
		// duplicate reply on restart.
		if err := p.store.MarkEmailProcessed(e.ID, e.ThreadID, e.From, e.Subject); err != nil {
			return err
		}
		p.handle(ctx, e)
	}
	return nil
}

func (p *Poller) handle(ctx context.Context, e Email) {
	contextKey := SenderContextKey(e.From)
	slog.Info("processing email", "from", e.From, "subject", e.Subject, "context", contextKey)

	if err := EnsureGroupFolder(p.groups, contextKey); err != nil {
		slog.Error("failed to prepare email context", "context", contextKey, "error", err)
		return
	}

	reply, err := p.run(ctx, BuildGroup(contextKey), FormatPrompt(e))
	if err != nil {
		slog.Error("email agent run failed", "context", contextKey, "error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		slog.Info("email run produced no reply", "context", contextKey)
		return
	}

	if err := p.client.SendReply(e, reply); err != nil {
		slog.Error("failed to send email reply", "to", e.From, "error", err)
		return
	}
	if err := p.client.MarkRead(e.ID); err != nil {
		slog.Warn("failed to mark email read", "id", e.ID, "error", err)
	}
	if err := p.store.MarkEmailResponded(e.ID); err != nil {
		slog.Warn("failed to record email response", "id", e.ID, "error", err)
	}
	slog.Info("email reply sent", "to", e.From, "subject", e.Subject)
}
