package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/microclaw/microclaw/internal/agent"
	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/store"
	"github.com/microclaw/microclaw/internal/tracing"
)

// ProcessGroup runs one agent execution for a conversation. It is the
// queue's executor: called on a dedicated goroutine with the slot held, so
// at most one instance runs per JID. Returns false to request a retry.
func (r *Router) ProcessGroup(jid string) bool {
	r.mu.Lock()
	group, registered := r.groups[jid]
	previousCursor := r.lastDelivered[jid]
	r.mu.Unlock()
	if !registered {
		return true
	}

	channel := channels.Find(r.channels, jid)
	if channel == nil {
		slog.Warn("no channel owns jid, skipping execution", "jid", jid)
		return true
	}

	missed, err := r.store.MessagesSinceJID(jid, previousCursor)
	if err != nil {
		slog.Error("failed to fetch pending messages", "jid", jid, "error", err)
		return false
	}
	if len(missed) == 0 {
		return true
	}
	if r.needsTrigger(group) && !r.batchHasTrigger(group, missed) {
		return true
	}

	prompt := FormatMessages(missed)

	// Advance the cursor in memory only, so the loop's piping path does
	// not re-deliver these messages during the run. The durable value is
	// written after success (or after output reached the user), which is
	// what makes a mid-run crash recoverable.
	r.mu.Lock()
	r.lastDelivered[jid] = missed[len(missed)-1].Timestamp
	r.mu.Unlock()

	slog.Info("processing messages", "group", group.Name, "count", len(missed))

	setTyping := func(on bool) {
		if err := channel.SetTyping(jid, on); err != nil {
			slog.Warn("failed to set typing indicator", "jid", jid, "error", err)
		}
	}
	setTyping(true)

	var (
		hadError       bool
		streamedError  string
		outputSent     bool
	)

	onStarted := func(handle *agent.Handle, containerName string) {
		r.queue.RegisterProcess(jid, handle, containerName, group.Folder)
	}

	result, runErr := r.runAgent(context.Background(), group, prompt, jid, onStarted, func(out agent.Output) {
		if out.Result != "" {
			if text := FormatOutbound(out.Result); text != "" {
				if err := channel.SendMessage(jid, text); err != nil {
					slog.Error("failed to send agent reply", "jid", jid, "error", err)
				} else {
					setTyping(false)
					outputSent = true
				}
			}
			// Real output resets the idle clock; session-only updates
			// must not keep stdin open.
			r.queue.NotifyIdle(jid)
		}
		if out.Status == "success" {
			r.queue.NotifyIdle(jid)
		}
		if out.Status == "error" {
			hadError = true
			if out.Error != "" {
				streamedError = out.Error
			}
		}
	})

	setTyping(false)

	failed := runErr != nil || result.Status == "error" || hadError
	if !failed {
		// Durable commit point for the enqueue path.
		r.mu.Lock()
		r.committed[jid] = r.lastDelivered[jid]
		r.saveStateLocked()
		r.mu.Unlock()
		return true
	}

	diagnostics := streamedError
	if result.Error != "" {
		diagnostics = result.Error
	}
	if runErr != nil {
		diagnostics = runErr.Error()
	}

	if outputSent {
		// The user already saw an answer. Rolling back would replay the
		// same input and answer it twice, so persist the advanced cursor
		// despite the error.
		slog.Warn("agent error after output was sent, keeping cursor to prevent duplicates",
			"group", group.Name, "error", diagnostics)
		r.mu.Lock()
		r.committed[jid] = r.lastDelivered[jid]
		r.saveStateLocked()
		r.mu.Unlock()
		return true
	}

	if fallback := r.fallbackMessage(diagnostics); fallback != "" {
		if err := channel.SendMessage(jid, fallback); err != nil {
			slog.Warn("failed to send fallback message", "jid", jid, "error", err)
		} else {
			slog.Warn("sent fallback message after agent failure",
				"group", group.Name, "error", diagnostics)
		}
	}

	// Nothing reached the user: roll back the in-memory cursor so the next
	// poll retries the same messages. The durable value was never advanced
	// on this path.
	r.mu.Lock()
	r.lastDelivered[jid] = previousCursor
	r.mu.Unlock()
	slog.Warn("agent error, rolled back message cursor for retry",
		"group", group.Name, "error", diagnostics)
	return false
}

// fallbackMessage maps failure diagnostics to the configured user-facing
// apology, or "" when the failure is unclassifiable.
func (r *Router) fallbackMessage(diagnostics string) string {
	switch agent.Classify(diagnostics) {
	case agent.FailureAuth:
		return r.cfg.Router.AuthFailureMessage
	case agent.FailureUnavailable:
		return r.cfg.Router.UnavailableMessage
	default:
		return ""
	}
}

// runAgent prepares one execution's side inputs and session, starts the
// container, and keeps session continuity even when the run later errors.
// onStarted is nil for direct runs (email, scheduled tasks) that bypass the
// queue's slot tracking.
func (r *Router) runAgent(ctx context.Context, group store.RegisteredGroup, prompt, jid string, onStarted agent.OnStarted, onOutput agent.OnOutput) (agent.Output, error) {
	isMain := group.Folder == r.cfg.MainGroupFolder

	r.mu.Lock()
	sessionID := r.sessions[group.Folder]
	groupsCopy := make(map[string]store.RegisteredGroup, len(r.groups))
	for k, v := range r.groups {
		groupsCopy[k] = v
	}
	r.mu.Unlock()

	ctx, span := tracing.StartRun(ctx, group.Folder, jid)
	defer span.End()

	if tasks, err := r.store.AllTasks(); err == nil {
		if err := agent.WriteTasksSnapshot(r.cfg.GroupsDir(), group.Folder, isMain, tasks); err != nil {
			slog.Warn("failed to write tasks snapshot", "folder", group.Folder, "error", err)
		}
	} else {
		slog.Warn("failed to load tasks for snapshot", "error", err)
	}
	if chats, err := r.store.AllChats(); err == nil {
		if err := agent.WriteGroupsSnapshot(r.cfg.GroupsDir(), group.Folder, isMain, chats, groupsCopy); err != nil {
			slog.Warn("failed to write groups snapshot", "folder", group.Folder, "error", err)
		}
	} else {
		slog.Warn("failed to load chats for snapshot", "error", err)
	}

	// Persist a fresh session token the moment it streams in: continuity
	// must survive a run that errors afterwards.
	wrapped := func(out agent.Output) {
		if out.NewSessionID != "" {
			r.setSession(group.Folder, out.NewSessionID)
		}
		if onOutput != nil {
			onOutput(out)
		}
	}

	in := agent.Input{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: group.Folder,
		ChatJID:     jid,
		IsMain:      isMain,
	}

	result, err := r.runner.Run(ctx, group, in, onStarted, wrapped)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	if result.NewSessionID != "" {
		r.setSession(group.Folder, result.NewSessionID)
	}
	return result, nil
}

func (r *Router) setSession(folder, sessionID string) {
	r.mu.Lock()
	r.sessions[folder] = sessionID
	r.mu.Unlock()
	if err := r.store.SetSession(folder, sessionID); err != nil {
		slog.Error("failed to persist session", "folder", folder, "error", err)
	}
}

// RunEmailAgent executes one run for an email context and returns the
// collected reply text. Email runs bypass the queue: the context is
// ephemeral and exclusive to this call.
func (r *Router) RunEmailAgent(ctx context.Context, group store.RegisteredGroup, prompt string) (string, error) {
	jid := "email:" + group.Folder

	var parts []string
	_, err := r.runAgent(ctx, group, prompt, jid, nil, func(out agent.Output) {
		if out.Result == "" {
			return
		}
		if text := FormatOutbound(out.Result); text != "" {
			parts = append(parts, text)
			// Email runs have no piping path, so ask the agent to wind
			// down as soon as it has produced a reply.
			r.writeCloseSentinel(group.Folder)
		}
	})
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

// RunTask delivers a scheduled task prompt. When the group has a live
// execution the prompt is piped into it; otherwise the task runs in its own
// container and any output goes to the group's chat.
func (r *Router) RunTask(ctx context.Context, jid, prompt string) error {
	if r.queue.Pipe(jid, prompt) {
		slog.Debug("piped task prompt into active execution", "jid", jid)
		return nil
	}

	group, ok := r.Group(jid)
	if !ok {
		return fmt.Errorf("no registered group for %s", jid)
	}
	channel := channels.Find(r.channels, jid)
	if channel == nil {
		return fmt.Errorf("no channel owns jid %s", jid)
	}

	_, err := r.runAgent(ctx, group, prompt, jid, nil, func(out agent.Output) {
		if out.Result == "" {
			return
		}
		if text := FormatOutbound(out.Result); text != "" {
			if err := channel.SendMessage(jid, text); err != nil {
				slog.Error("failed to send task output", "jid", jid, "error", err)
			}
			r.writeCloseSentinel(group.Folder)
		}
	})
	return err
}

// writeCloseSentinel drops the _close marker the in-container agent watches
// for; it exits once seen.
func (r *Router) writeCloseSentinel(folder string) {
	inputDir := filepath.Join(r.cfg.IPCDir(), folder, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		slog.Warn("failed to create ipc input dir", "folder", folder, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(inputDir, "_close"), nil, 0o644); err != nil {
		slog.Warn("failed to write close sentinel", "folder", folder, "error", err)
	}
}
