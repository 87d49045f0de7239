package router

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/microclaw/microclaw/internal/bootstrap"
	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/store"
)

// validFolder keeps group folders mount-safe and traversal-free.
var validFolder = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateGroupFolder rejects folder names that could escape the groups
// directory or break container mounts.
func ValidateGroupFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("group folder is empty")
	}
	if strings.Contains(folder, "..") || strings.ContainsAny(folder, `/\`) {
		return fmt.Errorf("group folder %q contains path separators", folder)
	}
	if !validFolder.MatchString(folder) {
		return fmt.Errorf("group folder %q has invalid characters", folder)
	}
	return nil
}

// RegisterGroup adds or replaces a conversation registration and prepares
// its workspace on disk.
func (r *Router) RegisterGroup(jid string, group store.RegisteredGroup) error {
	if err := ValidateGroupFolder(group.Folder); err != nil {
		return fmt.Errorf("register group %s: %w", jid, err)
	}

	if err := bootstrap.EnsureGroupWorkspace(filepath.Join(r.cfg.GroupsDir(), group.Folder)); err != nil {
		return fmt.Errorf("create group folder: %w", err)
	}
	if err := r.store.SetRegisteredGroup(jid, group); err != nil {
		return err
	}

	r.mu.Lock()
	r.groups[jid] = group
	r.mu.Unlock()

	slog.Info("group registered", "jid", jid, "name", group.Name, "folder", group.Folder)
	return nil
}

// Group returns the registration for jid, if any.
func (r *Router) Group(jid string) (store.RegisteredGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[jid]
	return g, ok
}

// EnqueueGroup requests an execution for a registered conversation. Used by
// the scheduler and IPC surfaces; a no-op for unknown JIDs.
func (r *Router) EnqueueGroup(jid string) {
	r.mu.Lock()
	_, ok := r.groups[jid]
	r.mu.Unlock()
	if ok {
		r.queue.Enqueue(jid)
	}
}

// PipeOrEnqueue delivers text to a live execution for jid, falling back to
// a fresh enqueue. Used by the scheduler for task prompts.
func (r *Router) PipeOrEnqueue(jid, text string) {
	if !r.queue.Pipe(jid, text) {
		r.queue.Enqueue(jid)
	}
}

// JIDForFolder resolves a group folder back to its conversation JID.
func (r *Router) JIDForFolder(folder string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jid, g := range r.groups {
		if g.Folder == folder {
			return jid, true
		}
	}
	return "", false
}

// SendToChat delivers text to a conversation through whichever channel owns
// it.
func (r *Router) SendToChat(jid, text string) error {
	channel := channels.Find(r.channels, jid)
	if channel == nil {
		return fmt.Errorf("no channel owns jid %s", jid)
	}
	return channel.SendMessage(jid, text)
}
