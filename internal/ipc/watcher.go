// Package ipc watches the per-group IPC directories that running agent
// containers write outbound requests into. Each request is one JSON file
// dropped in <ipc>/<folder>/messages/; the watcher validates it against the
// group's permissions, executes it, and deletes it.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/microclaw/microclaw/internal/store"
)

// Actions is the router surface IPC requests act through.
type Actions interface {
	SendToChat(jid, text string) error
	JIDForFolder(folder string) (string, bool)
	Group(jid string) (store.RegisteredGroup, bool)
	RegisterGroup(jid string, group store.RegisteredGroup) error
}

// request is the on-disk IPC format.
type request struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// register_group fields, accepted from the main group only.
	JID   string                 `json:"jid,omitempty"`
	Group *store.RegisteredGroup `json:"group,omitempty"`
}

// Watcher processes IPC request files.
type Watcher struct {
	ipcDir     string
	mainFolder string
	actions    Actions
}

// New creates a watcher over ipcDir.
func New(ipcDir, mainFolder string, actions Actions) *Watcher {
	return &Watcher{ipcDir: ipcDir, mainFolder: mainFolder, actions: actions}
}

// Start watches for IPC requests until ctx is cancelled. Blocking; run it
// in a goroutine. Requests already on disk are processed first.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.ipcDir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create ipc watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.ipcDir); err != nil {
		return fmt.Errorf("watch ipc dir: %w", err)
	}

	// Pick up group dirs and requests that predate this process.
	entries, err := os.ReadDir(w.ipcDir)
	if err != nil {
		return fmt.Errorf("scan ipc dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchGroupDir(fw, filepath.Join(w.ipcDir, e.Name()))
		}
	}

	slog.Info("ipc watcher started", "dir", w.ipcDir)
	for {
		select {
		case <-ctx.Done():
			slog.Info("ipc watcher stopped")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.handleEvent(fw, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ipc watcher error", "error", err)
		}
	}
}

// watchGroupDir adds the messages subdir of one group's IPC dir to the
// watch set and drains any requests already present.
func (w *Watcher) watchGroupDir(fw *fsnotify.Watcher, groupDir string) {
	messagesDir := filepath.Join(groupDir, "messages")
	if err := os.MkdirAll(messagesDir, 0o755); err != nil {
		slog.Warn("failed to create ipc messages dir", "dir", messagesDir, "error", err)
		return
	}
	if err := fw.Add(messagesDir); err != nil {
		slog.Warn("failed to watch ipc messages dir", "dir", messagesDir, "error", err)
		return
	}
	entries, err := os.ReadDir(messagesDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.processFile(filepath.Join(messagesDir, e.Name()))
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // already removed
	}

	// A new directory directly under the ipc root is a new group context.
	if info.IsDir() {
		if filepath.Dir(path) == w.ipcDir {
			w.watchGroupDir(fw, path)
		}
		return
	}
	if filepath.Base(filepath.Dir(path)) != "messages" {
		return
	}

	// Give the writer a beat to finish; container writes are small but not
	// atomic.
	time.Sleep(50 * time.Millisecond)
	w.processFile(path)
}

func (w *Watcher) processFile(path string) {
	if strings.HasSuffix(path, ".malformed") {
		return
	}

	folder := filepath.Base(filepath.Dir(filepath.Dir(path)))

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("malformed ipc request, moving aside", "file", path, "error", err)
		w.moveAside(path)
		return
	}

	if err := w.execute(folder, req); err != nil {
		slog.Warn("rejected ipc request", "file", path, "folder", folder, "error", err)
		w.moveAside(path)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove processed ipc request", "file", path, "error", err)
	}
}

func (w *Watcher) execute(folder string, req request) error {
	isMain := folder == w.mainFolder

	switch req.Type {
	case "message":
		if req.ChatJID == "" || req.Text == "" {
			return fmt.Errorf("message request missing chatJid or text")
		}
		// Non-main groups may only message their own conversation.
		if !isMain {
			own, ok := w.actions.JIDForFolder(folder)
			if !ok || own != req.ChatJID {
				return fmt.Errorf("group %s may not send to %s", folder, req.ChatJID)
			}
		}
		if _, registered := w.actions.Group(req.ChatJID); !registered && !isMain {
			return fmt.Errorf("target %s is not registered", req.ChatJID)
		}
		return w.actions.SendToChat(req.ChatJID, req.Text)

	case "register_group":
		if !isMain {
			return fmt.Errorf("group %s may not register groups", folder)
		}
		if req.JID == "" || req.Group == nil {
			return fmt.Errorf("register_group request missing jid or group")
		}
		return w.actions.RegisterGroup(req.JID, *req.Group)

	default:
		return fmt.Errorf("unknown ipc request type %q", req.Type)
	}
}

func (w *Watcher) moveAside(path string) {
	if err := os.Rename(path, path+".malformed"); err != nil {
		slog.Warn("failed to move malformed ipc request aside", "file", path, "error", err)
	}
}
