package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/microclaw/microclaw/internal/store"
)

// Snapshots are side inputs the running agent reads from its workspace.
// They are refreshed at the start of every run; staleness during a run is
// acceptable.

type taskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run"`
}

type groupSnapshot struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// WriteTasksSnapshot writes the scheduled tasks visible to a group. The
// main group sees every task; other groups see only their own.
func WriteTasksSnapshot(groupsDir, folder string, isMain bool, tasks []store.ScheduledTask) error {
	visible := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		visible = append(visible, taskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return writeSnapshot(groupsDir, folder, "tasks.json", visible)
}

// WriteGroupsSnapshot writes the conversations visible to a group. Only the
// main group can see the full conversation list; others get an empty list.
func WriteGroupsSnapshot(groupsDir, folder string, isMain bool, chats []store.Chat, registered map[string]store.RegisteredGroup) error {
	visible := make([]groupSnapshot, 0)
	if isMain {
		for _, c := range chats {
			if !c.IsGroup {
				continue
			}
			_, isRegistered := registered[c.JID]
			visible = append(visible, groupSnapshot{
				JID:          c.JID,
				Name:         c.Name,
				LastActivity: c.LastMessageTime,
				IsRegistered: isRegistered,
			})
		}
	}
	return writeSnapshot(groupsDir, folder, "groups.json", visible)
}

func writeSnapshot(groupsDir, folder, name string, v any) error {
	dir := filepath.Join(groupsDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
