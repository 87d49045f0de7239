package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/microclaw/microclaw/internal/store"
)

func readSnapshot[T any](t *testing.T, dir, folder, name string) []T {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, folder, name))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var v []T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return v
}

func TestWriteTasksSnapshotFiltersByGroup(t *testing.T) {
	dir := t.TempDir()
	tasks := []store.ScheduledTask{
		{ID: "1", GroupFolder: "family", Prompt: "daily summary"},
		{ID: "2", GroupFolder: "work", Prompt: "standup reminder"},
	}

	if err := WriteTasksSnapshot(dir, "family", false, tasks); err != nil {
		t.Fatal(err)
	}
	got := readSnapshot[taskSnapshot](t, dir, "family", "tasks.json")
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("non-main snapshot = %+v, want only task 1", got)
	}

	if err := WriteTasksSnapshot(dir, "main", true, tasks); err != nil {
		t.Fatal(err)
	}
	if got := readSnapshot[taskSnapshot](t, dir, "main", "tasks.json"); len(got) != 2 {
		t.Errorf("main snapshot has %d tasks, want 2", len(got))
	}
}

func TestWriteGroupsSnapshotMainOnly(t *testing.T) {
	dir := t.TempDir()
	chats := []store.Chat{
		{JID: "g1@g.us", Name: "Family", IsGroup: true, LastMessageTime: "2026-01-01T00:00:00Z"},
		{JID: "dm@s.whatsapp.net", Name: "Alice", IsGroup: false},
	}
	registered := map[string]store.RegisteredGroup{
		"g1@g.us": {Name: "Family", Folder: "family"},
	}

	if err := WriteGroupsSnapshot(dir, "main", true, chats, registered); err != nil {
		t.Fatal(err)
	}
	got := readSnapshot[groupSnapshot](t, dir, "main", "groups.json")
	if len(got) != 1 {
		t.Fatalf("main snapshot = %+v, want 1 group entry", got)
	}
	if got[0].JID != "g1@g.us" || !got[0].IsRegistered {
		t.Errorf("entry = %+v, want registered g1@g.us", got[0])
	}

	if err := WriteGroupsSnapshot(dir, "family", false, chats, registered); err != nil {
		t.Fatal(err)
	}
	if got := readSnapshot[groupSnapshot](t, dir, "family", "groups.json"); len(got) != 0 {
		t.Errorf("non-main snapshot = %+v, want empty", got)
	}
}
