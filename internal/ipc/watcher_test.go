package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/microclaw/microclaw/internal/store"
)

type fakeActions struct {
	sent       []string
	registered []string
	jids       map[string]string
	groups     map[string]store.RegisteredGroup
}

func (f *fakeActions) SendToChat(jid, text string) error {
	f.sent = append(f.sent, jid+": "+text)
	return nil
}

func (f *fakeActions) JIDForFolder(folder string) (string, bool) {
	jid, ok := f.jids[folder]
	return jid, ok
}

func (f *fakeActions) Group(jid string) (store.RegisteredGroup, bool) {
	g, ok := f.groups[jid]
	return g, ok
}

func (f *fakeActions) RegisterGroup(jid string, group store.RegisteredGroup) error {
	f.registered = append(f.registered, jid)
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeActions, string) {
	t.Helper()
	dir := t.TempDir()
	actions := &fakeActions{
		jids: map[string]string{"family": "g1@g.us", "main": "main@g.us"},
		groups: map[string]store.RegisteredGroup{
			"g1@g.us":   {Name: "Family", Folder: "family"},
			"main@g.us": {Name: "Main", Folder: "main"},
		},
	}
	return New(dir, "main", actions), actions, dir
}

func writeRequest(t *testing.T, ipcDir, folder, name, content string) string {
	t.Helper()
	dir := filepath.Join(ipcDir, folder, "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOwnGroupMessageAllowed(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	path := writeRequest(t, dir, "family", "r1.json",
		`{"type":"message","chatJid":"g1@g.us","text":"hello"}`)

	w.processFile(path)

	if len(actions.sent) != 1 || actions.sent[0] != "g1@g.us: hello" {
		t.Errorf("sent = %v", actions.sent)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("processed request file was not removed")
	}
}

func TestCrossGroupMessageRejected(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	path := writeRequest(t, dir, "family", "r1.json",
		`{"type":"message","chatJid":"main@g.us","text":"sneaky"}`)

	w.processFile(path)

	if len(actions.sent) != 0 {
		t.Errorf("cross-group send went through: %v", actions.sent)
	}
	if _, err := os.Stat(path + ".malformed"); err != nil {
		t.Error("rejected request was not moved aside")
	}
}

func TestMainGroupMayMessageAnywhere(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	path := writeRequest(t, dir, "main", "r1.json",
		`{"type":"message","chatJid":"g1@g.us","text":"broadcast"}`)

	w.processFile(path)

	if len(actions.sent) != 1 {
		t.Errorf("sent = %v", actions.sent)
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	w, actions, dir := newTestWatcher(t)

	good := writeRequest(t, dir, "main", "r1.json",
		`{"type":"register_group","jid":"g2@g.us","group":{"name":"New","folder":"new-group"}}`)
	w.processFile(good)
	if len(actions.registered) != 1 || actions.registered[0] != "g2@g.us" {
		t.Errorf("registered = %v", actions.registered)
	}

	bad := writeRequest(t, dir, "family", "r2.json",
		`{"type":"register_group","jid":"g3@g.us","group":{"name":"Nope","folder":"nope"}}`)
	w.processFile(bad)
	if len(actions.registered) != 1 {
		t.Errorf("non-main registration went through: %v", actions.registered)
	}
}

func TestMalformedRequestMovedAside(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	path := writeRequest(t, dir, "family", "broken.json", `{not json`)

	w.processFile(path)

	if len(actions.sent)+len(actions.registered) != 0 {
		t.Error("malformed request had side effects")
	}
	if _, err := os.Stat(path + ".malformed"); err != nil {
		t.Error("malformed request was not moved aside")
	}
	// A second pass must not reprocess the moved file.
	w.processFile(path + ".malformed")
	if _, err := os.Stat(path + ".malformed.malformed"); err == nil {
		t.Error("malformed marker file was reprocessed")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	path := writeRequest(t, dir, "family", "r1.json", `{"type":"launch_missiles"}`)

	w.processFile(path)

	if len(actions.sent) != 0 {
		t.Errorf("unexpected side effects: %v", actions.sent)
	}
	if _, err := os.Stat(path + ".malformed"); err != nil {
		t.Error("unknown request was not moved aside")
	}
}

func TestManyRequestsProcessedIndependently(t *testing.T) {
	w, actions, dir := newTestWatcher(t)
	for i := 0; i < 5; i++ {
		path := writeRequest(t, dir, "family", fmt.Sprintf("r%d.json", i),
			fmt.Sprintf(`{"type":"message","chatJid":"g1@g.us","text":"msg %d"}`, i))
		w.processFile(path)
	}
	if len(actions.sent) != 5 {
		t.Errorf("sent %d messages, want 5", len(actions.sent))
	}
}
