package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func ts(sec int) string {
	return time.Date(2026, 1, 1, 10, 0, sec, 0, time.UTC).Format(time.RFC3339Nano)
}

func TestMessagesSinceOrderingAndHighWater(t *testing.T) {
	st := openTestStore(t)

	msgs := []Message{
		{ID: "m2", ChatJID: "g1", Sender: "u1", SenderName: "Alice", Content: "second", Timestamp: ts(2)},
		{ID: "m1", ChatJID: "g1", Sender: "u1", SenderName: "Alice", Content: "first", Timestamp: ts(1)},
		{ID: "m3", ChatJID: "g2", Sender: "u2", SenderName: "Bob", Content: "other chat", Timestamp: ts(3)},
	}
	for _, m := range msgs {
		if err := st.StoreMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	got, high, err := st.MessagesSince([]string{"g1", "g2"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" || got[2].ID != "m3" {
		t.Errorf("order = %s,%s,%s, want m1,m2,m3", got[0].ID, got[1].ID, got[2].ID)
	}
	if high != ts(3) {
		t.Errorf("high water = %q, want %q", high, ts(3))
	}
}

func TestMessagesSinceStrictlyAfter(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 3; i++ {
		st.StoreMessage(Message{ID: "m" + ts(i), ChatJID: "g1", Content: "x", Timestamp: ts(i)})
	}

	got, high, err := st.MessagesSince([]string{"g1"}, ts(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Timestamp != ts(3) {
		t.Errorf("got %+v, want only the ts(3) message", got)
	}
	if high != ts(3) {
		t.Errorf("high water = %q", high)
	}

	// No newer rows leaves the cursor untouched.
	got, high, err = st.MessagesSince([]string{"g1"}, ts(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || high != ts(3) {
		t.Errorf("got %d msgs, high %q; want 0 and unchanged", len(got), high)
	}
}

func TestMessagesSinceExcludesOwnAndBotMessages(t *testing.T) {
	st := openTestStore(t)
	st.StoreMessage(Message{ID: "m1", ChatJID: "g1", Content: "user text", Timestamp: ts(1)})
	st.StoreMessage(Message{ID: "m2", ChatJID: "g1", Content: "our own", Timestamp: ts(2), IsFromMe: true})
	st.StoreMessage(Message{ID: "m3", ChatJID: "g1", Content: "assistant reply", Timestamp: ts(3), IsBot: true})

	got, _, err := st.MessagesSince([]string{"g1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("got %+v, want only the user message", got)
	}
}

func TestStoreMessageIdempotent(t *testing.T) {
	st := openTestStore(t)
	m := Message{ID: "m1", ChatJID: "g1", Content: "hello", Timestamp: ts(1)}
	if err := st.StoreMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := st.StoreMessage(m); err != nil {
		t.Fatalf("replayed insert failed: %v", err)
	}
	got, _, _ := st.MessagesSince([]string{"g1"}, "")
	if len(got) != 1 {
		t.Errorf("duplicate insert produced %d rows", len(got))
	}
}

func TestChatMetadataKeepsNewestActivity(t *testing.T) {
	st := openTestStore(t)
	st.StoreChatMetadata(Chat{JID: "g1", Name: "Family", Channel: "whatsapp", IsGroup: true, LastMessageTime: ts(5)})
	st.StoreChatMetadata(Chat{JID: "g1", Name: "", Channel: "", IsGroup: true, LastMessageTime: ts(2)})

	chats, err := st.AllChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats", len(chats))
	}
	if chats[0].Name != "Family" || chats[0].LastMessageTime != ts(5) {
		t.Errorf("chat = %+v, want name and newest activity preserved", chats[0])
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := openTestStore(t)

	if v, err := st.GetState("missing"); err != nil || v != "" {
		t.Errorf("GetState(missing) = %q, %v", v, err)
	}
	if err := st.SetState("last_timestamp", ts(1)); err != nil {
		t.Fatal(err)
	}
	if err := st.SetState("last_timestamp", ts(2)); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.GetState("last_timestamp"); v != ts(2) {
		t.Errorf("GetState = %q, want %q", v, ts(2))
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	st.SetSession("family", "sess-1")
	st.SetSession("family", "sess-2")
	st.SetSession("work", "sess-3")

	sessions, err := st.AllSessions()
	if err != nil {
		t.Fatal(err)
	}
	if sessions["family"] != "sess-2" || sessions["work"] != "sess-3" {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestRegisteredGroupsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	g := RegisteredGroup{Name: "Family", Folder: "family", Trigger: "Claw", RequiresTrigger: true, AddedAt: ts(0)}
	if err := st.SetRegisteredGroup("g1@g.us", g); err != nil {
		t.Fatal(err)
	}

	groups, err := st.AllRegisteredGroups()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := groups["g1@g.us"]
	if !ok {
		t.Fatal("group missing after registration")
	}
	if got.Folder != "family" || !got.RequiresTrigger || got.Trigger != "Claw" {
		t.Errorf("group = %+v", got)
	}
}

func TestDueTasks(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	st.CreateTask(ScheduledTask{ID: "past", GroupFolder: "f", Prompt: "p",
		ScheduleType: "once", Status: "active", NextRun: now.Add(-time.Minute).Format(time.RFC3339Nano)})
	st.CreateTask(ScheduledTask{ID: "future", GroupFolder: "f", Prompt: "p",
		ScheduleType: "once", Status: "active", NextRun: now.Add(time.Minute).Format(time.RFC3339Nano)})
	st.CreateTask(ScheduledTask{ID: "done", GroupFolder: "f", Prompt: "p",
		ScheduleType: "once", Status: "completed", NextRun: now.Add(-time.Minute).Format(time.RFC3339Nano)})

	due, err := st.DueTasks(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Errorf("due = %+v, want only the past active task", due)
	}
}

func TestEmailProcessedTracking(t *testing.T) {
	st := openTestStore(t)

	if ok, _ := st.IsEmailProcessed("e1"); ok {
		t.Error("unseen email reported processed")
	}
	if err := st.MarkEmailProcessed("e1", "t1", "alice@example.com", "[Claw] help"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := st.IsEmailProcessed("e1"); !ok {
		t.Error("processed email not recorded")
	}
	if err := st.MarkEmailResponded("e1"); err != nil {
		t.Fatal(err)
	}
}
