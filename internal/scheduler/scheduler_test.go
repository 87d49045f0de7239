package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microclaw/microclaw/internal/store"
)

type fakeTaskRunner struct {
	prompts []string
	jids    map[string]string // folder -> jid
}

func (f *fakeTaskRunner) RunTask(_ context.Context, jid, prompt string) error {
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeTaskRunner) JIDForFolder(folder string) (string, bool) {
	jid, ok := f.jids[folder]
	return jid, ok
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeTaskRunner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runner := &fakeTaskRunner{jids: map[string]string{"family": "g1@g.us"}}
	return New(st, runner, time.Second), st, runner
}

func taskByID(t *testing.T, st *store.Store, id string) store.ScheduledTask {
	t.Helper()
	tasks, err := st.AllTasks()
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s not found", id)
	return store.ScheduledTask{}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("cron", "*/5 * * * *"); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
	if err := ValidateSchedule("cron", "not a cron"); err == nil {
		t.Error("invalid cron accepted")
	}
	if err := ValidateSchedule("once", "2026-09-01T10:00:00Z"); err != nil {
		t.Errorf("valid one-shot rejected: %v", err)
	}
	if err := ValidateSchedule("once", "tomorrow"); err == nil {
		t.Error("invalid one-shot accepted")
	}
	if err := ValidateSchedule("weekly", "whatever"); err == nil {
		t.Error("unknown schedule type accepted")
	}
}

func TestTickRunsDueCronTaskAndReschedules(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	now := time.Date(2026, 8, 31, 12, 0, 30, 0, time.UTC)

	err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "family", Prompt: "post the daily summary",
		ScheduleType: "cron", ScheduleValue: "0 * * * *", Status: "active",
		NextRun:   now.Add(-time.Minute).Format(time.RFC3339Nano),
		CreatedAt: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	if len(runner.prompts) != 1 || runner.prompts[0] != "post the daily summary" {
		t.Fatalf("prompts = %v", runner.prompts)
	}

	task := taskByID(t, st, "t1")
	if task.Status != "active" {
		t.Errorf("status = %q, want active", task.Status)
	}
	next, err := time.Parse(time.RFC3339Nano, task.NextRun)
	if err != nil {
		t.Fatalf("next_run %q: %v", task.NextRun, err)
	}
	if !next.After(now) {
		t.Errorf("next_run %v not after %v", next, now)
	}
	if task.LastResult != "success" {
		t.Errorf("last_result = %q", task.LastResult)
	}
}

func TestTickRetiresOneShotTask(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "family", Prompt: "remind about dentist",
		ScheduleType: "once", ScheduleValue: now.Add(-time.Hour).Format(time.RFC3339),
		Status:  "active",
		NextRun: now.Add(-time.Hour).Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(runner.prompts) != 1 {
		t.Fatalf("prompts = %v", runner.prompts)
	}
	if task := taskByID(t, st, "t1"); task.Status != "completed" {
		t.Errorf("status = %q, want completed", task.Status)
	}
}

func TestTickSkipsFutureTasks(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "family", Prompt: "not yet",
		ScheduleType: "once", Status: "active",
		NextRun: now.Add(time.Hour).Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(runner.prompts) != 0 {
		t.Errorf("future task ran early: %v", runner.prompts)
	}
}

func TestUnknownGroupRetiresTask(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "ghost", Prompt: "orphaned",
		ScheduleType: "once", Status: "active",
		NextRun: now.Add(-time.Minute).Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(runner.prompts) != 0 {
		t.Errorf("task for unknown group ran: %v", runner.prompts)
	}
	if task := taskByID(t, st, "t1"); task.Status != "completed" {
		t.Errorf("status = %q, want completed", task.Status)
	}
}
