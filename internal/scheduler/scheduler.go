// Package scheduler runs time-based tasks through the same execution path
// as chat messages. A due task's prompt is piped into the group's live
// execution when one exists, otherwise run directly.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/microclaw/microclaw/internal/store"
)

// TaskRunner is the router surface the scheduler drives.
type TaskRunner interface {
	// RunTask delivers a task prompt to the group owning jid.
	RunTask(ctx context.Context, jid, prompt string) error
	// JIDForFolder resolves a group folder to its conversation.
	JIDForFolder(folder string) (string, bool)
}

// Scheduler polls for due tasks.
type Scheduler struct {
	store    *store.Store
	runner   TaskRunner
	interval time.Duration
}

// New creates a scheduler polling at the given interval.
func New(st *store.Store, runner TaskRunner, interval time.Duration) *Scheduler {
	return &Scheduler{store: st, runner: runner, interval: interval}
}

// ValidateSchedule checks a schedule before a task is created.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case "cron":
		if !gronx.New().IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
	case "once":
		if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
			return fmt.Errorf("invalid one-shot time %q: %w", scheduleValue, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes the first run time for a schedule, from now.
func NextRun(scheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case "cron":
		return gronx.NextTickAfter(scheduleValue, now, false)
	case "once":
		return time.Parse(time.RFC3339, scheduleValue)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Start polls for due tasks until ctx is cancelled. Blocking; run it in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.tick(ctx, time.Now().UTC()); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueTasks(now)
	if err != nil {
		return err
	}

	for _, task := range due {
		s.runOne(ctx, task, now)
	}
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, task store.ScheduledTask, now time.Time) {
	slog.Info("running scheduled task", "id", task.ID, "folder", task.GroupFolder)

	jid, ok := s.runner.JIDForFolder(task.GroupFolder)
	if !ok {
		slog.Warn("scheduled task references unknown group, completing it",
			"id", task.ID, "folder", task.GroupFolder)
		s.finishTask(task, now, "error: group not registered")
		return
	}

	result := "success"
	if err := s.runner.RunTask(ctx, jid, task.Prompt); err != nil {
		slog.Error("scheduled task run failed", "id", task.ID, "error", err)
		result = "error: " + err.Error()
	}
	s.finishTask(task, now, result)
}

// finishTask records the run and either reschedules a cron task or retires
// a one-shot.
func (s *Scheduler) finishTask(task store.ScheduledTask, now time.Time, result string) {
	lastRun := now.Format(time.RFC3339Nano)

	if task.ScheduleType == "cron" {
		next, err := gronx.NextTickAfter(task.ScheduleValue, now, false)
		if err != nil {
			slog.Error("cron expression no longer parses, retiring task",
				"id", task.ID, "expr", task.ScheduleValue, "error", err)
			s.markRun(task.ID, lastRun, result, "", "completed")
			return
		}
		s.markRun(task.ID, lastRun, result, next.UTC().Format(time.RFC3339Nano), "active")
		return
	}
	s.markRun(task.ID, lastRun, result, "", "completed")
}

func (s *Scheduler) markRun(id, lastRun, result, nextRun, status string) {
	if err := s.store.MarkTaskRun(id, lastRun, result, nextRun, status); err != nil {
		slog.Error("failed to record task run", "id", id, "error", err)
	}
}
