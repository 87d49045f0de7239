package store

import (
	"fmt"
	"time"
)

// AllTasks returns every scheduled task ordered by creation time.
func (s *Store) AllTasks() ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT id, group_folder, prompt, schedule_type, schedule_value,
		status, next_run, created_at, last_run, last_result
		FROM scheduled_tasks ORDER BY created_at`)
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT id, group_folder, prompt, schedule_type, schedule_value,
		status, next_run, created_at, last_run, last_result
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run != '' AND next_run <= ?
		ORDER BY next_run`, now.UTC().Format(time.RFC3339Nano))
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, group_folder, prompt, schedule_type, schedule_value, status, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status, t.NextRun, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// MarkTaskRun records a completed run and the task's next schedule.
// An empty nextRun together with status "completed" retires one-shot tasks.
func (s *Store) MarkTaskRun(id, lastRun, lastResult, nextRun, status string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, next_run = ?, status = ?
		WHERE id = ?`, lastRun, lastResult, nextRun, status, id)
	if err != nil {
		return fmt.Errorf("mark task run %s: %w", id, err)
	}
	return nil
}

// DeleteTask removes a scheduled task.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
			&t.Status, &t.NextRun, &t.CreatedAt, &t.LastRun, &t.LastResult); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
