package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tasknet/dispatch/pkg/models"
)

// CreateTask inserts a new task record.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, privacy_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, string(t.Status), t.PrivacyTier, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given ID.
// Returns ErrNotFound if no such task exists.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description, ''), status, privacy_tier, created_at, completed_at
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListActiveTasks returns tasks that have not reached a terminal status,
// oldest first. These are the tasks a scheduling cycle walks.
func (db *DB) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, COALESCE(description, ''), status, privacy_tier, created_at, completed_at
		FROM tasks
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC
	`, string(models.TaskStatusCompleted), string(models.TaskStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActiveTasks returns the number of non-terminal tasks.
func (db *DB) CountActiveTasks(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status NOT IN (?, ?)
	`, string(models.TaskStatusCompleted), string(models.TaskStatusFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// UpdateTaskStatus sets a task's status, recording the completion time for
// terminal transitions.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	var err error
	if status.Terminal() {
		_, err = db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?
		`, string(status), formatTime(time.Now()), id)
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE tasks SET status = ? WHERE id = ?
		`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// RecomputeTaskStatus derives a task's aggregate status from its subtask
// states and persists it. Returns the derived status. A task completes
// when every subtask completed; it fails when any subtask failed
// terminally and none remain actionable.
func (db *DB) RecomputeTaskStatus(ctx context.Context, taskID string) (models.TaskStatus, error) {
	subtasks, err := db.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	status := deriveTaskStatus(subtasks)
	if err := db.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return "", err
	}
	return status, nil
}

func deriveTaskStatus(subtasks []*models.Subtask) models.TaskStatus {
	if len(subtasks) == 0 {
		return models.TaskStatusPending
	}

	completed, failed, active := 0, 0, 0
	for _, st := range subtasks {
		switch st.Status {
		case models.SubtaskStatusCompleted:
			completed++
		case models.SubtaskStatusFailed:
			failed++
		default:
			active++
		}
	}

	switch {
	case completed == len(subtasks):
		return models.TaskStatusCompleted
	case failed > 0 && active == 0:
		return models.TaskStatusFailed
	case completed > 0 || anyStarted(subtasks):
		return models.TaskStatusInProgress
	default:
		return models.TaskStatusPending
	}
}

func anyStarted(subtasks []*models.Subtask) bool {
	for _, st := range subtasks {
		if st.Status == models.SubtaskStatusInProgress {
			return true
		}
	}
	return false
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t           models.Task
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.PrivacyTier, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}
