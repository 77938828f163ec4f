package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasknet/dispatch/pkg/models"
)

// CreateSubtask inserts a new subtask record.
func (db *DB) CreateSubtask(ctx context.Context, st *models.Subtask) error {
	deps, err := json.Marshal(st.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, status, depends_on, recommended_tool,
			priority, privacy_tier, correction_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.TaskID, st.Title, string(st.Status), string(deps), st.RecommendedTool,
		st.Priority, st.PrivacyTier, st.CorrectionCount, formatTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

// GetSubtask returns the subtask with the given ID.
// Returns ErrNotFound if no such subtask exists.
func (db *DB) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, task_id, title, status, depends_on, COALESCE(recommended_tool, ''),
			priority, privacy_tier, COALESCE(assigned_worker, ''), COALESCE(assigned_tool, ''),
			correction_count, COALESCE(error, ''), created_at, started_at, completed_at
		FROM subtasks WHERE id = ?
	`, id)

	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return st, err
}

// ListSubtasksByTask returns all subtasks belonging to a task, ordered by
// priority descending then creation time.
func (db *DB) ListSubtasksByTask(ctx context.Context, taskID string) ([]*models.Subtask, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, title, status, depends_on, COALESCE(recommended_tool, ''),
			priority, privacy_tier, COALESCE(assigned_worker, ''), COALESCE(assigned_tool, ''),
			correction_count, COALESCE(error, ''), created_at, started_at, completed_at
		FROM subtasks WHERE task_id = ?
		ORDER BY priority DESC, created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	return collectSubtasks(rows)
}

// ClaimSubtask atomically binds a subtask to a worker and tool, moving it
// to in_progress. The update succeeds only while the subtask is still in
// an allocatable status and the system-wide in-flight count is below
// maxInFlight; both checks happen inside the single UPDATE, which is the
// compare-and-swap closing the gap between candidate listing and commit.
// Returns false without error if the claim lost.
func (db *DB) ClaimSubtask(ctx context.Context, id, workerID, tool string, maxInFlight int) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE subtasks
		SET status = ?, assigned_worker = ?, assigned_tool = ?, started_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
			AND (SELECT COUNT(*) FROM subtasks WHERE status = ?) < ?
	`, string(models.SubtaskStatusInProgress), workerID, tool, formatTime(time.Now()),
		id, string(models.SubtaskStatusPending), string(models.SubtaskStatusQueued),
		string(models.SubtaskStatusCorrecting),
		string(models.SubtaskStatusInProgress), maxInFlight)
	if err != nil {
		return false, fmt.Errorf("claim subtask: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim subtask rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkQueued moves an allocatable subtask to the queued status.
// A no-op if the subtask already left the allocatable set.
func (db *DB) MarkQueued(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE subtasks SET status = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(models.SubtaskStatusQueued), id,
		string(models.SubtaskStatusPending), string(models.SubtaskStatusCorrecting))
	if err != nil {
		return fmt.Errorf("mark subtask queued: %w", err)
	}
	return nil
}

// CompleteSubtask transitions an in_progress subtask to completed and
// releases the worker's load slot. Returns ErrNotFound for unknown IDs.
func (db *DB) CompleteSubtask(ctx context.Context, id string) error {
	return db.finishSubtask(ctx, id, models.SubtaskStatusCompleted, "")
}

// FailSubtask transitions a subtask to the terminal failed status with the
// given reason and drops its allocation queue entry, if any.
func (db *DB) FailSubtask(ctx context.Context, id, reason string) error {
	return db.finishSubtask(ctx, id, models.SubtaskStatusFailed, reason)
}

func (db *DB) finishSubtask(ctx context.Context, id string, status models.SubtaskStatus, reason string) error {
	st, err := db.GetSubtask(ctx, id)
	if err != nil {
		return err
	}

	return db.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subtasks SET status = ?, error = ?, completed_at = ? WHERE id = ?
		`, string(status), reason, formatTime(time.Now()), id); err != nil {
			return fmt.Errorf("finish subtask: %w", err)
		}
		// A terminal subtask must not linger on the allocation queue.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM allocation_queue WHERE subtask_id = ?
		`, id); err != nil {
			return fmt.Errorf("drop queue entry: %w", err)
		}
		if st.Status == models.SubtaskStatusInProgress && st.AssignedWorker != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET active_subtasks = MAX(active_subtasks - 1, 0) WHERE id = ?
			`, st.AssignedWorker); err != nil {
				return fmt.Errorf("release worker slot: %w", err)
			}
		}
		return nil
	})
}

// MarkCorrecting sends a subtask back through the allocation path for
// rework, charging one correction cycle. Once the budget is exhausted the
// subtask escalates to failed instead. Returns the resulting status.
func (db *DB) MarkCorrecting(ctx context.Context, id string, maxCorrections int) (models.SubtaskStatus, error) {
	st, err := db.GetSubtask(ctx, id)
	if err != nil {
		return "", err
	}

	if st.CorrectionCount+1 > maxCorrections {
		if err := db.FailSubtask(ctx, id, fmt.Sprintf("correction budget exhausted after %d cycles", st.CorrectionCount)); err != nil {
			return "", err
		}
		return models.SubtaskStatusFailed, nil
	}

	err = db.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subtasks
			SET status = ?, correction_count = correction_count + 1,
				assigned_worker = NULL, assigned_tool = NULL, started_at = NULL
			WHERE id = ?
		`, string(models.SubtaskStatusCorrecting), id); err != nil {
			return fmt.Errorf("mark subtask correcting: %w", err)
		}
		if st.Status == models.SubtaskStatusInProgress && st.AssignedWorker != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET active_subtasks = MAX(active_subtasks - 1, 0) WHERE id = ?
			`, st.AssignedWorker); err != nil {
				return fmt.Errorf("release worker slot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return models.SubtaskStatusCorrecting, nil
}

// CountInProgress returns the number of subtasks currently in_progress
// across all tasks. This backs the global concurrency ceiling check.
func (db *DB) CountInProgress(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subtasks WHERE status = ?
	`, string(models.SubtaskStatusInProgress)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-progress subtasks: %w", err)
	}
	return n, nil
}

// SubtaskStatusCounts returns the number of subtasks per status.
func (db *DB) SubtaskStatusCounts(ctx context.Context) (map[models.SubtaskStatus]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM subtasks GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("subtask status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SubtaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.SubtaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubtask(row scanner) (*models.Subtask, error) {
	var (
		st          models.Subtask
		status      string
		depends     string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&st.ID, &st.TaskID, &st.Title, &status, &depends, &st.RecommendedTool,
		&st.Priority, &st.PrivacyTier, &st.AssignedWorker, &st.AssignedTool,
		&st.CorrectionCount, &st.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	st.Status = models.SubtaskStatus(status)
	if err := json.Unmarshal([]byte(depends), &st.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	st.StartedAt = parseNullableTime(startedAt)
	st.CompletedAt = parseNullableTime(completedAt)
	return &st, nil
}

func collectSubtasks(rows *sql.Rows) ([]*models.Subtask, error) {
	var out []*models.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
