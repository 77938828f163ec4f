package state

import (
	"context"
	"fmt"
	"time"

	"github.com/tasknet/dispatch/pkg/models"
)

// EnqueueSubtask appends a pending-allocation marker for the subtask.
// A subtask already in the queue keeps its original position and attempt
// count; re-enqueueing is a no-op.
func (db *DB) EnqueueSubtask(ctx context.Context, subtaskID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO allocation_queue (subtask_id, attempts, enqueued_at)
		VALUES (?, 0, ?)
	`, subtaskID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue subtask: %w", err)
	}
	return nil
}

// OldestQueueEntries returns up to limit queue entries in enqueue order.
// Entries are not removed; callers dequeue explicitly after a successful
// allocation so a crashed sweep loses nothing.
func (db *DB) OldestQueueEntries(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subtask_id, attempts, enqueued_at
		FROM allocation_queue
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []*models.QueueEntry
	for rows.Next() {
		var (
			e          models.QueueEntry
			enqueuedAt string
		)
		if err := rows.Scan(&e.SubtaskID, &e.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DequeueSubtask removes a subtask's queue entry.
func (db *DB) DequeueSubtask(ctx context.Context, subtaskID string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM allocation_queue WHERE subtask_id = ?
	`, subtaskID)
	if err != nil {
		return fmt.Errorf("dequeue subtask: %w", err)
	}
	return nil
}

// BumpQueueAttempts increments a queue entry's reallocation attempt
// counter and returns the new count.
func (db *DB) BumpQueueAttempts(ctx context.Context, subtaskID string) (int, error) {
	_, err := db.ExecContext(ctx, `
		UPDATE allocation_queue SET attempts = attempts + 1 WHERE subtask_id = ?
	`, subtaskID)
	if err != nil {
		return 0, fmt.Errorf("bump queue attempts: %w", err)
	}

	var attempts int
	err = db.QueryRowContext(ctx, `
		SELECT attempts FROM allocation_queue WHERE subtask_id = ?
	`, subtaskID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("read queue attempts: %w", err)
	}
	return attempts, nil
}

// QueueLength returns the number of subtasks awaiting reallocation.
func (db *DB) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
