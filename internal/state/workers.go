package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasknet/dispatch/pkg/models"
)

// UpsertWorker registers a worker or updates an existing registration.
// Registration is idempotent by machine ID: the first call creates the
// row, subsequent calls refresh name/capabilities/trust tier and return
// the same worker ID.
func (db *DB) UpsertWorker(ctx context.Context, machineID, name string, capabilities []string, trustTier int) (string, error) {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}

	var workerID string
	err = db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM workers WHERE machine_id = ?`, machineID)
		err := row.Scan(&workerID)
		switch {
		case err == sql.ErrNoRows:
			workerID = uuid.NewString()
			now := formatTime(time.Now())
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workers (id, machine_id, name, capabilities, status, trust_tier,
					last_heartbeat, registered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, workerID, machineID, name, string(caps), string(models.WorkerStatusIdle),
				trustTier, now, now)
			if err != nil {
				return fmt.Errorf("insert worker: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup worker by machine id: %w", err)
		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE workers SET name = ?, capabilities = ?, trust_tier = ? WHERE id = ?
			`, name, string(caps), trustTier, workerID)
			if err != nil {
				return fmt.Errorf("update worker registration: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return "", err
	}
	return workerID, nil
}

// GetWorker returns the worker with the given ID.
// Returns ErrNotFound if no such worker exists.
func (db *DB) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := db.QueryRowContext(ctx, workerSelect+` WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w, err
}

// ListWorkers returns all registered workers ordered by registration time.
func (db *DB) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := db.QueryContext(ctx, workerSelect+` ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordWorkerHeartbeat updates a worker's liveness timestamp, status, and
// resource gauges. Returns ErrNotFound for unknown worker IDs.
func (db *DB) RecordWorkerHeartbeat(ctx context.Context, id string, status models.WorkerStatus, gauges models.ResourceGauges, currentTaskID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE workers
		SET status = ?, cpu_percent = ?, memory_percent = ?, disk_percent = ?,
			current_task_id = ?, last_heartbeat = ?
		WHERE id = ?
	`, string(status), gauges.CPUPercent, gauges.MemoryPercent, gauges.DiskPercent,
		currentTaskID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementWorkerLoad bumps a worker's active subtask counter, but only
// while the worker is still alive and below the per-worker cap. This is
// the final compare-and-swap on worker eligibility at commit time.
// Returns false without error if the condition no longer holds.
func (db *DB) IncrementWorkerLoad(ctx context.Context, id string, maxActive int) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE workers
		SET active_subtasks = active_subtasks + 1
		WHERE id = ? AND active_subtasks < ? AND status IN (?, ?)
	`, id, maxActive, string(models.WorkerStatusOnline), string(models.WorkerStatusIdle))
	if err != nil {
		return false, fmt.Errorf("increment worker load: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment load rows affected: %w", err)
	}
	return n > 0, nil
}

// DecrementWorkerLoad releases one of a worker's load slots, floored at zero.
func (db *DB) DecrementWorkerLoad(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE workers SET active_subtasks = MAX(active_subtasks - 1, 0) WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("decrement worker load: %w", err)
	}
	return nil
}

// MarkWorkerOffline transitions a worker to offline. Idempotent; used by
// both explicit unregister and the liveness sweep. Workers are
// soft-deleted, never removed.
func (db *DB) MarkWorkerOffline(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE id = ?
	`, string(models.WorkerStatusOffline), id)
	if err != nil {
		return fmt.Errorf("mark worker offline: %w", err)
	}
	return nil
}

// MarkStaleWorkersOffline transitions every alive worker whose heartbeat
// predates the cutoff to offline, returning the affected worker IDs.
func (db *DB) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM workers
		WHERE status != ? AND last_heartbeat < ?
	`, string(models.WorkerStatusOffline), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find stale workers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale worker id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := db.MarkWorkerOffline(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// CountAvailableWorkers returns the number of alive workers under the
// per-worker concurrency cap.
func (db *DB) CountAvailableWorkers(ctx context.Context, maxActive int) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers
		WHERE status IN (?, ?) AND active_subtasks < ?
	`, string(models.WorkerStatusOnline), string(models.WorkerStatusIdle), maxActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available workers: %w", err)
	}
	return n, nil
}

const workerSelect = `
	SELECT id, machine_id, name, capabilities, status, cpu_percent, memory_percent,
		disk_percent, trust_tier, active_subtasks, COALESCE(current_task_id, ''),
		last_heartbeat, registered_at
	FROM workers`

func scanWorker(row scanner) (*models.Worker, error) {
	var (
		w            models.Worker
		status       string
		caps         string
		heartbeat    string
		registeredAt string
	)
	err := row.Scan(&w.ID, &w.MachineID, &w.Name, &caps, &status,
		&w.Gauges.CPUPercent, &w.Gauges.MemoryPercent, &w.Gauges.DiskPercent,
		&w.TrustTier, &w.ActiveSubtasks, &w.CurrentTaskID, &heartbeat, &registeredAt)
	if err != nil {
		return nil, err
	}

	w.Status = models.WorkerStatus(status)
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if w.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	if w.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	return &w, nil
}
