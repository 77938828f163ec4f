package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLock attempts to take the time-bounded mutual-exclusion token for
// the given key. Returns true if the lock was acquired. An expired lock
// held by a crashed owner is reaped and re-taken in the same transaction.
func (db *DB) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	acquired := false

	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM allocation_locks WHERE key = ? AND expires_at < ?
		`, key, formatTime(now)); err != nil {
			return fmt.Errorf("reap expired lock: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO allocation_locks (key, holder, expires_at)
			VALUES (?, ?, ?)
		`, key, holder, formatTime(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		acquired = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLock drops the lock for the given key if the holder still owns
// it. Releasing an expired or foreign lock is a no-op.
func (db *DB) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM allocation_locks WHERE key = ? AND holder = ?
	`, key, holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
