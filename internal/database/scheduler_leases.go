package database

import (
	"context"
	"database/sql"
	"time"
)

// SchedulerLease is a time-bounded claim that one process runs a periodic task
type SchedulerLease struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// InitSchedulerLeasesTable creates the scheduler_leases table
func (sm *SQLiteManager) InitSchedulerLeasesTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS scheduler_leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := sm.db.Exec(query)
	return err
}

// AcquireLease claims or renews name for owner until now+ttl. It fails (false, nil)
// while a different owner holds an unexpired lease.
func (sm *SQLiteManager) AcquireLease(ctx context.Context, name string, owner string, ttl time.Duration, now time.Time) (bool, error) {
	query := `
	INSERT INTO scheduler_leases (name, owner, acquired_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		owner = excluded.owner,
		acquired_at = CASE WHEN scheduler_leases.owner = excluded.owner
			THEN scheduler_leases.acquired_at ELSE excluded.acquired_at END,
		expires_at = excluded.expires_at
	WHERE scheduler_leases.owner = excluded.owner OR scheduler_leases.expires_at <= ?
	`

	result, err := sm.db.ExecContext(ctx, query, name, owner, now.Unix(), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		sm.logger.Error("Failed to acquire scheduler lease "+name, "database")
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseLease gives up name if owner still holds it
func (sm *SQLiteManager) ReleaseLease(ctx context.Context, name string, owner string) error {
	_, err := sm.db.ExecContext(ctx, `DELETE FROM scheduler_leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// GetLease returns the current holder of name, or nil
func (sm *SQLiteManager) GetLease(ctx context.Context, name string) (*SchedulerLease, error) {
	return QueryRowSingle(ctx, sm.db,
		`SELECT name, owner, acquired_at, expires_at FROM scheduler_leases WHERE name = ?`,
		func(row *sql.Row) (*SchedulerLease, error) {
			lease := &SchedulerLease{}
			var acquired, expires int64
			if err := row.Scan(&lease.Name, &lease.Owner, &acquired, &expires); err != nil {
				return nil, err
			}
			lease.AcquiredAt = time.Unix(acquired, 0)
			lease.ExpiresAt = time.Unix(expires, 0)
			return lease, nil
		}, sm.logger, "database", name)
}
