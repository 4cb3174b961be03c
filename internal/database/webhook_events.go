package database

import (
	"context"
	"time"
)

// InitWebhookEventsTable creates the webhook_events table
func (sm *SQLiteManager) InitWebhookEventsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		charge_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		received_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_events_charge ON webhook_events(charge_id);
	`

	_, err := sm.db.Exec(query)
	return err
}

// RecordWebhookEvent stores a provider event id. It returns false when the event was
// already recorded, which is how duplicate deliveries are recognised.
func (sm *SQLiteManager) RecordWebhookEvent(ctx context.Context, eventID string, chargeID string, status string, payload []byte) (bool, error) {
	result, err := sm.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO webhook_events (event_id, charge_id, status, payload, received_at)
	VALUES (?, ?, ?, ?, ?)
	`, eventID, chargeID, status, string(payload), time.Now().Unix())
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// WebhookEventRecorded reports whether eventID was already applied
func (sm *SQLiteManager) WebhookEventRecorded(ctx context.Context, eventID string) (bool, error) {
	var count int
	if err := sm.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE event_id = ?`, eventID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
