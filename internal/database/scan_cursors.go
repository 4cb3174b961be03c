package database

import (
	"context"
	"database/sql"
	"time"
)

// ScanCursor remembers how far an account or token scan got for one intent,
// and the candidate transfer once one has been seen
type ScanCursor struct {
	ChargeID       string
	Currency       string
	ScannedThrough uint64
	MatchedTxID    string
	MatchedBlock   uint64
	ObservedAmount string
	UpdatedAt      time.Time
}

// InitScanCursorsTable creates the chain_scan_cursors table
func (sm *SQLiteManager) InitScanCursorsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_scan_cursors (
		charge_id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		scanned_through INTEGER NOT NULL DEFAULT 0,
		matched_tx_id TEXT,
		matched_block INTEGER,
		observed_amount TEXT,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (charge_id) REFERENCES payment_intents(charge_id) ON DELETE CASCADE
	);
	`

	_, err := sm.db.Exec(query)
	return err
}

// GetScanCursor returns the cursor for chargeID, or nil when no scan has run yet
func (sm *SQLiteManager) GetScanCursor(ctx context.Context, chargeID string) (*ScanCursor, error) {
	query := `
	SELECT charge_id, currency, scanned_through, matched_tx_id, matched_block, observed_amount, updated_at
	FROM chain_scan_cursors WHERE charge_id = ?
	`

	return QueryRowSingle(ctx, sm.db, query, func(row *sql.Row) (*ScanCursor, error) {
		cursor := &ScanCursor{}
		var scanned int64
		var txID, amount sql.NullString
		var block sql.NullInt64
		var updatedAt int64
		if err := row.Scan(&cursor.ChargeID, &cursor.Currency, &scanned, &txID, &block, &amount, &updatedAt); err != nil {
			return nil, err
		}
		cursor.ScannedThrough = uint64(scanned)
		cursor.MatchedTxID = ScanNullableString(txID)
		if block.Valid {
			cursor.MatchedBlock = uint64(block.Int64)
		}
		cursor.ObservedAmount = ScanNullableString(amount)
		cursor.UpdatedAt = time.Unix(updatedAt, 0)
		return cursor, nil
	}, sm.logger, "database", chargeID)
}

// SaveScanCursor upserts the cursor
func (sm *SQLiteManager) SaveScanCursor(ctx context.Context, cursor *ScanCursor) error {
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now()
	}

	var block interface{}
	if cursor.MatchedTxID != "" {
		block = int64(cursor.MatchedBlock)
	}

	query := `
	INSERT INTO chain_scan_cursors (charge_id, currency, scanned_through, matched_tx_id, matched_block, observed_amount, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(charge_id) DO UPDATE SET
		scanned_through = excluded.scanned_through,
		matched_tx_id = excluded.matched_tx_id,
		matched_block = excluded.matched_block,
		observed_amount = excluded.observed_amount,
		updated_at = excluded.updated_at
	`

	_, err := sm.db.ExecContext(ctx, query,
		cursor.ChargeID,
		cursor.Currency,
		int64(cursor.ScannedThrough),
		nullIfEmpty(cursor.MatchedTxID),
		block,
		nullIfEmpty(cursor.ObservedAmount),
		cursor.UpdatedAt.Unix(),
	)
	return err
}

// DeleteScanCursor drops the cursor once an intent is final
func (sm *SQLiteManager) DeleteScanCursor(ctx context.Context, chargeID string) error {
	_, err := sm.db.ExecContext(ctx, `DELETE FROM chain_scan_cursors WHERE charge_id = ?`, chargeID)
	return err
}
