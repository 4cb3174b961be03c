package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

// ErrDuplicateTransaction is returned when a ledger transaction already settled another intent
var ErrDuplicateTransaction = errors.New("transaction already settled another payment intent")

// PaymentIntent is a pending off-chain payment request awaiting proof
type PaymentIntent struct {
	ID               int64               `json:"id"`
	ChargeID         string              `json:"charge_id"`
	PaymentMethod    types.PaymentMethod `json:"payment_method"`
	AmountMinor      int64               `json:"amount_minor"`
	FiatCurrency     string              `json:"fiat_currency"`
	Currency         types.Currency      `json:"currency"`
	CryptoAmount     string              `json:"crypto_amount,omitempty"`
	ExchangeRate     string              `json:"exchange_rate,omitempty"`
	RateSource       string              `json:"rate_source,omitempty"`
	ReceivingAddress string              `json:"receiving_address,omitempty"`
	PaymentURI       string              `json:"payment_uri,omitempty"`
	Description      string              `json:"description"`
	Recipient        string              `json:"recipient,omitempty"`
	Status           types.IntentStatus  `json:"status"`
	TransactionID    string              `json:"transaction_id,omitempty"`
	Confirmations    int64               `json:"confirmations"`
	SettledVia       string              `json:"settled_via,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	ReviewReason     string              `json:"review_reason,omitempty"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	CreatedAt        time.Time           `json:"-"`
	ExpiresAt        time.Time           `json:"-"`
	CompletedAt      *time.Time          `json:"-"`
}

// MarshalJSON converts timestamps to Unix seconds
func (p *PaymentIntent) MarshalJSON() ([]byte, error) {
	type Alias PaymentIntent
	return json.Marshal(&struct {
		*Alias
		CreatedAt   int64  `json:"created_at"`
		ExpiresAt   int64  `json:"expires_at"`
		CompletedAt *int64 `json:"completed_at,omitempty"`
	}{
		Alias:       (*Alias)(p),
		CreatedAt:   p.CreatedAt.Unix(),
		ExpiresAt:   p.ExpiresAt.Unix(),
		CompletedAt: timeToUnix(p.CompletedAt),
	})
}

// IsExpired reports whether now is past the advisory expiry
func (p *PaymentIntent) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

func timeToUnix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	unix := t.Unix()
	return &unix
}

// InitPaymentIntentsTable creates the payment_intents table
func (sm *SQLiteManager) InitPaymentIntentsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS payment_intents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		charge_id TEXT NOT NULL UNIQUE,
		payment_method TEXT NOT NULL DEFAULT 'crypto',
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		fiat_currency TEXT NOT NULL DEFAULT 'USD',
		currency TEXT NOT NULL,
		crypto_amount TEXT,
		exchange_rate TEXT,
		rate_source TEXT,
		receiving_address TEXT,
		payment_uri TEXT,
		description TEXT,
		recipient TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		transaction_id TEXT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		settled_via TEXT,
		failure_reason TEXT,
		review_reason TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		expires_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_intents_status ON payment_intents(status, payment_method);
	CREATE INDEX IF NOT EXISTS idx_intents_currency ON payment_intents(currency, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_transaction
		ON payment_intents(transaction_id) WHERE transaction_id IS NOT NULL;
	`

	_, err := sm.db.Exec(query)
	return err
}

const paymentIntentColumns = `
	id, charge_id, payment_method, amount_minor, fiat_currency, currency,
	crypto_amount, exchange_rate, rate_source, receiving_address, payment_uri,
	description, recipient, status, transaction_id, confirmations, settled_via,
	failure_reason, review_reason, metadata, created_at, expires_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentIntent(row rowScanner) (*PaymentIntent, error) {
	intent := &PaymentIntent{}
	var method, currency, status string
	var cryptoAmount, rate, rateSource, address, uri, description, recipient sql.NullString
	var txID, settledVia, failureReason, reviewReason, metadata sql.NullString
	var createdAt, expiresAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&intent.ID,
		&intent.ChargeID,
		&method,
		&intent.AmountMinor,
		&intent.FiatCurrency,
		&currency,
		&cryptoAmount,
		&rate,
		&rateSource,
		&address,
		&uri,
		&description,
		&recipient,
		&status,
		&txID,
		&intent.Confirmations,
		&settledVia,
		&failureReason,
		&reviewReason,
		&metadata,
		&createdAt,
		&expiresAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	intent.PaymentMethod = types.PaymentMethod(method)
	intent.Currency = types.Currency(currency)
	intent.Status = types.IntentStatus(status)
	intent.CryptoAmount = ScanNullableString(cryptoAmount)
	intent.ExchangeRate = ScanNullableString(rate)
	intent.RateSource = ScanNullableString(rateSource)
	intent.ReceivingAddress = ScanNullableString(address)
	intent.PaymentURI = ScanNullableString(uri)
	intent.Description = ScanNullableString(description)
	intent.Recipient = ScanNullableString(recipient)
	intent.TransactionID = ScanNullableString(txID)
	intent.SettledVia = ScanNullableString(settledVia)
	intent.FailureReason = ScanNullableString(failureReason)
	intent.ReviewReason = ScanNullableString(reviewReason)
	intent.CreatedAt = time.Unix(createdAt, 0)
	intent.ExpiresAt = time.Unix(expiresAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		intent.CompletedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &intent.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for %s: %w", intent.ChargeID, err)
		}
	}

	return intent, nil
}

// CreatePaymentIntent inserts a new intent; status defaults to pending
func (sm *SQLiteManager) CreatePaymentIntent(ctx context.Context, intent *PaymentIntent) error {
	if intent.Status == "" {
		intent.Status = types.IntentStatusPending
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}

	var metadataJSON interface{}
	if len(intent.Metadata) > 0 {
		data, err := json.Marshal(intent.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	query := `
	INSERT INTO payment_intents (
		charge_id, payment_method, amount_minor, fiat_currency, currency,
		crypto_amount, exchange_rate, rate_source, receiving_address, payment_uri,
		description, recipient, status, metadata, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := sm.db.ExecContext(ctx, query,
		intent.ChargeID,
		string(intent.PaymentMethod),
		intent.AmountMinor,
		intent.FiatCurrency,
		string(intent.Currency),
		nullIfEmpty(intent.CryptoAmount),
		nullIfEmpty(intent.ExchangeRate),
		nullIfEmpty(intent.RateSource),
		nullIfEmpty(intent.ReceivingAddress),
		nullIfEmpty(intent.PaymentURI),
		intent.Description,
		nullIfEmpty(intent.Recipient),
		string(intent.Status),
		metadataJSON,
		intent.CreatedAt.Unix(),
		intent.ExpiresAt.Unix(),
	)
	if err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to insert payment intent %s: %v", intent.ChargeID, err), "database")
		return err
	}

	intent.ID, _ = result.LastInsertId()
	return nil
}

// GetPaymentIntent returns the intent with chargeID, or nil when it does not exist
func (sm *SQLiteManager) GetPaymentIntent(ctx context.Context, chargeID string) (*PaymentIntent, error) {
	query := `SELECT ` + paymentIntentColumns + ` FROM payment_intents WHERE charge_id = ?`
	return QueryRowSingle(ctx, sm.db, query,
		func(row *sql.Row) (*PaymentIntent, error) { return scanPaymentIntent(row) },
		sm.logger, "database", chargeID)
}

// ListPendingCryptoIntents returns every pending crypto intent, oldest first
func (sm *SQLiteManager) ListPendingCryptoIntents(ctx context.Context) ([]*PaymentIntent, error) {
	query := `SELECT ` + paymentIntentColumns + `
	FROM payment_intents
	WHERE status = ? AND payment_method = ?
	ORDER BY created_at ASC, id ASC`
	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentIntent, error) { return scanPaymentIntent(rows) },
		sm.logger, "database", string(types.IntentStatusPending), string(types.PaymentMethodCrypto))
}

// ListPendingIntentsByCurrency returns pending crypto intents sharing currency
func (sm *SQLiteManager) ListPendingIntentsByCurrency(ctx context.Context, currency types.Currency) ([]*PaymentIntent, error) {
	query := `SELECT ` + paymentIntentColumns + `
	FROM payment_intents
	WHERE status = ? AND payment_method = ? AND currency = ?
	ORDER BY created_at ASC, id ASC`
	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentIntent, error) { return scanPaymentIntent(rows) },
		sm.logger, "database", string(types.IntentStatusPending), string(types.PaymentMethodCrypto), string(currency))
}

// ListPaymentIntents lists intents newest first, optionally filtered by status
func (sm *SQLiteManager) ListPaymentIntents(ctx context.Context, status types.IntentStatus, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + paymentIntentColumns + ` FROM payment_intents`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return QueryRows(ctx, sm.db, query,
		func(rows *sql.Rows) (*PaymentIntent, error) { return scanPaymentIntent(rows) },
		sm.logger, "database", args...)
}

// CompletePaymentIntent moves a pending intent to succeeded. The status predicate in the
// WHERE clause makes read-check-write a single statement; false means another path won.
func (sm *SQLiteManager) CompletePaymentIntent(ctx context.Context, chargeID string, txID string, confirmations int64, source types.SettlementSource, completedAt time.Time) (bool, error) {
	query := `
	UPDATE payment_intents
	SET status = ?, transaction_id = ?, confirmations = ?, settled_via = ?, completed_at = ?
	WHERE charge_id = ? AND status = ?
	`

	_, err := ExecWithAffectedRowsCheck(ctx, sm.db, query, sm.logger, "database",
		string(types.IntentStatusSucceeded),
		nullIfEmpty(txID),
		confirmations,
		string(source),
		completedAt.Unix(),
		chargeID,
		string(types.IntentStatusPending),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
		}
		return false, err
	}
	return true, nil
}

// FailPaymentIntent moves a pending intent to failed
func (sm *SQLiteManager) FailPaymentIntent(ctx context.Context, chargeID string, reason string, source types.SettlementSource, completedAt time.Time) (bool, error) {
	query := `
	UPDATE payment_intents
	SET status = ?, failure_reason = ?, settled_via = ?, completed_at = ?
	WHERE charge_id = ? AND status = ?
	`

	_, err := ExecWithAffectedRowsCheck(ctx, sm.db, query, sm.logger, "database",
		string(types.IntentStatusFailed),
		nullIfEmpty(reason),
		string(source),
		completedAt.Unix(),
		chargeID,
		string(types.IntentStatusPending),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetReviewReason records audit metadata; allowed in any status
func (sm *SQLiteManager) SetReviewReason(ctx context.Context, chargeID string, reason string) error {
	_, err := ExecWithAffectedRowsCheck(ctx, sm.db,
		`UPDATE payment_intents SET review_reason = ? WHERE charge_id = ?`,
		sm.logger, "database", nullIfEmpty(reason), chargeID)
	return err
}

// FindIntentByTransaction returns the charge id that recorded txID, or "" if none
func (sm *SQLiteManager) FindIntentByTransaction(ctx context.Context, txID string) (string, error) {
	var chargeID string
	err := sm.db.QueryRowContext(ctx,
		`SELECT charge_id FROM payment_intents WHERE transaction_id = ?`, txID).Scan(&chargeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return chargeID, err
}
