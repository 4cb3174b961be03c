package payment

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

// IntentStore is the persistence used by the settlement path.
// *database.SQLiteManager implements it.
type IntentStore interface {
	CreatePaymentIntent(ctx context.Context, intent *database.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, chargeID string) (*database.PaymentIntent, error)
	ListPendingCryptoIntents(ctx context.Context) ([]*database.PaymentIntent, error)
	ListPendingIntentsByCurrency(ctx context.Context, currency types.Currency) ([]*database.PaymentIntent, error)
	ListPaymentIntents(ctx context.Context, status types.IntentStatus, limit int) ([]*database.PaymentIntent, error)
	CompletePaymentIntent(ctx context.Context, chargeID string, txID string, confirmations int64, source types.SettlementSource, completedAt time.Time) (bool, error)
	FailPaymentIntent(ctx context.Context, chargeID string, reason string, source types.SettlementSource, completedAt time.Time) (bool, error)
	SetReviewReason(ctx context.Context, chargeID string, reason string) error
	FindIntentByTransaction(ctx context.Context, txID string) (string, error)

	GetScanCursor(ctx context.Context, chargeID string) (*database.ScanCursor, error)
	SaveScanCursor(ctx context.Context, cursor *database.ScanCursor) error
	DeleteScanCursor(ctx context.Context, chargeID string) error

	AcquireLease(ctx context.Context, name string, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name string, owner string) error
}

var _ IntentStore = (*database.SQLiteManager)(nil)
