package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// Settlement is the proof presented to the guarded transition
type Settlement struct {
	TxID          string
	Confirmations int64
	Source        types.SettlementSource
}

// SettleResult reports what a Settle or Fail call did
type SettleResult struct {
	// Transitioned is true only for the call that moved the intent out of pending
	Transitioned bool
	Status       types.IntentStatus

	// NotifyErr is the notifier failure, if any; the transition stands regardless
	NotifyErr error
}

// Settler owns the single guarded pending -> final transition shared by the
// monitor, the webhook and the admin paths
type Settler struct {
	store     IntentStore
	assets    *AssetCatalog
	notifier  Notifier
	publisher EventPublisher
	logger    Logger
	metrics   *utils.SettlementMetrics
	nowFn     func() time.Time
}

func NewSettler(store IntentStore, assets *AssetCatalog, notifier Notifier, logger Logger, metrics *utils.SettlementMetrics) *Settler {
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Settler{
		store:    store,
		assets:   assets,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		nowFn:    time.Now,
	}
}

// SetEventPublisher enables failure events on the event stream
func (s *Settler) SetEventPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

// Settle marks chargeID succeeded. Repeated calls are harmless: only the call that
// wins the compare-and-set notifies.
func (s *Settler) Settle(ctx context.Context, chargeID string, settlement Settlement) (SettleResult, error) {
	intent, err := s.store.GetPaymentIntent(ctx, chargeID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to load intent %s: %w", chargeID, err)
	}
	if intent == nil {
		return SettleResult{}, fmt.Errorf("%w: %s", ErrIntentNotFound, chargeID)
	}
	if intent.Status.IsFinal() {
		return SettleResult{Status: intent.Status}, nil
	}

	if settlement.TxID != "" {
		owner, err := s.store.FindIntentByTransaction(ctx, settlement.TxID)
		if err != nil {
			return SettleResult{}, fmt.Errorf("failed to check transaction %s: %w", settlement.TxID, err)
		}
		if owner != "" && owner != chargeID {
			return SettleResult{}, fmt.Errorf("%w: %s settled %s", ErrTransactionClaimed, settlement.TxID, owner)
		}
	}

	won, err := s.store.CompletePaymentIntent(ctx, chargeID, settlement.TxID, settlement.Confirmations, settlement.Source, s.nowFn())
	if errors.Is(err, database.ErrDuplicateTransaction) {
		return SettleResult{}, fmt.Errorf("%w: %s", ErrTransactionClaimed, settlement.TxID)
	}
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to settle intent %s: %w", chargeID, err)
	}
	if !won {
		return s.lostRace(ctx, chargeID)
	}

	s.metrics.Transitioned(string(types.IntentStatusSucceeded), string(settlement.Source))
	s.logger.Info(fmt.Sprintf("Payment intent %s settled via %s (tx %s, %d confirmations)",
		chargeID, settlement.Source, settlement.TxID, settlement.Confirmations), "settler")

	if err := s.store.DeleteScanCursor(ctx, chargeID); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to delete scan cursor for %s: %v", chargeID, err), "settler")
	}

	result := SettleResult{Transitioned: true, Status: types.IntentStatusSucceeded}
	amount, label := s.display(intent)
	if err := s.notifier.Notify(ctx, intent.Recipient, chargeID, amount, label); err != nil {
		notifyErr := &NotifierError{ChargeID: chargeID, Err: err}
		s.metrics.NotifierFailed()
		s.logger.Error(notifyErr.Error(), "settler")
		result.NotifyErr = notifyErr
	}
	return result, nil
}

// Fail marks chargeID failed; used for provider failure events
func (s *Settler) Fail(ctx context.Context, chargeID string, reason string, source types.SettlementSource) (SettleResult, error) {
	intent, err := s.store.GetPaymentIntent(ctx, chargeID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to load intent %s: %w", chargeID, err)
	}
	if intent == nil {
		return SettleResult{}, fmt.Errorf("%w: %s", ErrIntentNotFound, chargeID)
	}
	if intent.Status.IsFinal() {
		return SettleResult{Status: intent.Status}, nil
	}

	won, err := s.store.FailPaymentIntent(ctx, chargeID, reason, source, s.nowFn())
	if err != nil {
		return SettleResult{}, fmt.Errorf("failed to fail intent %s: %w", chargeID, err)
	}
	if !won {
		return s.lostRace(ctx, chargeID)
	}

	s.metrics.Transitioned(string(types.IntentStatusFailed), string(source))
	s.logger.Info(fmt.Sprintf("Payment intent %s failed via %s: %s", chargeID, source, reason), "settler")

	if err := s.store.DeleteScanCursor(ctx, chargeID); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to delete scan cursor for %s: %v", chargeID, err), "settler")
	}
	if s.publisher != nil {
		s.publisher.PublishSettlementEvent(SettlementEvent{
			Type:      EventPaymentFailed,
			ChargeID:  chargeID,
			Recipient: intent.Recipient,
			Reason:    reason,
			Timestamp: s.nowFn().Unix(),
		})
	}
	return SettleResult{Transitioned: true, Status: types.IntentStatusFailed}, nil
}

func (s *Settler) lostRace(ctx context.Context, chargeID string) (SettleResult, error) {
	current, err := s.store.GetPaymentIntent(ctx, chargeID)
	if err != nil || current == nil {
		return SettleResult{}, fmt.Errorf("failed to reload intent %s: %v", chargeID, err)
	}
	return SettleResult{Status: current.Status}, nil
}

// display returns the amount and label used in notifications
func (s *Settler) display(intent *database.PaymentIntent) (string, string) {
	if intent.PaymentMethod == types.PaymentMethodCrypto {
		if asset, err := s.assets.Asset(intent.Currency); err == nil {
			if amount, err := decimal.NewFromString(intent.CryptoAmount); err == nil {
				return asset.FormatAmount(amount), asset.Label
			}
			return intent.CryptoAmount, asset.Label
		}
	}
	return decimal.New(intent.AmountMinor, -2).StringFixed(2), intent.FiatCurrency
}
