package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// Public status strings shown to payers
const (
	PublicStatusAwaiting  = "awaiting confirmation"
	PublicStatusSucceeded = "succeeded"
	PublicStatusFailed    = "failed"
)

// CardIntentRequest registers a card payment that will be settled by provider webhook
type CardIntentRequest struct {
	AmountMinor int64
	Description string
	Recipient   string
	Metadata    map[string]string
}

// PaymentManager creates and looks up payment intents
type PaymentManager struct {
	store     IntentStore
	generator *ChargeGenerator
	logger    Logger
	expiry    time.Duration
	fiat      string
	nowFn     func() time.Time
}

func NewPaymentManager(cm *utils.ConfigManager, store IntentStore, generator *ChargeGenerator, logger Logger) *PaymentManager {
	return &PaymentManager{
		store:     store,
		generator: generator,
		logger:    logger,
		expiry:    cm.GetConfigDuration("charge_expiry", time.Hour),
		fiat:      strings.ToUpper(cm.GetConfigWithDefault("fiat_currency", "USD")),
		nowFn:     time.Now,
	}
}

// CreateCharge generates and persists a crypto charge
func (pm *PaymentManager) CreateCharge(ctx context.Context, req ChargeRequest) (*database.PaymentIntent, error) {
	intent, err := pm.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := pm.store.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to store charge: %w", err)
	}

	pm.logger.Info(fmt.Sprintf("Created charge %s: %s %s to %s (rate %s, %s)",
		intent.ChargeID, intent.CryptoAmount, intent.Currency, intent.ReceivingAddress, intent.ExchangeRate, intent.RateSource), "payment")
	return intent, nil
}

// RegisterCardIntent persists a pending card intent
func (pm *PaymentManager) RegisterCardIntent(ctx context.Context, req CardIntentRequest) (*database.PaymentIntent, error) {
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	now := pm.nowFn()
	intent := &database.PaymentIntent{
		ChargeID:      newChargeID(),
		PaymentMethod: types.PaymentMethodCard,
		AmountMinor:   req.AmountMinor,
		FiatCurrency:  pm.fiat,
		Description:   req.Description,
		Recipient:     req.Recipient,
		Status:        types.IntentStatusPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		ExpiresAt:     now.Add(pm.expiry),
	}
	if err := pm.store.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to store card intent: %w", err)
	}

	pm.logger.Info(fmt.Sprintf("Registered card intent %s for %d minor units", intent.ChargeID, intent.AmountMinor), "payment")
	return intent, nil
}

// GetIntent returns the intent or ErrIntentNotFound
func (pm *PaymentManager) GetIntent(ctx context.Context, chargeID string) (*database.PaymentIntent, error) {
	intent, err := pm.store.GetPaymentIntent(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, chargeID)
	}
	return intent, nil
}

// ListIntents lists intents, newest first; an empty status lists all
func (pm *PaymentManager) ListIntents(ctx context.Context, status types.IntentStatus, limit int) ([]*database.PaymentIntent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return pm.store.ListPaymentIntents(ctx, status, limit)
}

// PublicStatus maps an intent status to the payer facing label
func PublicStatus(status types.IntentStatus) string {
	switch status {
	case types.IntentStatusSucceeded:
		return PublicStatusSucceeded
	case types.IntentStatusFailed:
		return PublicStatusFailed
	default:
		return PublicStatusAwaiting
	}
}
