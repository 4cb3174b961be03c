package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// ChargeRequest asks for a crypto charge of a fiat amount
type ChargeRequest struct {
	AmountMinor int64             `json:"amount_minor"`
	Currency    types.Currency    `json:"currency"`
	Description string            `json:"description"`
	Recipient   string            `json:"recipient,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChargeGenerator builds pending payment intents. It does not persist them.
type ChargeGenerator struct {
	cm         *utils.ConfigManager
	assets     *AssetCatalog
	rates      *ExchangeRateProvider
	logger     Logger
	expiry     time.Duration
	fiat       string
	btcNetwork string
	nowFn      func() time.Time
}

func NewChargeGenerator(cm *utils.ConfigManager, assets *AssetCatalog, rates *ExchangeRateProvider, logger Logger) *ChargeGenerator {
	return &ChargeGenerator{
		cm:         cm,
		assets:     assets,
		rates:      rates,
		logger:     logger,
		expiry:     cm.GetConfigDuration("charge_expiry", time.Hour),
		fiat:       strings.ToUpper(cm.GetConfigWithDefault("fiat_currency", "USD")),
		btcNetwork: cm.GetConfigWithDefault("btc_network", "mainnet"),
		nowFn:      time.Now,
	}
}

// newChargeID returns an opaque id: "ch_" + base58 of 16 random bytes
func newChargeID() string {
	id := uuid.New()
	return "ch_" + base58.Encode(id[:])
}

// ReceivingAddress resolves the merchant address for currency from config
// (<currency>_receiving_address) with SETTLEMENT_<CURRENCY>_ADDRESS as fallback.
func (g *ChargeGenerator) ReceivingAddress(currency types.Currency) (string, error) {
	asset, err := g.assets.Asset(currency)
	if err != nil {
		return "", err
	}

	envName := "SETTLEMENT_" + strings.ToUpper(string(currency)) + "_ADDRESS"
	address := g.cm.GetConfigOrEnv(currency.ConfigKey()+"_receiving_address", envName)
	if address == "" {
		return "", &ConfigurationError{Currency: currency, Reason: "no receiving address configured"}
	}

	var verr error
	switch asset.Family.(type) {
	case UTXO:
		verr = validateBitcoinAddress(address, g.btcNetwork)
	case NativeAccount, TokenLedger:
		verr = validateEthereumAddress(address)
	case SPLToken:
		verr = validateSolanaAddress(address)
	}
	if verr != nil {
		return "", &ConfigurationError{Currency: currency, Reason: fmt.Sprintf("receiving address %q: %v", address, verr)}
	}

	return address, nil
}

// Generate converts the fiat amount at the current (or fallback) rate and returns a
// pending intent expiring one charge_expiry after creation
func (g *ChargeGenerator) Generate(ctx context.Context, req ChargeRequest) (*database.PaymentIntent, error) {
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	asset, err := g.assets.Asset(req.Currency)
	if err != nil {
		return nil, err
	}

	address, err := g.ReceivingAddress(req.Currency)
	if err != nil {
		return nil, err
	}

	quote, err := g.rates.Quote(ctx, req.Currency, g.fiat)
	if err != nil {
		return nil, err
	}

	fiatAmount := decimal.New(req.AmountMinor, -2)
	cryptoAmount := fiatAmount.Div(quote.Rate).Round(asset.Decimals)
	if !cryptoAmount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s converts to zero %s", ErrInvalidAmount, fiatAmount.StringFixed(2), g.fiat, req.Currency)
	}

	now := g.nowFn()
	intent := &database.PaymentIntent{
		ChargeID:         newChargeID(),
		PaymentMethod:    types.PaymentMethodCrypto,
		AmountMinor:      req.AmountMinor,
		FiatCurrency:     g.fiat,
		Currency:         req.Currency,
		CryptoAmount:     asset.FormatAmount(cryptoAmount),
		ExchangeRate:     quote.Rate.String(),
		RateSource:       quote.Source,
		ReceivingAddress: address,
		PaymentURI:       BuildPaymentURI(asset, address, cryptoAmount),
		Description:      req.Description,
		Recipient:        req.Recipient,
		Status:           types.IntentStatusPending,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		ExpiresAt:        now.Add(g.expiry),
	}

	g.logger.Info(fmt.Sprintf("Generated charge %s: %s %s -> %s %s (rate %s, %s)",
		intent.ChargeID, fiatAmount.StringFixed(2), g.fiat, intent.CryptoAmount, req.Currency, quote.Rate, quote.Source), "charge")

	return intent, nil
}
