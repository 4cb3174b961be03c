package payment

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const (
	defaultUSDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	defaultUSDCContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	defaultUSDCSolMint  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Family selects the verification strategy for an asset. The set of
// implementations is closed: UTXO, NativeAccount, TokenLedger and SPLToken.
type Family interface {
	familyName() string
}

// UTXO assets are verified through an address-indexed explorer
type UTXO struct{}

// NativeAccount assets are verified by decoding blocks of an account-model chain
type NativeAccount struct {
	AvgBlockTime time.Duration
}

// TokenLedger assets are ERC-20 balances verified through Transfer logs
type TokenLedger struct {
	Contract      common.Address
	TokenDecimals int32
	AvgBlockTime  time.Duration
}

// SPLToken assets are Solana token balances verified through token account history
type SPLToken struct {
	Mint          solana.PublicKey
	TokenDecimals int32
}

func (UTXO) familyName() string          { return "utxo" }
func (NativeAccount) familyName() string { return "native_account" }
func (TokenLedger) familyName() string   { return "token_ledger" }
func (SPLToken) familyName() string      { return "spl_token" }

// FamilyName returns the strategy name used in logs and metrics
func FamilyName(f Family) string {
	if f == nil {
		return "unknown"
	}
	return f.familyName()
}

// Asset describes how one currency is priced, displayed and verified
type Asset struct {
	Currency  types.Currency
	Label     string
	Decimals  int32
	Tolerance decimal.Decimal
	Family    Family
}

// MinimumConfirmations returns the depth a transfer needs before it is final
func MinimumConfirmations(currency types.Currency) int {
	switch currency {
	case types.CurrencyBTC:
		return 1
	case types.CurrencyETH, types.CurrencyUSDT, types.CurrencyUSDC:
		return 12
	case types.CurrencyUSDCSol:
		return 32
	default:
		// Unknown currencies can never clear the gate
		return int(^uint(0) >> 1)
	}
}

// AssetCatalog resolves currencies to assets
type AssetCatalog struct {
	assets map[types.Currency]Asset
}

// NewAssetCatalog builds the catalogue, applying contract and mint overrides from config
func NewAssetCatalog(cm *utils.ConfigManager) (*AssetCatalog, error) {
	catalog := &AssetCatalog{assets: make(map[types.Currency]Asset)}
	for _, currency := range types.SupportedCurrencies() {
		asset, err := assetFor(currency, cm)
		if err != nil {
			return nil, err
		}
		catalog.assets[currency] = asset
	}
	return catalog, nil
}

// DefaultAssetCatalog uses mainnet contracts and default block times
func DefaultAssetCatalog() *AssetCatalog {
	catalog, err := NewAssetCatalog(utils.NewConfigManagerFromMap(nil))
	if err != nil {
		panic(err)
	}
	return catalog
}

// Asset returns the asset for currency
func (c *AssetCatalog) Asset(currency types.Currency) (Asset, error) {
	asset, ok := c.assets[currency]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return asset, nil
}

func assetFor(currency types.Currency, cm *utils.ConfigManager) (Asset, error) {
	blockTime := cm.GetConfigDuration("eth_avg_block_time", 12*time.Second)

	switch currency {
	case types.CurrencyBTC:
		return Asset{
			Currency:  currency,
			Label:     "BTC",
			Decimals:  8,
			Tolerance: decimal.New(1, -5),
			Family:    UTXO{},
		}, nil
	case types.CurrencyETH:
		return Asset{
			Currency:  currency,
			Label:     "ETH",
			Decimals:  6,
			Tolerance: decimal.New(1, -4),
			Family:    NativeAccount{AvgBlockTime: blockTime},
		}, nil
	case types.CurrencyUSDT, types.CurrencyUSDC:
		fallback := defaultUSDTContract
		if currency == types.CurrencyUSDC {
			fallback = defaultUSDCContract
		}
		contract := cm.GetConfigWithDefault(currency.ConfigKey()+"_contract", fallback)
		if !common.IsHexAddress(contract) {
			return Asset{}, &ConfigurationError{Currency: currency, Reason: fmt.Sprintf("invalid token contract %q", contract)}
		}
		return Asset{
			Currency:  currency,
			Label:     string(currency) + " (ERC-20)",
			Decimals:  2,
			Tolerance: decimal.New(1, -2),
			Family: TokenLedger{
				Contract:      common.HexToAddress(contract),
				TokenDecimals: int32(cm.GetConfigInt(currency.ConfigKey()+"_token_decimals", 6, 0, 36)),
				AvgBlockTime:  blockTime,
			},
		}, nil
	case types.CurrencyUSDCSol:
		mintStr := cm.GetConfigWithDefault("usdc_sol_mint", defaultUSDCSolMint)
		mint, err := solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			return Asset{}, &ConfigurationError{Currency: currency, Reason: fmt.Sprintf("invalid SPL mint %q: %v", mintStr, err)}
		}
		return Asset{
			Currency:  currency,
			Label:     "USDC (Solana)",
			Decimals:  2,
			Tolerance: decimal.New(1, -2),
			Family: SPLToken{
				Mint:          mint,
				TokenDecimals: int32(cm.GetConfigInt("usdc_sol_token_decimals", 6, 0, 36)),
			},
		}, nil
	default:
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
}

// WithinTolerance reports whether observed is within the asset's absolute tolerance of expected
func (a Asset) WithinTolerance(expected, observed decimal.Decimal) bool {
	return expected.Sub(observed).Abs().LessThanOrEqual(a.Tolerance)
}

// Overlaps reports whether one transfer could match both amounts
func (a Asset) Overlaps(x, y decimal.Decimal) bool {
	return x.Sub(y).Abs().LessThanOrEqual(a.Tolerance.Mul(decimal.NewFromInt(2)))
}

// FormatAmount renders amount at the asset's canonical precision
func (a Asset) FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(a.Decimals)
}
