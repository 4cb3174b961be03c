package types

import "strings"

// Currency identifies one of the assets a charge can be settled in
type Currency string

const (
	CurrencyBTC     Currency = "BTC"
	CurrencyETH     Currency = "ETH"
	CurrencyUSDT    Currency = "USDT"
	CurrencyUSDC    Currency = "USDC"
	CurrencyUSDCSol Currency = "USDC_SOL"
)

// SupportedCurrencies returns the closed set of settlement currencies
func SupportedCurrencies() []Currency {
	return []Currency{CurrencyBTC, CurrencyETH, CurrencyUSDT, CurrencyUSDC, CurrencyUSDCSol}
}

// ParseCurrency accepts case-insensitive codes; "USDC-SOL" is an alias of USDC_SOL
func ParseCurrency(code string) (Currency, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, c := range SupportedCurrencies() {
		if string(c) == normalized {
			return c, true
		}
	}
	return "", false
}

// ConfigKey is the lower case prefix used for per-currency config entries
func (c Currency) ConfigKey() string {
	return strings.ToLower(string(c))
}

// IntentStatus is the lifecycle state of a payment intent
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusSucceeded IntentStatus = "succeeded"
	IntentStatusFailed    IntentStatus = "failed"
)

// IsFinal reports whether the status can no longer change
func (s IntentStatus) IsFinal() bool {
	return s == IntentStatusSucceeded || s == IntentStatusFailed
}

// PaymentMethod tells how an intent is expected to be paid
type PaymentMethod string

const (
	PaymentMethodCrypto PaymentMethod = "crypto"
	PaymentMethodCard   PaymentMethod = "card"
)

// SettlementSource records which path performed a transition
type SettlementSource string

const (
	SourceMonitor SettlementSource = "monitor"
	SourceManual  SettlementSource = "manual"
	SourceWebhook SettlementSource = "webhook"
)
