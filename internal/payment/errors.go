package payment

import (
	"errors"
	"fmt"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

var (
	// Charge errors
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("amount must be a positive number of minor units")
	ErrRateUnavailable     = errors.New("exchange rate unavailable")

	// Intent errors
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrIntentNotCrypto    = errors.New("payment intent is not a crypto payment")
	ErrTransactionClaimed = errors.New("transaction already settled another payment intent")

	// Scheduler errors
	ErrMonitorRunning    = errors.New("payment monitor already running")
	ErrMonitorNotRunning = errors.New("payment monitor not running")
	ErrTickInProgress    = errors.New("reconciliation tick already in progress")

	// Transport errors
	ErrRequestRejected = errors.New("request rejected by remote endpoint")

	// Webhook errors
	ErrInvalidSignature = errors.New("invalid payload signature")
)

// ConfigurationError means a currency cannot be charged with the current configuration
type ConfigurationError struct {
	Currency types.Currency
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Currency, e.Reason)
}

// TransientVerificationError wraps chain API failures (timeouts, rate limits,
// malformed responses). The intent stays pending and is retried next tick.
type TransientVerificationError struct {
	Currency types.Currency
	Op       string
	Err      error
}

func (e *TransientVerificationError) Error() string {
	return fmt.Sprintf("%s verification %s: %v", e.Currency, e.Op, e.Err)
}

func (e *TransientVerificationError) Unwrap() error {
	return e.Err
}

// NotifierError reports a notification failure after a successful transition
type NotifierError struct {
	ChargeID string
	Err      error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("settlement notification for %s failed: %v", e.ChargeID, e.Err)
}

func (e *NotifierError) Unwrap() error {
	return e.Err
}

func transientError(currency types.Currency, op string, err error) *TransientVerificationError {
	return &TransientVerificationError{Currency: currency, Op: op, Err: err}
}
