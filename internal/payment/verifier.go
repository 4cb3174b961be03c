package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// MatchRequest describes the transfer a strategy should look for
type MatchRequest struct {
	ChargeID  string
	Address   string
	Expected  decimal.Decimal
	NotBefore time.Time

	// Resume data from the previous poll of this intent
	ResumeFrom  uint64
	KnownTxID   string
	KnownBlock  uint64
	KnownAmount decimal.Decimal

	// Claimed reports transactions that already settled a different intent
	Claimed func(txID string) bool
}

func (r MatchRequest) claimed(txID string) bool {
	return r.Claimed != nil && r.Claimed(txID)
}

// ChainMatch is the outcome of one verification pass. Verified=false with a nil
// Err is the normal "no match yet" result.
type ChainMatch struct {
	Verified      bool
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
	BlockHeight   uint64

	// ScannedThrough is the highest ledger position fully inspected (0 = not tracked)
	ScannedThrough uint64

	Err error
}

// Verifier checks one asset's chain for an inbound transfer. Implementations never
// return errors directly: transport and decoding failures populate ChainMatch.Err.
type Verifier interface {
	Verify(ctx context.Context, req MatchRequest) ChainMatch
}

// ScanOptions bounds each strategy call
type ScanOptions struct {
	CallTimeout    time.Duration
	MaxBlocks      uint64
	SignatureLimit int
	nowFn          func() time.Time
}

func (o ScanOptions) now() time.Time {
	if o.nowFn != nil {
		return o.nowFn()
	}
	return time.Now()
}

func (o ScanOptions) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.CallTimeout)
}

// ChainClients are the chain backends available to the verifier set; nil entries
// leave the corresponding families unverifiable
type ChainClients struct {
	Esplora *EsploraClient
	Account AccountNode
	Tokens  TokenLogReader
	Solana  SPLNode
}

// VerifierSet maps each supported currency to the strategy of its family
type VerifierSet struct {
	assets    *AssetCatalog
	verifiers map[types.Currency]Verifier
}

// NewVerifierSet selects a strategy per asset family
func NewVerifierSet(cm *utils.ConfigManager, assets *AssetCatalog, clients ChainClients, logger Logger) (*VerifierSet, error) {
	callTimeout := cm.GetConfigDuration("chain_call_timeout", 15*time.Second)
	set := &VerifierSet{assets: assets, verifiers: make(map[types.Currency]Verifier)}

	for _, currency := range types.SupportedCurrencies() {
		asset, err := assets.Asset(currency)
		if err != nil {
			return nil, err
		}

		var verifier Verifier
		switch family := asset.Family.(type) {
		case UTXO:
			if clients.Esplora != nil {
				verifier = NewUTXOVerifier(asset, clients.Esplora, ScanOptions{CallTimeout: callTimeout}, logger)
			}
		case NativeAccount:
			if clients.Account != nil {
				opts := ScanOptions{
					CallTimeout: callTimeout,
					MaxBlocks:   uint64(cm.GetConfigInt("eth_max_scan_blocks", 200, 1, 10000)),
				}
				verifier = NewNativeAccountVerifier(asset, family, clients.Account, opts, logger)
			}
		case TokenLedger:
			if clients.Tokens != nil {
				opts := ScanOptions{
					CallTimeout: callTimeout,
					MaxBlocks:   uint64(cm.GetConfigInt("token_max_log_blocks", 2000, 1, 100000)),
				}
				verifier = NewTokenLedgerVerifier(asset, family, clients.Tokens, opts, logger)
			}
		case SPLToken:
			if clients.Solana != nil {
				opts := ScanOptions{
					CallTimeout:    callTimeout,
					SignatureLimit: cm.GetConfigInt("solana_signature_limit", 50, 1, 1000),
				}
				verifier = NewSPLTokenVerifier(asset, family, clients.Solana, opts, logger)
			}
		default:
			return nil, fmt.Errorf("no verification strategy for family %s", FamilyName(family))
		}

		if verifier != nil {
			set.verifiers[currency] = verifier
		} else {
			logger.Warn(fmt.Sprintf("No chain client configured for %s, intents in this currency will stay pending", currency), "verifier")
		}
	}

	return set, nil
}

// NewVerifierSetWith builds a set from explicit verifiers
func NewVerifierSetWith(assets *AssetCatalog, verifiers map[types.Currency]Verifier) *VerifierSet {
	return &VerifierSet{assets: assets, verifiers: verifiers}
}

// For returns the asset and verifier for currency
func (s *VerifierSet) For(currency types.Currency) (Asset, Verifier, error) {
	asset, err := s.assets.Asset(currency)
	if err != nil {
		return Asset{}, nil, err
	}
	verifier, ok := s.verifiers[currency]
	if !ok {
		return asset, nil, &ConfigurationError{Currency: currency, Reason: "no chain client configured"}
	}
	return asset, verifier, nil
}

// Assets exposes the catalogue the set was built from
func (s *VerifierSet) Assets() *AssetCatalog {
	return s.assets
}

// windowStart estimates the first block at or after notBefore from the average block time
func windowStart(head uint64, notBefore time.Time, now time.Time, avgBlockTime time.Duration) uint64 {
	elapsed := now.Sub(notBefore)
	if elapsed <= 0 || avgBlockTime <= 0 {
		return head
	}
	blocks := uint64((elapsed + avgBlockTime - 1) / avgBlockTime)
	if blocks >= head {
		return 0
	}
	return head - blocks
}

// scanWindow returns the inclusive block range for one poll. Resumed scans continue
// after ResumeFrom; no scan starts before the notBefore estimate.
func scanWindow(head uint64, req MatchRequest, now time.Time, avgBlockTime time.Duration, maxBlocks uint64) (lower, upper uint64, ok bool) {
	lower = windowStart(head, req.NotBefore, now, avgBlockTime)
	if req.ResumeFrom > 0 && req.ResumeFrom+1 > lower {
		lower = req.ResumeFrom + 1
	}
	if lower > head {
		return 0, 0, false
	}
	if maxBlocks == 0 {
		maxBlocks = 1
	}
	upper = head
	if upper-lower+1 > maxBlocks {
		upper = lower + maxBlocks - 1
	}
	return lower, upper, true
}

func depth(head uint64, block uint64) int64 {
	if block > head {
		return 0
	}
	return int64(head - block)
}
