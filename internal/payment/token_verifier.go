package payment

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedgerVerifier matches ERC-20 Transfer logs addressed to the receiving address
type TokenLedgerVerifier struct {
	asset  Asset
	family TokenLedger
	node   TokenLogReader
	opts   ScanOptions
	logger Logger
}

func NewTokenLedgerVerifier(asset Asset, family TokenLedger, node TokenLogReader, opts ScanOptions, logger Logger) *TokenLedgerVerifier {
	if opts.MaxBlocks == 0 {
		opts.MaxBlocks = 2000
	}
	return &TokenLedgerVerifier{asset: asset, family: family, node: node, opts: opts, logger: logger}
}

func (v *TokenLedgerVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	callCtx, cancel := v.opts.callContext(ctx)
	head, err := v.node.BlockNumber(callCtx)
	cancel()
	if err != nil {
		return ChainMatch{Err: transientError(v.asset.Currency, "block number", err)}
	}

	known, req, done, err := recheckKnown(ctx, v.node, v.opts, head, req, v.logger)
	if err != nil {
		return ChainMatch{Err: transientError(v.asset.Currency, "receipt", err)}
	}
	if done {
		return known
	}

	lower, upper, ok := scanWindow(head, req, v.opts.now(), v.family.AvgBlockTime, v.opts.MaxBlocks)
	if !ok {
		return ChainMatch{ScannedThrough: req.ResumeFrom}
	}

	recipient := common.HexToAddress(req.Address)
	callCtx, cancel = v.opts.callContext(ctx)
	transfers, err := v.node.TransferLogs(callCtx, v.family.Contract, recipient, lower, upper)
	cancel()
	if err != nil {
		return ChainMatch{Err: transientError(v.asset.Currency, "transfer logs", err)}
	}

	// newest first
	sort.SliceStable(transfers, func(i, j int) bool { return transfers[i].Block > transfers[j].Block })

	for _, transfer := range transfers {
		if transfer.To != recipient || transfer.Block < lower || transfer.Block > upper || req.claimed(transfer.TxID) {
			continue
		}
		amount := fromBaseUnits(transfer.Value, v.family.TokenDecimals)
		if !v.asset.WithinTolerance(req.Expected, amount) {
			continue
		}
		return ChainMatch{
			Verified:       true,
			TxID:           transfer.TxID,
			Amount:         amount,
			Confirmations:  depth(head, transfer.Block),
			BlockHeight:    transfer.Block,
			ScannedThrough: upper,
		}
	}

	return ChainMatch{ScannedThrough: upper}
}
