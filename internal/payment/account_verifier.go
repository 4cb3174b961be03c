package payment

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// reorgRescanDepth is how far below a vanished match the scan restarts
const reorgRescanDepth = 12

type inclusionReader interface {
	TransactionBlock(ctx context.Context, txID string) (TxInclusion, error)
}

// recheckKnown confirms a previously matched transaction by receipt. When the match
// still stands it is returned with done=true; otherwise req is adjusted so the
// window scan covers the blocks the match came from.
func recheckKnown(ctx context.Context, node inclusionReader, opts ScanOptions, head uint64, req MatchRequest, logger Logger) (ChainMatch, MatchRequest, bool, error) {
	if req.KnownTxID == "" || req.claimed(req.KnownTxID) {
		return ChainMatch{}, req, false, nil
	}

	callCtx, cancel := opts.callContext(ctx)
	inclusion, err := node.TransactionBlock(callCtx, req.KnownTxID)
	cancel()
	if err != nil {
		return ChainMatch{}, req, false, err
	}

	switch {
	case inclusion.Found && !inclusion.Reverted:
		scanned := req.ResumeFrom
		if inclusion.Block > scanned {
			scanned = inclusion.Block
		}
		return ChainMatch{
			Verified:       true,
			TxID:           req.KnownTxID,
			Amount:         req.KnownAmount,
			Confirmations:  depth(head, inclusion.Block),
			BlockHeight:    inclusion.Block,
			ScannedThrough: scanned,
		}, req, true, nil
	case inclusion.Found:
		logger.Warn(fmt.Sprintf("Matched transaction %s for %s reverted", req.KnownTxID, req.ChargeID), "verifier")
		if inclusion.Block > req.ResumeFrom {
			req.ResumeFrom = inclusion.Block
		}
	default:
		logger.Warn(fmt.Sprintf("Matched transaction %s for %s no longer on chain, rescanning", req.KnownTxID, req.ChargeID), "verifier")
		floor := uint64(0)
		if req.KnownBlock > reorgRescanDepth {
			floor = req.KnownBlock - reorgRescanDepth
		}
		if floor < req.ResumeFrom {
			req.ResumeFrom = floor
		}
	}
	req.KnownTxID = ""
	return ChainMatch{}, req, false, nil
}

// NativeAccountVerifier decodes recent blocks for value transfers to the receiving address
type NativeAccountVerifier struct {
	asset  Asset
	family NativeAccount
	node   AccountNode
	opts   ScanOptions
	logger Logger
}

func NewNativeAccountVerifier(asset Asset, family NativeAccount, node AccountNode, opts ScanOptions, logger Logger) *NativeAccountVerifier {
	if opts.MaxBlocks == 0 {
		opts.MaxBlocks = 200
	}
	return &NativeAccountVerifier{asset: asset, family: family, node: node, opts: opts, logger: logger}
}

func (v *NativeAccountVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
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
	for number := upper; ; number-- {
		callCtx, cancel := v.opts.callContext(ctx)
		transfers, err := v.node.BlockTransfers(callCtx, number)
		cancel()
		if err != nil {
			return ChainMatch{Err: transientError(v.asset.Currency, "block scan", err)}
		}

		for _, transfer := range transfers {
			if transfer.To != recipient || req.claimed(transfer.TxID) {
				continue
			}
			amount := fromBaseUnits(transfer.Value, weiDecimals)
			if !v.asset.WithinTolerance(req.Expected, amount) {
				continue
			}
			return ChainMatch{
				Verified:       true,
				TxID:           transfer.TxID,
				Amount:         amount,
				Confirmations:  depth(head, number),
				BlockHeight:    number,
				ScannedThrough: upper,
			}
		}

		if number == lower {
			break
		}
	}

	return ChainMatch{ScannedThrough: upper}
}
