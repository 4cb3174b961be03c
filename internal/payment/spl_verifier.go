package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// SPLSignature is one entry of a token account's signature history
type SPLSignature struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// SPLDelta is the change of an owner's token balance within one transaction
type SPLDelta struct {
	Found bool
	Slot  uint64
	Delta *big.Int
}

// SPLNode is the view of a Solana cluster used by SPLTokenVerifier
type SPLNode interface {
	Slot(ctx context.Context) (uint64, error)
	// Signatures returns up to limit signatures older than before (newest first);
	// an empty before starts at the newest
	Signatures(ctx context.Context, account solana.PublicKey, before string, limit int) ([]SPLSignature, error)
	TokenDelta(ctx context.Context, signature string, owner solana.PublicKey, mint solana.PublicKey) (SPLDelta, error)
}

// SolanaNode adapts a Solana JSON-RPC endpoint to SPLNode at confirmed commitment
type SolanaNode struct {
	client  *rpc.Client
	limiter *rate.Limiter
}

func NewSolanaNode(rpcURL string, limiter *rate.Limiter) *SolanaNode {
	if rpcURL == "" {
		rpcURL = rpc.MainNetBeta_RPC
	}
	return &SolanaNode{client: rpc.New(rpcURL), limiter: limiter}
}

func (n *SolanaNode) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

func (n *SolanaNode) Slot(ctx context.Context) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	return n.client.GetSlot(ctx, rpc.CommitmentConfirmed)
}

func (n *SolanaNode) Signatures(ctx context.Context, account solana.PublicKey, before string, limit int) ([]SPLSignature, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("invalid signature cursor %s: %w", before, err)
		}
		opts.Before = sig
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	out, err := n.client.GetSignaturesForAddressWithOpts(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}

	signatures := make([]SPLSignature, 0, len(out))
	for _, sig := range out {
		entry := SPLSignature{
			Signature: sig.Signature.String(),
			Slot:      sig.Slot,
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			entry.BlockTime = time.Unix(int64(*sig.BlockTime), 0)
		}
		signatures = append(signatures, entry)
	}
	return signatures, nil
}

func (n *SolanaNode) TokenDelta(ctx context.Context, signature string, owner solana.PublicKey, mint solana.PublicKey) (SPLDelta, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return SPLDelta{}, fmt.Errorf("invalid signature %s: %w", signature, err)
	}
	if err := n.wait(ctx); err != nil {
		return SPLDelta{}, err
	}

	maxVersion := uint64(0)
	tx, err := n.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return SPLDelta{}, nil
	}
	if err != nil {
		return SPLDelta{}, fmt.Errorf("failed to fetch transaction %s: %w", signature, err)
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return SPLDelta{Found: tx != nil, Slot: slotOf(tx), Delta: new(big.Int)}, nil
	}

	pre, err := tokenBalance(tx.Meta.PreTokenBalances, owner, mint)
	if err != nil {
		return SPLDelta{}, err
	}
	post, err := tokenBalance(tx.Meta.PostTokenBalances, owner, mint)
	if err != nil {
		return SPLDelta{}, err
	}
	return SPLDelta{Found: true, Slot: tx.Slot, Delta: new(big.Int).Sub(post, pre)}, nil
}

func slotOf(tx *rpc.GetTransactionResult) uint64 {
	if tx == nil {
		return 0
	}
	return tx.Slot
}

// tokenBalance sums raw balances held by owner for mint; absent entries count as zero
func tokenBalance(balances []rpc.TokenBalance, owner solana.PublicKey, mint solana.PublicKey) (*big.Int, error) {
	total := new(big.Int)
	for _, balance := range balances {
		if balance.Owner == nil || !balance.Owner.Equals(owner) || !balance.Mint.Equals(mint) || balance.UiTokenAmount == nil {
			continue
		}
		amount, ok := new(big.Int).SetString(balance.UiTokenAmount.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("malformed token amount %q", balance.UiTokenAmount.Amount)
		}
		total.Add(total, amount)
	}
	return total, nil
}

// maxSignaturePages bounds the history listed by one Verify call
const maxSignaturePages = 20

// SPLTokenVerifier matches incoming SPL token transfers to the owner's associated token account
type SPLTokenVerifier struct {
	asset  Asset
	family SPLToken
	node   SPLNode
	opts   ScanOptions
	logger Logger
}

func NewSPLTokenVerifier(asset Asset, family SPLToken, node SPLNode, opts ScanOptions, logger Logger) *SPLTokenVerifier {
	if opts.SignatureLimit <= 0 {
		opts.SignatureLimit = 50
	}
	return &SPLTokenVerifier{asset: asset, family: family, node: node, opts: opts, logger: logger}
}

func (v *SPLTokenVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	owner, err := solana.PublicKeyFromBase58(req.Address)
	if err != nil {
		return ChainMatch{Err: &ConfigurationError{Currency: v.asset.Currency, Reason: fmt.Sprintf("receiving address %q: %v", req.Address, err)}}
	}
	account, _, err := solana.FindAssociatedTokenAddress(owner, v.family.Mint)
	if err != nil {
		return ChainMatch{Err: &ConfigurationError{Currency: v.asset.Currency, Reason: fmt.Sprintf("no token account for %s: %v", req.Address, err)}}
	}

	callCtx, cancel := v.opts.callContext(ctx)
	head, err := v.node.Slot(callCtx)
	cancel()
	if err != nil {
		return ChainMatch{Err: transientError(v.asset.Currency, "slot", err)}
	}

	if req.KnownTxID != "" && !req.claimed(req.KnownTxID) {
		match, err := v.inspect(ctx, req, head, req.KnownTxID, owner)
		if err != nil {
			return ChainMatch{Err: transientError(v.asset.Currency, "transaction", err)}
		}
		if match.Verified {
			if req.ResumeFrom > match.ScannedThrough {
				match.ScannedThrough = req.ResumeFrom
			}
			return match
		}
		v.logger.Warn(fmt.Sprintf("Matched transaction %s for %s no longer confirmed, rescanning", req.KnownTxID, req.ChargeID), "verifier")
		req.ResumeFrom = 0
	}

	signatures, complete, err := v.history(ctx, account, req)
	if err != nil {
		return ChainMatch{Err: transientError(v.asset.Currency, "signatures", err)}
	}

	scanned := req.ResumeFrom
	if !complete {
		v.logger.Warn(fmt.Sprintf("Signature history of %s exceeds %d pages, cursor for %s not advanced",
			account, maxSignaturePages, req.ChargeID), "verifier")
	} else if len(signatures) > 0 && signatures[0].Slot > scanned {
		scanned = signatures[0].Slot
	}

	// oldest first, so a match never leaves older unchecked signatures behind
	for i := len(signatures) - 1; i >= 0; i-- {
		sig := signatures[i]
		if sig.Failed || req.claimed(sig.Signature) {
			continue
		}

		match, err := v.inspect(ctx, req, head, sig.Signature, owner)
		if err != nil {
			return ChainMatch{Err: transientError(v.asset.Currency, "transaction", err)}
		}
		if match.Verified {
			if req.ResumeFrom > match.ScannedThrough {
				match.ScannedThrough = req.ResumeFrom
			}
			return match
		}
	}

	return ChainMatch{ScannedThrough: scanned}
}

// history pages backwards from the newest signature until it reaches the cursor or
// the intent's creation time. complete is false when the page budget ran out first,
// in which case the older part of the range was never listed.
func (v *SPLTokenVerifier) history(ctx context.Context, account solana.PublicKey, req MatchRequest) ([]SPLSignature, bool, error) {
	var signatures []SPLSignature
	before := ""

	for page := 0; page < maxSignaturePages; page++ {
		callCtx, cancel := v.opts.callContext(ctx)
		batch, err := v.node.Signatures(callCtx, account, before, v.opts.SignatureLimit)
		cancel()
		if err != nil {
			return nil, false, err
		}

		for _, sig := range batch {
			if req.ResumeFrom > 0 && sig.Slot <= req.ResumeFrom {
				return signatures, true, nil
			}
			if !sig.BlockTime.IsZero() && sig.BlockTime.Before(req.NotBefore) {
				return signatures, true, nil
			}
			signatures = append(signatures, sig)
		}
		if len(batch) < v.opts.SignatureLimit {
			return signatures, true, nil
		}
		before = batch[len(batch)-1].Signature
	}
	return signatures, false, nil
}

func (v *SPLTokenVerifier) inspect(ctx context.Context, req MatchRequest, head uint64, signature string, owner solana.PublicKey) (ChainMatch, error) {
	callCtx, cancel := v.opts.callContext(ctx)
	delta, err := v.node.TokenDelta(callCtx, signature, owner, v.family.Mint)
	cancel()
	if err != nil {
		return ChainMatch{}, err
	}
	if !delta.Found || delta.Delta == nil || delta.Delta.Sign() <= 0 {
		return ChainMatch{}, nil
	}

	amount := fromBaseUnits(delta.Delta, v.family.TokenDecimals)
	if !v.asset.WithinTolerance(req.Expected, amount) {
		return ChainMatch{}, nil
	}
	return ChainMatch{
		Verified:       true,
		TxID:           signature,
		Amount:         amount,
		Confirmations:  depth(head, delta.Slot),
		BlockHeight:    delta.Slot,
		ScannedThrough: delta.Slot,
	}, nil
}
