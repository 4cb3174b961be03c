package payment

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const (
	testBTCAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	testETHAddress = "0x1111111111111111111111111111111111111111"
)

type nopLogger struct{}

func (nopLogger) Debug(msg, category string) {}
func (nopLogger) Info(msg, category string)  {}
func (nopLogger) Warn(msg, category string)  {}
func (nopLogger) Error(msg, category string) {}

func newTestStore(t *testing.T) *database.SQLiteManager {
	t.Helper()
	store, err := database.OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"), nopLogger{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newPendingIntent(chargeID string, currency types.Currency, amount string, address string, createdAt time.Time) *database.PaymentIntent {
	return &database.PaymentIntent{
		ChargeID:         chargeID,
		PaymentMethod:    types.PaymentMethodCrypto,
		AmountMinor:      10000,
		FiatCurrency:     "USD",
		Currency:         currency,
		CryptoAmount:     amount,
		ReceivingAddress: address,
		Description:      "loan repayment",
		Recipient:        "borrower-42",
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(time.Hour),
	}
}

func mustCreate(t *testing.T, store IntentStore, intent *database.PaymentIntent) {
	t.Helper()
	if err := store.CreatePaymentIntent(context.Background(), intent); err != nil {
		t.Fatalf("CreatePaymentIntent(%s) failed: %v", intent.ChargeID, err)
	}
}

func mustGet(t *testing.T, store IntentStore, chargeID string) *database.PaymentIntent {
	t.Helper()
	intent, err := store.GetPaymentIntent(context.Background(), chargeID)
	if err != nil || intent == nil {
		t.Fatalf("GetPaymentIntent(%s) = %v, %v", chargeID, intent, err)
	}
	return intent
}

// countingStore counts guarded transitions and cursor writes
type countingStore struct {
	*database.SQLiteManager

	mu          sync.Mutex
	completes   int
	cursorSaves int
}

func (s *countingStore) CompletePaymentIntent(ctx context.Context, chargeID string, txID string, confirmations int64, source types.SettlementSource, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	s.completes++
	s.mu.Unlock()
	return s.SQLiteManager.CompletePaymentIntent(ctx, chargeID, txID, confirmations, source, completedAt)
}

func (s *countingStore) SaveScanCursor(ctx context.Context, cursor *database.ScanCursor) error {
	s.mu.Lock()
	s.cursorSaves++
	s.mu.Unlock()
	return s.SQLiteManager.SaveScanCursor(ctx, cursor)
}

func (s *countingStore) writes() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes, s.cursorSaves
}

type notification struct {
	Recipient string
	IntentID  string
	Amount    string
	Label     string
}

// recordingNotifier records notifications and optionally fails
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{Recipient: recipient, IntentID: intentID, Amount: amount, Label: currencyLabel})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SettlementEvent
}

func (p *recordingPublisher) PublishSettlementEvent(event SettlementEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeEthNode implements AccountNode and TokenLogReader over in-memory blocks
type fakeEthNode struct {
	mu        sync.Mutex
	head      uint64
	blocks    map[uint64][]AccountTransfer
	logs      []TokenTransfer
	receipts  map[string]TxInclusion
	headErr   error
	blockErr  error
	requested []uint64
	logRanges [][2]uint64
}

func newFakeEthNode(head uint64) *fakeEthNode {
	return &fakeEthNode{
		head:     head,
		blocks:   make(map[uint64][]AccountTransfer),
		receipts: make(map[string]TxInclusion),
	}
}

func (n *fakeEthNode) setHead(head uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.head = head
}

func (n *fakeEthNode) addTransfer(block uint64, txID string, to string, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks[block] = append(n.blocks[block], AccountTransfer{TxID: txID, To: common.HexToAddress(to), Value: wei})
	n.receipts[txID] = TxInclusion{Found: true, Block: block}
}

func (n *fakeEthNode) addLog(block uint64, txID string, to string, units *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, TokenTransfer{TxID: txID, Block: block, To: common.HexToAddress(to), Value: units})
	n.receipts[txID] = TxInclusion{Found: true, Block: block}
}

func (n *fakeEthNode) BlockNumber(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.headErr != nil {
		return 0, n.headErr
	}
	return n.head, nil
}

func (n *fakeEthNode) BlockTransfers(ctx context.Context, number uint64) ([]AccountTransfer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, number)
	if n.blockErr != nil {
		return nil, n.blockErr
	}
	return n.blocks[number], nil
}

func (n *fakeEthNode) TransactionBlock(ctx context.Context, txID string) (TxInclusion, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receipts[txID], nil
}

func (n *fakeEthNode) TransferLogs(ctx context.Context, contract common.Address, recipient common.Address, from, to uint64) ([]TokenTransfer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logRanges = append(n.logRanges, [2]uint64{from, to})
	if n.blockErr != nil {
		return nil, n.blockErr
	}
	var out []TokenTransfer
	for _, lg := range n.logs {
		if lg.Block >= from && lg.Block <= to && lg.To == recipient {
			out = append(out, lg)
		}
	}
	return out, nil
}

// fakeSolanaNode implements SPLNode
type fakeSolanaNode struct {
	mu         sync.Mutex
	slot       uint64
	signatures []SPLSignature
	deltas     map[string]SPLDelta
	err        error
	pages      int
}

func newFakeSolanaNode(slot uint64) *fakeSolanaNode {
	return &fakeSolanaNode{slot: slot, deltas: make(map[string]SPLDelta)}
}

// addTransfer prepends a signature so the history stays newest first
func (n *fakeSolanaNode) addTransfer(signature string, slot uint64, blockTime time.Time, units int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signatures = append([]SPLSignature{{Signature: signature, Slot: slot, BlockTime: blockTime}}, n.signatures...)
	n.deltas[signature] = SPLDelta{Found: true, Slot: slot, Delta: big.NewInt(units)}
}

func (n *fakeSolanaNode) Slot(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return 0, n.err
	}
	return n.slot, nil
}

func (n *fakeSolanaNode) Signatures(ctx context.Context, account solana.PublicKey, before string, limit int) ([]SPLSignature, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages++
	if n.err != nil {
		return nil, n.err
	}

	history := n.signatures
	if before != "" {
		for i, sig := range n.signatures {
			if sig.Signature == before {
				history = n.signatures[i+1:]
				break
			}
		}
	}
	if len(history) > limit {
		history = history[:limit]
	}
	return append([]SPLSignature(nil), history...), nil
}

func (n *fakeSolanaNode) pageCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pages
}

func (n *fakeSolanaNode) TokenDelta(ctx context.Context, signature string, owner solana.PublicKey, mint solana.PublicKey) (SPLDelta, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deltas[signature], nil
}

// staticVerifier returns a fixed match and counts calls
type staticVerifier struct {
	mu       sync.Mutex
	match    ChainMatch
	calls    int
	requests []MatchRequest
	panicMsg string
}

func (v *staticVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.requests = append(v.requests, req)
	if v.panicMsg != "" {
		panic(v.panicMsg)
	}
	return v.match
}

func (v *staticVerifier) set(match ChainMatch) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.match = match
}

func (v *staticVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func testAsset(t *testing.T, currency types.Currency) Asset {
	t.Helper()
	asset, err := DefaultAssetCatalog().Asset(currency)
	if err != nil {
		t.Fatalf("Asset(%s) failed: %v", currency, err)
	}
	return asset
}

func testConfig(values map[string]string) *utils.ConfigManager {
	return utils.NewConfigManagerFromMap(values)
}

func txID(i int) string {
	return fmt.Sprintf("0x%064x", i)
}
