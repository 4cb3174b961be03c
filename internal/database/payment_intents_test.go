package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

func newTestStore(t *testing.T) *SQLiteManager {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"), &mockLogger{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestIntent(chargeID string, currency types.Currency, amount string) *PaymentIntent {
	now := time.Now()
	return &PaymentIntent{
		ChargeID:         chargeID,
		PaymentMethod:    types.PaymentMethodCrypto,
		AmountMinor:      10000,
		FiatCurrency:     "USD",
		Currency:         currency,
		CryptoAmount:     amount,
		ReceivingAddress: "0x00000000000000000000000000000000000000aa",
		Description:      "loan repayment",
		Metadata:         map[string]string{"loan_id": "L-1"},
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestCreateAndGetPaymentIntent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent := newTestIntent("ch_create", types.CurrencyUSDT, "100.00")
	if err := store.CreatePaymentIntent(ctx, intent); err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	if intent.ID == 0 {
		t.Error("Expected row id to be assigned")
	}

	got, err := store.GetPaymentIntent(ctx, "ch_create")
	if err != nil {
		t.Fatalf("GetPaymentIntent failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected intent, got nil")
	}
	if got.Status != types.IntentStatusPending {
		t.Errorf("Expected pending status, got %s", got.Status)
	}
	if got.CryptoAmount != "100.00" || got.Currency != types.CurrencyUSDT {
		t.Errorf("Unexpected amount/currency: %s %s", got.CryptoAmount, got.Currency)
	}
	if got.Metadata["loan_id"] != "L-1" {
		t.Errorf("Expected metadata to round trip, got %v", got.Metadata)
	}
	if got.ExpiresAt.Unix() != intent.ExpiresAt.Unix() {
		t.Errorf("Expected expiry %d, got %d", intent.ExpiresAt.Unix(), got.ExpiresAt.Unix())
	}

	missing, err := store.GetPaymentIntent(ctx, "ch_missing")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for missing intent, got (%v, %v)", missing, err)
	}

	if err := store.CreatePaymentIntent(ctx, newTestIntent("ch_create", types.CurrencyBTC, "0.001")); err == nil {
		t.Error("Expected duplicate charge id to fail")
	}
}

func TestListPendingCryptoIntents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestIntent("ch_first", types.CurrencyBTC, "0.00166667")
	first.CreatedAt = time.Now().Add(-10 * time.Minute)
	second := newTestIntent("ch_second", types.CurrencyETH, "0.033333")
	card := newTestIntent("ch_card", types.CurrencyUSDC, "")
	card.PaymentMethod = types.PaymentMethodCard

	for _, intent := range []*PaymentIntent{second, first, card} {
		if err := store.CreatePaymentIntent(ctx, intent); err != nil {
			t.Fatalf("CreatePaymentIntent failed: %v", err)
		}
	}

	pending, err := store.ListPendingCryptoIntents(ctx)
	if err != nil {
		t.Fatalf("ListPendingCryptoIntents failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 crypto intents, got %d", len(pending))
	}
	if pending[0].ChargeID != "ch_first" {
		t.Errorf("Expected oldest intent first, got %s", pending[0].ChargeID)
	}

	if _, err := store.CompletePaymentIntent(ctx, "ch_first", "tx-1", 1, types.SourceMonitor, time.Now()); err != nil {
		t.Fatalf("CompletePaymentIntent failed: %v", err)
	}
	pending, _ = store.ListPendingCryptoIntents(ctx)
	if len(pending) != 1 || pending[0].ChargeID != "ch_second" {
		t.Errorf("Expected only ch_second to remain pending, got %v", pending)
	}

	byCurrency, err := store.ListPendingIntentsByCurrency(ctx, types.CurrencyETH)
	if err != nil || len(byCurrency) != 1 {
		t.Errorf("Expected one pending ETH intent, got %d (%v)", len(byCurrency), err)
	}

	all, err := store.ListPaymentIntents(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Errorf("Expected 3 intents in total, got %d (%v)", len(all), err)
	}
	succeeded, _ := store.ListPaymentIntents(ctx, types.IntentStatusSucceeded, 10)
	if len(succeeded) != 1 {
		t.Errorf("Expected 1 succeeded intent, got %d", len(succeeded))
	}
}

func TestCompletePaymentIntentIsGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, newTestIntent("ch_guard", types.CurrencyUSDT, "100.00")); err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}

	ok, err := store.CompletePaymentIntent(ctx, "ch_guard", "0xabc", 12, types.SourceMonitor, time.Now())
	if err != nil || !ok {
		t.Fatalf("Expected first transition to win, got ok=%v err=%v", ok, err)
	}

	ok, err = store.CompletePaymentIntent(ctx, "ch_guard", "0xabc", 14, types.SourceManual, time.Now())
	if err != nil {
		t.Fatalf("Second transition returned error: %v", err)
	}
	if ok {
		t.Error("Second transition must not apply")
	}

	ok, err = store.FailPaymentIntent(ctx, "ch_guard", "late failure", types.SourceWebhook, time.Now())
	if err != nil || ok {
		t.Errorf("Failing a succeeded intent must no-op, got ok=%v err=%v", ok, err)
	}

	got, _ := store.GetPaymentIntent(ctx, "ch_guard")
	if got.Status != types.IntentStatusSucceeded || got.Confirmations != 12 || got.SettledVia != "monitor" {
		t.Errorf("Unexpected final state: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completion timestamp")
	}

	// Audit metadata stays writable
	if err := store.SetReviewReason(ctx, "ch_guard", "checked by ops"); err != nil {
		t.Errorf("SetReviewReason on final intent failed: %v", err)
	}

	ok, err = store.CompletePaymentIntent(ctx, "ch_missing", "0xdef", 12, types.SourceMonitor, time.Now())
	if err != nil || ok {
		t.Errorf("Expected no-op for unknown intent, got ok=%v err=%v", ok, err)
	}
}

func TestTransactionSettlesOneIntent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"ch_a", "ch_b"} {
		if err := store.CreatePaymentIntent(ctx, newTestIntent(id, types.CurrencyETH, "0.050000")); err != nil {
			t.Fatalf("CreatePaymentIntent failed: %v", err)
		}
	}

	if ok, err := store.CompletePaymentIntent(ctx, "ch_a", "0xshared", 12, types.SourceMonitor, time.Now()); err != nil || !ok {
		t.Fatalf("First settle failed: ok=%v err=%v", ok, err)
	}

	_, err := store.CompletePaymentIntent(ctx, "ch_b", "0xshared", 12, types.SourceMonitor, time.Now())
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("Expected ErrDuplicateTransaction, got %v", err)
	}

	owner, err := store.FindIntentByTransaction(ctx, "0xshared")
	if err != nil || owner != "ch_a" {
		t.Errorf("Expected ch_a to own the transaction, got %q (%v)", owner, err)
	}

	got, _ := store.GetPaymentIntent(ctx, "ch_b")
	if got.Status != types.IntentStatusPending {
		t.Errorf("Expected ch_b to stay pending, got %s", got.Status)
	}
}

func TestScanCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, newTestIntent("ch_cursor", types.CurrencyETH, "0.050000")); err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}

	cursor, err := store.GetScanCursor(ctx, "ch_cursor")
	if err != nil || cursor != nil {
		t.Fatalf("Expected no cursor yet, got %v (%v)", cursor, err)
	}

	if err := store.SaveScanCursor(ctx, &ScanCursor{ChargeID: "ch_cursor", Currency: "ETH", ScannedThrough: 1000}); err != nil {
		t.Fatalf("SaveScanCursor failed: %v", err)
	}
	if err := store.SaveScanCursor(ctx, &ScanCursor{
		ChargeID: "ch_cursor", Currency: "ETH", ScannedThrough: 1200,
		MatchedTxID: "0xfeed", MatchedBlock: 1150, ObservedAmount: "0.05",
	}); err != nil {
		t.Fatalf("SaveScanCursor upsert failed: %v", err)
	}

	cursor, err = store.GetScanCursor(ctx, "ch_cursor")
	if err != nil || cursor == nil {
		t.Fatalf("GetScanCursor failed: %v", err)
	}
	if cursor.ScannedThrough != 1200 || cursor.MatchedTxID != "0xfeed" || cursor.MatchedBlock != 1150 {
		t.Errorf("Unexpected cursor: %+v", cursor)
	}

	if err := store.DeleteScanCursor(ctx, "ch_cursor"); err != nil {
		t.Fatalf("DeleteScanCursor failed: %v", err)
	}
	if cursor, _ := store.GetScanCursor(ctx, "ch_cursor"); cursor != nil {
		t.Error("Expected cursor to be deleted")
	}
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.RecordWebhookEvent(ctx, "evt_1", "ch_x", "succeeded", []byte(`{}`))
	if err != nil || !fresh {
		t.Fatalf("Expected first delivery to be fresh, got %v (%v)", fresh, err)
	}
	fresh, err = store.RecordWebhookEvent(ctx, "evt_1", "ch_x", "succeeded", []byte(`{}`))
	if err != nil || fresh {
		t.Errorf("Expected duplicate delivery to be detected, got %v (%v)", fresh, err)
	}

	seen, err := store.WebhookEventRecorded(ctx, "evt_1")
	if err != nil || !seen {
		t.Errorf("Expected evt_1 to be recorded, got %v (%v)", seen, err)
	}
	if seen, _ := store.WebhookEventRecorded(ctx, "evt_2"); seen {
		t.Error("Expected evt_2 to be unknown")
	}
}

func TestSchedulerLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := store.AcquireLease(ctx, "payment-monitor", "node-a", time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("Expected node-a to acquire, got %v (%v)", ok, err)
	}

	ok, err = store.AcquireLease(ctx, "payment-monitor", "node-b", time.Minute, now.Add(10*time.Second))
	if err != nil || ok {
		t.Errorf("Expected node-b to be refused while lease is live, got %v (%v)", ok, err)
	}

	ok, _ = store.AcquireLease(ctx, "payment-monitor", "node-a", time.Minute, now.Add(30*time.Second))
	if !ok {
		t.Error("Expected owner to renew its lease")
	}

	ok, _ = store.AcquireLease(ctx, "payment-monitor", "node-b", time.Minute, now.Add(2*time.Minute))
	if !ok {
		t.Error("Expected node-b to take over an expired lease")
	}

	lease, err := store.GetLease(ctx, "payment-monitor")
	if err != nil || lease == nil || lease.Owner != "node-b" {
		t.Fatalf("Expected node-b to hold the lease, got %+v (%v)", lease, err)
	}

	if err := store.ReleaseLease(ctx, "payment-monitor", "node-a"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if lease, _ := store.GetLease(ctx, "payment-monitor"); lease == nil {
		t.Error("Release by a non-owner must not drop the lease")
	}
	if err := store.ReleaseLease(ctx, "payment-monitor", "node-b"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if lease, _ := store.GetLease(ctx, "payment-monitor"); lease != nil {
		t.Error("Expected lease to be released")
	}
}
