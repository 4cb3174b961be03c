package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

func newTestSettler(t *testing.T, notifier Notifier) (*Settler, *countingStore) {
	t.Helper()
	store := &countingStore{SQLiteManager: newTestStore(t)}
	return NewSettler(store, DefaultAssetCatalog(), notifier, nopLogger{}, nil), store
}

func TestSettleIsIdempotent(t *testing.T) {
	notifier := &recordingNotifier{}
	settler, store := newTestSettler(t, notifier)
	ctx := context.Background()
	mustCreate(t, store, newPendingIntent("ch_idem", types.CurrencyUSDT, "100.00", testETHAddress, time.Now()))

	first, err := settler.Settle(ctx, "ch_idem", Settlement{TxID: txID(1), Confirmations: 12, Source: types.SourceMonitor})
	if err != nil {
		t.Fatalf("First Settle failed: %v", err)
	}
	if !first.Transitioned || first.Status != types.IntentStatusSucceeded {
		t.Errorf("First Settle = %+v, want transition to succeeded", first)
	}

	second, err := settler.Settle(ctx, "ch_idem", Settlement{TxID: txID(1), Confirmations: 13, Source: types.SourceWebhook})
	if err != nil {
		t.Fatalf("Second Settle failed: %v", err)
	}
	if second.Transitioned {
		t.Error("Second Settle must not transition")
	}

	if completes, _ := store.writes(); completes != 1 {
		t.Errorf("Expected one guarded write, got %d", completes)
	}
	if notifier.count() != 1 {
		t.Fatalf("Expected one notification, got %d", notifier.count())
	}
	call := notifier.calls[0]
	if call.IntentID != "ch_idem" || call.Amount != "100.00" || call.Label != "USDT (ERC-20)" || call.Recipient != "borrower-42" {
		t.Errorf("Unexpected notification %+v", call)
	}

	intent := mustGet(t, store, "ch_idem")
	if intent.Confirmations != 12 || intent.SettledVia != string(types.SourceMonitor) || intent.CompletedAt == nil {
		t.Errorf("Second call changed the settled record: %+v", intent)
	}
}

func TestSettleConcurrentCallsNotifyOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	settler, store := newTestSettler(t, notifier)
	mustCreate(t, store, newPendingIntent("ch_race", types.CurrencyETH, "0.500000", testETHAddress, time.Now()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := settler.Settle(context.Background(), "ch_race", Settlement{TxID: txID(2), Confirmations: 12, Source: types.SourceMonitor})
			if err != nil {
				t.Errorf("Settle failed: %v", err)
				return
			}
			if result.Transitioned {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning transition, got %d", wins)
	}
	if notifier.count() != 1 {
		t.Errorf("Expected exactly one notification, got %d", notifier.count())
	}
}

func TestSettleNotifierFailureDoesNotRollBack(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("loan service unavailable")}
	settler, store := newTestSettler(t, notifier)
	mustCreate(t, store, newPendingIntent("ch_notify", types.CurrencyBTC, "0.00166667", testBTCAddress, time.Now()))

	result, err := settler.Settle(context.Background(), "ch_notify", Settlement{TxID: "btc-tx", Confirmations: 1, Source: types.SourceMonitor})
	if err != nil {
		t.Fatalf("Settle must succeed despite notifier failure: %v", err)
	}
	var notifyErr *NotifierError
	if !errors.As(result.NotifyErr, &notifyErr) || notifyErr.ChargeID != "ch_notify" {
		t.Errorf("Expected NotifierError in result, got %v", result.NotifyErr)
	}
	if got := mustGet(t, store, "ch_notify").Status; got != types.IntentStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", got)
	}
}

func TestSettleRejectsClaimedTransaction(t *testing.T) {
	notifier := &recordingNotifier{}
	settler, store := newTestSettler(t, notifier)
	ctx := context.Background()
	mustCreate(t, store, newPendingIntent("ch_a", types.CurrencyUSDC, "100.00", testETHAddress, time.Now()))
	mustCreate(t, store, newPendingIntent("ch_b", types.CurrencyUSDC, "100.00", testETHAddress, time.Now()))

	if _, err := settler.Settle(ctx, "ch_a", Settlement{TxID: txID(3), Confirmations: 12, Source: types.SourceMonitor}); err != nil {
		t.Fatalf("Settle(ch_a) failed: %v", err)
	}
	_, err := settler.Settle(ctx, "ch_b", Settlement{TxID: txID(3), Confirmations: 12, Source: types.SourceMonitor})
	if !errors.Is(err, ErrTransactionClaimed) {
		t.Fatalf("Expected ErrTransactionClaimed, got %v", err)
	}
	if got := mustGet(t, store, "ch_b").Status; got != types.IntentStatusPending {
		t.Errorf("ch_b status = %s, want pending", got)
	}
	if notifier.count() != 1 {
		t.Errorf("Expected one notification, got %d", notifier.count())
	}
}

func TestSettleUnknownIntent(t *testing.T) {
	settler, _ := newTestSettler(t, &recordingNotifier{})
	if _, err := settler.Settle(context.Background(), "ch_missing", Settlement{Source: types.SourceManual}); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected ErrIntentNotFound, got %v", err)
	}
}

func TestFailThenSettle(t *testing.T) {
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	settler, store := newTestSettler(t, notifier)
	settler.SetEventPublisher(publisher)
	ctx := context.Background()

	card := &database.PaymentIntent{
		ChargeID:      "ch_card",
		PaymentMethod: types.PaymentMethodCard,
		AmountMinor:   2500,
		FiatCurrency:  "USD",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	mustCreate(t, store, card)

	result, err := settler.Fail(ctx, "ch_card", "card declined", types.SourceWebhook)
	if err != nil || !result.Transitioned || result.Status != types.IntentStatusFailed {
		t.Fatalf("Fail = %+v, %v", result, err)
	}
	if events := publisher.eventTypes(); len(events) != 1 || events[0] != EventPaymentFailed {
		t.Errorf("Expected one payment.failed event, got %v", events)
	}

	result, err = settler.Settle(ctx, "ch_card", Settlement{Source: types.SourceWebhook})
	if err != nil {
		t.Fatalf("Settle after Fail errored: %v", err)
	}
	if result.Transitioned || result.Status != types.IntentStatusFailed {
		t.Errorf("Final intents must not change status, got %+v", result)
	}
	if notifier.count() != 0 {
		t.Errorf("Failed intent must not notify, got %d", notifier.count())
	}
}
