package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

type monitorFixture struct {
	store     *countingStore
	notifier  *recordingNotifier
	publisher *recordingPublisher
	settler   *Settler
	monitor   *PaymentMonitor
}

func newMonitorFixture(t *testing.T, verifiers map[types.Currency]Verifier) *monitorFixture {
	t.Helper()
	store := &countingStore{SQLiteManager: newTestStore(t)}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	catalog := DefaultAssetCatalog()

	settler := NewSettler(store, catalog, notifier, nopLogger{}, nil)
	monitor := NewPaymentMonitor(testConfig(map[string]string{"monitor_interval": "1h"}), store,
		NewVerifierSetWith(catalog, verifiers), settler, nopLogger{}, nil)
	monitor.SetEventPublisher(publisher)

	return &monitorFixture{store: store, notifier: notifier, publisher: publisher, settler: settler, monitor: monitor}
}

func TestMonitorEndToEndTokenSettlement(t *testing.T) {
	node := newFakeEthNode(20000)
	asset := testAsset(t, types.CurrencyUSDT)
	tokenVerifier := NewTokenLedgerVerifier(asset, asset.Family.(TokenLedger), node, ScanOptions{}, nopLogger{})
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyUSDT: tokenVerifier})
	ctx := context.Background()

	cm := testConfig(map[string]string{"usdt_receiving_address": testETHAddress})
	live := &stubRates{rates: map[types.Currency]decimal.Decimal{types.CurrencyUSDT: decimal.NewFromInt(1)}}
	generator := NewChargeGenerator(cm, DefaultAssetCatalog(), NewExchangeRateProvider(live, testFallback, nopLogger{}), nopLogger{})
	generator.nowFn = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	manager := NewPaymentManager(cm, f.store, generator, nopLogger{})

	intent, err := manager.CreateCharge(ctx, ChargeRequest{AmountMinor: 10000, Currency: types.CurrencyUSDT, Recipient: "borrower-42"})
	if err != nil {
		t.Fatalf("CreateCharge failed: %v", err)
	}
	if intent.CryptoAmount != "100.00" {
		t.Fatalf("CryptoAmount = %s, want 100.00", intent.CryptoAmount)
	}

	// transfer included one block short of the threshold
	node.addLog(19989, txID(42), testETHAddress, tokenUnits("100.00"))

	summary, err := f.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Outcomes[OutcomeAwaitingConfirmations] != 1 {
		t.Fatalf("Expected awaiting_confirmations at depth 11, got %v", summary.Outcomes)
	}
	if got := mustGet(t, f.store, intent.ChargeID).Status; got != types.IntentStatusPending {
		t.Fatalf("Status = %s at depth 11, want pending", got)
	}

	node.setHead(20001)
	summary, err = f.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Outcomes[OutcomeSettled] != 1 {
		t.Fatalf("Expected settled at depth 12, got %v", summary.Outcomes)
	}

	settled := mustGet(t, f.store, intent.ChargeID)
	if settled.Status != types.IntentStatusSucceeded || settled.TransactionID != txID(42) || settled.Confirmations != 12 {
		t.Errorf("Unexpected settled intent: status=%s tx=%s confirmations=%d", settled.Status, settled.TransactionID, settled.Confirmations)
	}
	if settled.SettledVia != string(types.SourceMonitor) {
		t.Errorf("SettledVia = %s, want monitor", settled.SettledVia)
	}
	if f.notifier.count() != 1 || f.notifier.calls[0].Amount != "100.00" {
		t.Errorf("Expected one notification for 100.00, got %+v", f.notifier.calls)
	}

	completes, saves := f.store.writes()
	summary, err = f.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("Third RunOnce failed: %v", err)
	}
	if summary.Checked != 0 {
		t.Errorf("Settled intents must not be rechecked, checked %d", summary.Checked)
	}
	if c, s := f.store.writes(); c != completes || s != saves {
		t.Errorf("Pass after settlement made writes: completes %d->%d, cursor saves %d->%d", completes, c, saves, s)
	}
	if f.notifier.count() != 1 {
		t.Errorf("Expected still one notification, got %d", f.notifier.count())
	}
}

func TestMonitorSettlesExpiredIntent(t *testing.T) {
	verifier := &staticVerifier{match: ChainMatch{Verified: true, TxID: "btc-late", Confirmations: 3, BlockHeight: 800000}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyBTC: verifier})

	created := time.Now().Add(-3 * time.Hour)
	mustCreate(t, f.store, newPendingIntent("ch_expired", types.CurrencyBTC, "0.00166667", testBTCAddress, created))

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Outcomes[OutcomeSettled] != 1 {
		t.Fatalf("Expired intent should still settle, got %v", summary.Outcomes)
	}
	if got := mustGet(t, f.store, "ch_expired").Status; got != types.IntentStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", got)
	}
}

func TestMonitorUnconfirmedUTXOWaits(t *testing.T) {
	verifier := &staticVerifier{match: ChainMatch{Verified: true, TxID: "btc-mempool", Confirmations: 0}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyBTC: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_mempool", types.CurrencyBTC, "0.0015", testBTCAddress, time.Now()))

	result, err := f.monitor.CheckIntent(context.Background(), "ch_mempool")
	if err != nil {
		t.Fatalf("CheckIntent failed: %v", err)
	}
	if result.Outcome != OutcomeAwaitingConfirmations || result.Confirmations != 0 || result.Required != 1 {
		t.Errorf("Unexpected result %+v", result)
	}
	if got := mustGet(t, f.store, "ch_mempool").Status; got != types.IntentStatusPending {
		t.Errorf("Status = %s, want pending", got)
	}
}

func TestMonitorDepthGate(t *testing.T) {
	for _, currency := range types.SupportedCurrencies() {
		t.Run(string(currency), func(t *testing.T) {
			required := int64(MinimumConfirmations(currency))
			verifier := &staticVerifier{match: ChainMatch{Verified: true, TxID: "tx-" + string(currency), Confirmations: required - 1}}
			f := newMonitorFixture(t, map[types.Currency]Verifier{currency: verifier})
			mustCreate(t, f.store, newPendingIntent("ch_gate", currency, "1.00", testETHAddress, time.Now()))

			result, _ := f.monitor.CheckIntent(context.Background(), "ch_gate")
			if result.Outcome != OutcomeAwaitingConfirmations {
				t.Fatalf("Depth %d: outcome %s, want awaiting_confirmations", required-1, result.Outcome)
			}

			verifier.set(ChainMatch{Verified: true, TxID: "tx-" + string(currency), Confirmations: required})
			result, err := f.monitor.CheckIntent(context.Background(), "ch_gate")
			if err != nil || result.Outcome != OutcomeSettled {
				t.Fatalf("Depth %d: outcome %s (%v), want settled", required, result.Outcome, err)
			}
		})
	}
}

func TestMonitorCollisionRequiresReview(t *testing.T) {
	verifier := &staticVerifier{match: ChainMatch{Verified: true, TxID: txID(5), Amount: decimal.RequireFromString("100.00"), Confirmations: 20}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyUSDT: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_one", types.CurrencyUSDT, "100.00", testETHAddress, time.Now()))
	mustCreate(t, f.store, newPendingIntent("ch_two", types.CurrencyUSDT, "100.01", testETHAddress, time.Now()))

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Outcomes[OutcomeReviewRequired] != 2 {
		t.Fatalf("Expected both intents flagged, got %v", summary.Outcomes)
	}
	for _, id := range []string{"ch_one", "ch_two"} {
		intent := mustGet(t, f.store, id)
		if intent.Status != types.IntentStatusPending || intent.ReviewReason == "" {
			t.Errorf("%s: status=%s review=%q, want pending with review reason", id, intent.Status, intent.ReviewReason)
		}
	}
	if f.notifier.count() != 0 {
		t.Errorf("Ambiguous matches must not notify, got %d", f.notifier.count())
	}
	if events := f.publisher.eventTypes(); len(events) != 2 || events[0] != EventPaymentReview {
		t.Errorf("Expected two review events, got %v", events)
	}

	// unchanged reason is not rewritten or re-announced
	f.monitor.RunOnce(context.Background())
	if events := f.publisher.eventTypes(); len(events) != 2 {
		t.Errorf("Expected no new review events, got %v", events)
	}

	// manual resolution goes through the same guarded transition
	result, err := f.settler.Settle(context.Background(), "ch_one", Settlement{TxID: txID(5), Confirmations: 20, Source: types.SourceManual})
	if err != nil || !result.Transitioned {
		t.Fatalf("Manual resolve = %+v, %v", result, err)
	}
	if got := mustGet(t, f.store, "ch_one").SettledVia; got != string(types.SourceManual) {
		t.Errorf("SettledVia = %s, want manual", got)
	}
}

func TestMonitorDistinctAmountsDoNotCollide(t *testing.T) {
	verifier := &staticVerifier{match: ChainMatch{Verified: true, TxID: txID(6), Amount: decimal.RequireFromString("100.00"), Confirmations: 20}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyUSDC: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_one", types.CurrencyUSDC, "100.00", testETHAddress, time.Now()))
	mustCreate(t, f.store, newPendingIntent("ch_two", types.CurrencyUSDC, "250.00", testETHAddress, time.Now()))

	result, err := f.monitor.CheckIntent(context.Background(), "ch_one")
	if err != nil || result.Outcome != OutcomeSettled {
		t.Errorf("Expected settlement without collision, got %+v (%v)", result, err)
	}
}

func TestMonitorSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	verifier := &staticVerifier{}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_lease", types.CurrencyETH, "0.5", testETHAddress, time.Now()))

	held, err := f.store.AcquireLease(context.Background(), monitorLeaseName, "other-instance", time.Hour, time.Now())
	if err != nil || !held {
		t.Fatalf("Failed to take lease for other instance: %v", err)
	}

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !summary.Skipped || verifier.callCount() != 0 {
		t.Errorf("Expected skipped pass without chain calls, got %+v with %d calls", summary, verifier.callCount())
	}

	if err := f.store.ReleaseLease(context.Background(), monitorLeaseName, "other-instance"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	summary, _ = f.monitor.RunOnce(context.Background())
	if summary.Skipped || verifier.callCount() != 1 {
		t.Errorf("Expected pass after lease release, got %+v with %d calls", summary, verifier.callCount())
	}
}

// blockingVerifier holds the pass open until released
type blockingVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (v *blockingVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	close(v.entered)
	<-v.release
	return ChainMatch{}
}

func TestMonitorPassesDoNotOverlap(t *testing.T) {
	verifier := &blockingVerifier{entered: make(chan struct{}), release: make(chan struct{})}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_slow", types.CurrencyETH, "0.5", testETHAddress, time.Now()))

	done := make(chan error, 1)
	go func() {
		_, err := f.monitor.RunOnce(context.Background())
		done <- err
	}()

	<-verifier.entered
	if _, err := f.monitor.RunOnce(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("Expected ErrTickInProgress, got %v", err)
	}
	close(verifier.release)

	if err := <-done; err != nil {
		t.Errorf("First pass failed: %v", err)
	}
}

func TestMonitorStartStop(t *testing.T) {
	verifier := &staticVerifier{}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_loop", types.CurrencyETH, "0.5", testETHAddress, time.Now()))
	ctx := context.Background()

	if err := f.monitor.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.monitor.Start(ctx); !errors.Is(err, ErrMonitorRunning) {
		t.Errorf("Expected ErrMonitorRunning, got %v", err)
	}
	if err := f.monitor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if verifier.callCount() != 1 {
		t.Errorf("Expected the immediate pass to have run, got %d calls", verifier.callCount())
	}
	if err := f.monitor.Stop(); !errors.Is(err, ErrMonitorNotRunning) {
		t.Errorf("Expected ErrMonitorNotRunning, got %v", err)
	}

	lease, err := f.store.GetLease(ctx, monitorLeaseName)
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if lease != nil {
		t.Errorf("Expected lease released on stop, held by %s", lease.Owner)
	}

	if err := f.monitor.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	f.monitor.Stop()
}

func TestMonitorReleasesLeaseWhenContextEnds(t *testing.T) {
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: &staticVerifier{}})
	mustCreate(t, f.store, newPendingIntent("ch_cancel", types.CurrencyETH, "0.5", testETHAddress, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.monitor.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		lease, err := f.store.GetLease(context.Background(), monitorLeaseName)
		if err != nil {
			t.Fatalf("GetLease failed: %v", err)
		}
		if lease == nil && !f.monitor.IsRunning() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Lease still held after the loop context ended: %+v", lease)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a new owner takes over immediately
	held, err := f.store.AcquireLease(context.Background(), monitorLeaseName, "restarted-instance", time.Hour, time.Now())
	if err != nil || !held {
		t.Errorf("Expected lease to be free for a restarted instance, held=%v err=%v", held, err)
	}
}

// leaseObservingVerifier records the lease expiry seen at each call and can hand
// the lease to another owner on its first call
type leaseObservingVerifier struct {
	store    *database.SQLiteManager
	owner    string
	steal    bool
	expiries []time.Time
}

func (v *leaseObservingVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	lease, err := v.store.GetLease(ctx, monitorLeaseName)
	if err != nil || lease == nil {
		return ChainMatch{Err: errors.New("lease not held during pass")}
	}
	v.expiries = append(v.expiries, lease.ExpiresAt)
	if v.steal && len(v.expiries) == 1 {
		v.store.ReleaseLease(ctx, monitorLeaseName, v.owner)
		v.store.AcquireLease(ctx, monitorLeaseName, "other-instance", time.Hour, time.Now())
	}
	return ChainMatch{}
}

func TestMonitorRenewsLeaseDuringPass(t *testing.T) {
	verifier := &leaseObservingVerifier{}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	verifier.store = f.store.SQLiteManager
	verifier.owner = f.monitor.Owner()
	for _, id := range []string{"ch_a", "ch_b", "ch_c"} {
		mustCreate(t, f.store, newPendingIntent(id, types.CurrencyETH, "0.5", testETHAddress, time.Now()))
	}

	clock := time.Now()
	f.monitor.nowFn = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Checked != 3 || len(verifier.expiries) != 3 {
		t.Fatalf("Expected 3 intents checked, got %+v with %d calls", summary, len(verifier.expiries))
	}
	for i := 1; i < len(verifier.expiries); i++ {
		if !verifier.expiries[i].After(verifier.expiries[i-1]) {
			t.Errorf("Lease not renewed before intent %d: %v then %v", i, verifier.expiries[i-1], verifier.expiries[i])
		}
	}
}

func TestMonitorEndsPassWhenLeaseLost(t *testing.T) {
	verifier := &leaseObservingVerifier{steal: true}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	verifier.store = f.store.SQLiteManager
	verifier.owner = f.monitor.Owner()
	for _, id := range []string{"ch_a", "ch_b", "ch_c"} {
		mustCreate(t, f.store, newPendingIntent(id, types.CurrencyETH, "0.5", testETHAddress, time.Now()))
	}

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !summary.LeaseLost || summary.Checked != 1 || len(verifier.expiries) != 1 {
		t.Errorf("Expected pass to stop after losing the lease, got %+v with %d calls", summary, len(verifier.expiries))
	}
}

func TestMonitorIsolatesFailures(t *testing.T) {
	panicking := &staticVerifier{panicMsg: "decoder bug"}
	failing := &staticVerifier{match: ChainMatch{Err: transientError(types.CurrencyBTC, "address history", errors.New("timeout"))}}
	healthy := &staticVerifier{match: ChainMatch{Verified: true, TxID: txID(7), Amount: decimal.RequireFromString("100.00"), Confirmations: 40, ScannedThrough: 900}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{
		types.CurrencyETH:  panicking,
		types.CurrencyBTC:  failing,
		types.CurrencyUSDC: healthy,
	})
	created := time.Now().Add(-time.Minute)
	mustCreate(t, f.store, newPendingIntent("ch_panic", types.CurrencyETH, "0.5", testETHAddress, created))
	mustCreate(t, f.store, newPendingIntent("ch_timeout", types.CurrencyBTC, "0.0015", testBTCAddress, created))
	mustCreate(t, f.store, newPendingIntent("ch_fine", types.CurrencyUSDC, "100.00", testETHAddress, created.Add(time.Second)))

	summary, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Outcomes[OutcomeError] != 2 || summary.Outcomes[OutcomeSettled] != 1 {
		t.Errorf("Unexpected outcomes %v", summary.Outcomes)
	}
	if got := mustGet(t, f.store, "ch_fine").Status; got != types.IntentStatusSucceeded {
		t.Errorf("Healthy intent status = %s, want succeeded", got)
	}
	for _, id := range []string{"ch_panic", "ch_timeout"} {
		if got := mustGet(t, f.store, id).Status; got != types.IntentStatusPending {
			t.Errorf("%s status = %s, want pending", id, got)
		}
	}
	if cursor, _ := f.store.GetScanCursor(context.Background(), "ch_timeout"); cursor != nil {
		t.Errorf("Failed verification must not write a cursor, got %+v", cursor)
	}
}

func TestMonitorPersistsCursor(t *testing.T) {
	verifier := &staticVerifier{match: ChainMatch{ScannedThrough: 500}}
	f := newMonitorFixture(t, map[types.Currency]Verifier{types.CurrencyETH: verifier})
	mustCreate(t, f.store, newPendingIntent("ch_cursor", types.CurrencyETH, "0.5", testETHAddress, time.Now()))
	ctx := context.Background()

	if _, err := f.monitor.CheckIntent(ctx, "ch_cursor"); err != nil {
		t.Fatalf("CheckIntent failed: %v", err)
	}
	cursor, err := f.store.GetScanCursor(ctx, "ch_cursor")
	if err != nil || cursor == nil || cursor.ScannedThrough != 500 {
		t.Fatalf("Expected cursor at 500, got %+v (%v)", cursor, err)
	}

	verifier.set(ChainMatch{Verified: true, TxID: txID(8), Amount: decimal.RequireFromString("0.5"), Confirmations: 3, BlockHeight: 505, ScannedThrough: 510})
	if _, err := f.monitor.CheckIntent(ctx, "ch_cursor"); err != nil {
		t.Fatalf("CheckIntent failed: %v", err)
	}
	if verifier.requests[1].ResumeFrom != 500 {
		t.Errorf("Second request ResumeFrom = %d, want 500", verifier.requests[1].ResumeFrom)
	}

	_, before := f.store.writes()
	if _, err := f.monitor.CheckIntent(ctx, "ch_cursor"); err != nil {
		t.Fatalf("CheckIntent failed: %v", err)
	}
	third := verifier.requests[2]
	if third.KnownTxID != txID(8) || third.KnownBlock != 505 || third.ResumeFrom != 510 || !third.KnownAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("Third request did not carry the match forward: %+v", third)
	}
	if _, after := f.store.writes(); after != before {
		t.Errorf("Unchanged cursor was rewritten")
	}
}

func TestCheckIntentErrors(t *testing.T) {
	f := newMonitorFixture(t, map[types.Currency]Verifier{})
	ctx := context.Background()

	if _, err := f.monitor.CheckIntent(ctx, "ch_nope"); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected ErrIntentNotFound, got %v", err)
	}

	card := &database.PaymentIntent{ChargeID: "ch_card", PaymentMethod: types.PaymentMethodCard, AmountMinor: 100, FiatCurrency: "USD", CreatedAt: time.Now(), ExpiresAt: time.Now()}
	mustCreate(t, f.store, card)
	if _, err := f.monitor.CheckIntent(ctx, "ch_card"); !errors.Is(err, ErrIntentNotCrypto) {
		t.Errorf("Expected ErrIntentNotCrypto, got %v", err)
	}

	mustCreate(t, f.store, newPendingIntent("ch_eth", types.CurrencyETH, "0.5", testETHAddress, time.Now()))
	result, err := f.monitor.CheckIntent(ctx, "ch_eth")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || result.Outcome != OutcomeError {
		t.Errorf("Expected ConfigurationError without a verifier, got %+v (%v)", result, err)
	}

	if _, err := f.settler.Settle(ctx, "ch_eth", Settlement{TxID: txID(9), Confirmations: 12, Source: types.SourceManual}); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	result, err = f.monitor.CheckIntent(ctx, "ch_eth")
	if err != nil || result.Outcome != OutcomeAlreadySettled {
		t.Errorf("Expected already_settled, got %+v (%v)", result, err)
	}
}
