package payment

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const monitorLeaseName = "payment-monitor"

// CheckOutcome is the result of reconciling one intent
type CheckOutcome string

const (
	OutcomePending               CheckOutcome = "pending"
	OutcomeAwaitingConfirmations CheckOutcome = "awaiting_confirmations"
	OutcomeSettled               CheckOutcome = "settled"
	OutcomeAlreadySettled        CheckOutcome = "already_settled"
	OutcomeReviewRequired        CheckOutcome = "review_required"
	OutcomeError                 CheckOutcome = "error"
)

// CheckResult describes one reconciliation of one intent
type CheckResult struct {
	ChargeID      string       `json:"charge_id"`
	Outcome       CheckOutcome `json:"outcome"`
	TxID          string       `json:"transaction_id,omitempty"`
	Confirmations int64        `json:"confirmations"`
	Required      int          `json:"required_confirmations,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Err           error        `json:"-"`
}

// TickSummary describes one reconciliation pass
type TickSummary struct {
	Skipped   bool                 `json:"skipped"`
	LeaseLost bool                 `json:"lease_lost,omitempty"`
	Checked   int                  `json:"checked"`
	Outcomes  map[CheckOutcome]int `json:"outcomes"`
	Duration  time.Duration        `json:"duration"`
}

// PaymentMonitor periodically reconciles pending crypto intents against chain state.
// Passes never overlap, and across processes only the holder of the scheduler lease runs them.
type PaymentMonitor struct {
	store     IntentStore
	verifiers *VerifierSet
	settler   *Settler
	publisher EventPublisher
	logger    Logger
	metrics   *utils.SettlementMetrics

	interval time.Duration
	leaseTTL time.Duration
	owner    string
	nowFn    func() time.Time

	busy atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewPaymentMonitor(cm *utils.ConfigManager, store IntentStore, verifiers *VerifierSet, settler *Settler, logger Logger, metrics *utils.SettlementMetrics) *PaymentMonitor {
	interval := cm.GetConfigDuration("monitor_interval", 2*time.Minute)
	leaseTTL := cm.GetConfigDuration("monitor_lease_ttl", 10*time.Minute)
	if leaseTTL < interval {
		leaseTTL = 2 * interval
	}

	return &PaymentMonitor{
		store:     store,
		verifiers: verifiers,
		settler:   settler,
		logger:    logger,
		metrics:   metrics,
		interval:  interval,
		leaseTTL:  leaseTTL,
		owner:     uuid.New().String(),
		nowFn:     time.Now,
	}
}

// SetEventPublisher enables review events on the event stream
func (m *PaymentMonitor) SetEventPublisher(publisher EventPublisher) {
	m.publisher = publisher
}

// Owner is the lease owner id of this monitor
func (m *PaymentMonitor) Owner() string {
	return m.owner
}

// IsRunning reports whether the periodic loop is active
func (m *PaymentMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start runs a pass immediately and then every interval until Stop or ctx is done
func (m *PaymentMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrMonitorRunning
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(ctx, m.stopCh, m.doneCh)

	m.logger.Info(fmt.Sprintf("Payment monitor started (interval %s, owner %s)", m.interval, m.owner), "monitor")
	return nil
}

// Stop ends the loop and waits for the in-flight pass to finish
func (m *PaymentMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done

	m.logger.Info("Payment monitor stopped", "monitor")
	return nil
}

func (m *PaymentMonitor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer m.releaseLease()

	m.scheduledPass(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.scheduledPass(ctx)
		}
	}
}

// releaseLease hands the lease back however the loop ended, so a restarted
// process does not wait out the TTL
func (m *PaymentMonitor) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.ReleaseLease(ctx, monitorLeaseName, m.owner); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to release monitor lease: %v", err), "monitor")
	}
}

func (m *PaymentMonitor) scheduledPass(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrTickInProgress) {
			m.metrics.TickSkipped("busy")
			m.logger.Debug("Skipping reconciliation pass, previous pass still running", "monitor")
			return
		}
		m.logger.Error(fmt.Sprintf("Reconciliation pass failed: %v", err), "monitor")
	}
}

// RunOnce performs a single reconciliation pass. It returns ErrTickInProgress
// when another pass is active.
func (m *PaymentMonitor) RunOnce(ctx context.Context) (TickSummary, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return TickSummary{}, ErrTickInProgress
	}
	defer m.busy.Store(false)

	started := m.nowFn()
	summary := TickSummary{Outcomes: make(map[CheckOutcome]int)}

	held, err := m.store.AcquireLease(ctx, monitorLeaseName, m.owner, m.leaseTTL, started)
	if err != nil {
		m.metrics.TickSkipped("lease_error")
		return summary, fmt.Errorf("failed to acquire monitor lease: %w", err)
	}
	if !held {
		m.metrics.TickSkipped("lease_held")
		m.logger.Debug("Monitor lease held by another instance, skipping pass", "monitor")
		summary.Skipped = true
		return summary, nil
	}

	intents, err := m.store.ListPendingCryptoIntents(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list pending intents: %w", err)
	}

	for i, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		// renewed before every intent so a slow pass keeps its lease
		if i > 0 {
			held, err := m.store.AcquireLease(ctx, monitorLeaseName, m.owner, m.leaseTTL, m.nowFn())
			if err != nil {
				return summary, fmt.Errorf("failed to renew monitor lease: %w", err)
			}
			if !held {
				m.logger.Warn(fmt.Sprintf("Monitor lease taken over by another instance after %d of %d intents, ending pass", i, len(intents)), "monitor")
				summary.LeaseLost = true
				break
			}
		}
		result := m.check(ctx, intent)
		summary.Checked++
		summary.Outcomes[result.Outcome]++
	}

	summary.Duration = m.nowFn().Sub(started)
	m.metrics.TickCompleted(summary.Duration, len(intents))
	if summary.Checked > 0 {
		m.logger.Info(fmt.Sprintf("Reconciliation pass checked %d intents in %s: %v", summary.Checked, summary.Duration, summary.Outcomes), "monitor")
	}
	return summary, nil
}

// CheckIntent reconciles one intent immediately through the same path as a scheduled pass
func (m *PaymentMonitor) CheckIntent(ctx context.Context, chargeID string) (CheckResult, error) {
	intent, err := m.store.GetPaymentIntent(ctx, chargeID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to load intent %s: %w", chargeID, err)
	}
	if intent == nil {
		return CheckResult{}, fmt.Errorf("%w: %s", ErrIntentNotFound, chargeID)
	}
	if intent.PaymentMethod != types.PaymentMethodCrypto {
		return CheckResult{}, fmt.Errorf("%w: %s", ErrIntentNotCrypto, chargeID)
	}
	if intent.Status.IsFinal() {
		return CheckResult{ChargeID: chargeID, Outcome: OutcomeAlreadySettled, TxID: intent.TransactionID, Confirmations: intent.Confirmations}, nil
	}

	result := m.check(ctx, intent)
	return result, result.Err
}

// check isolates one intent: errors and panics end up in the result
func (m *PaymentMonitor) check(ctx context.Context, intent *database.PaymentIntent) (result CheckResult) {
	result = CheckResult{ChargeID: intent.ChargeID}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(fmt.Sprintf("Panic while checking intent %s: %v\n%s", intent.ChargeID, r, debug.Stack()), "monitor")
			result.Outcome = OutcomeError
			result.Err = fmt.Errorf("panic while checking intent %s: %v", intent.ChargeID, r)
		}
		m.metrics.IntentChecked(string(intent.Currency), string(result.Outcome))
	}()

	if err := m.reconcile(ctx, intent, &result); err != nil {
		result.Outcome = OutcomeError
		result.Err = err
		m.logger.Warn(fmt.Sprintf("Check of intent %s failed: %v", intent.ChargeID, err), "monitor")
	}
	return result
}

func (m *PaymentMonitor) reconcile(ctx context.Context, intent *database.PaymentIntent, result *CheckResult) error {
	asset, verifier, err := m.verifiers.For(intent.Currency)
	if err != nil {
		return err
	}
	expected, err := decimal.NewFromString(intent.CryptoAmount)
	if err != nil {
		return fmt.Errorf("invalid crypto amount %q: %w", intent.CryptoAmount, err)
	}
	if intent.IsExpired(m.nowFn()) {
		m.logger.Debug(fmt.Sprintf("Intent %s is past its expiry, still checking", intent.ChargeID), "monitor")
	}

	cursor, err := m.store.GetScanCursor(ctx, intent.ChargeID)
	if err != nil {
		return fmt.Errorf("failed to load scan cursor: %w", err)
	}

	req := MatchRequest{
		ChargeID:  intent.ChargeID,
		Address:   intent.ReceivingAddress,
		Expected:  expected,
		NotBefore: intent.CreatedAt,
		Claimed:   m.claimedElsewhere(ctx, intent.ChargeID),
	}
	if cursor != nil {
		req.ResumeFrom = cursor.ScannedThrough
		req.KnownTxID = cursor.MatchedTxID
		req.KnownBlock = cursor.MatchedBlock
		if cursor.ObservedAmount != "" {
			req.KnownAmount, _ = decimal.NewFromString(cursor.ObservedAmount)
		}
	}

	match := verifier.Verify(ctx, req)
	if match.Err != nil {
		m.metrics.VerificationFailed(string(intent.Currency))
		return match.Err
	}

	if err := m.saveCursor(ctx, intent, cursor, match); err != nil {
		return err
	}

	result.Outcome = OutcomePending
	if !match.Verified {
		return nil
	}

	result.TxID = match.TxID
	result.Confirmations = match.Confirmations
	result.Required = MinimumConfirmations(intent.Currency)
	if match.Confirmations < int64(result.Required) {
		result.Outcome = OutcomeAwaitingConfirmations
		m.logger.Debug(fmt.Sprintf("Intent %s matched %s with %d/%d confirmations",
			intent.ChargeID, match.TxID, match.Confirmations, result.Required), "monitor")
		return nil
	}

	reason, err := m.collision(ctx, intent, asset, expected, match)
	if err != nil {
		return err
	}
	if reason != "" {
		result.Outcome = OutcomeReviewRequired
		result.Reason = reason
		return m.flagForReview(ctx, intent, reason)
	}

	settled, err := m.settler.Settle(ctx, intent.ChargeID, Settlement{
		TxID:          match.TxID,
		Confirmations: match.Confirmations,
		Source:        types.SourceMonitor,
	})
	if errors.Is(err, ErrTransactionClaimed) {
		m.logger.Warn(fmt.Sprintf("Transaction %s already settled another intent, keeping %s pending", match.TxID, intent.ChargeID), "monitor")
		if err := m.store.SaveScanCursor(ctx, &database.ScanCursor{
			ChargeID:       intent.ChargeID,
			Currency:       string(intent.Currency),
			ScannedThrough: match.ScannedThrough,
		}); err != nil {
			return fmt.Errorf("failed to save scan cursor: %w", err)
		}
		result.Outcome = OutcomePending
		return nil
	}
	if err != nil {
		return err
	}

	if settled.Transitioned {
		result.Outcome = OutcomeSettled
	} else {
		result.Outcome = OutcomeAlreadySettled
	}
	return nil
}

// claimedElsewhere reports transactions that settled some other intent
func (m *PaymentMonitor) claimedElsewhere(ctx context.Context, chargeID string) func(string) bool {
	return func(txID string) bool {
		owner, err := m.store.FindIntentByTransaction(ctx, txID)
		if err != nil {
			m.logger.Warn(fmt.Sprintf("Failed to check transaction %s: %v", txID, err), "monitor")
			return false
		}
		return owner != "" && owner != chargeID
	}
}

func (m *PaymentMonitor) saveCursor(ctx context.Context, intent *database.PaymentIntent, previous *database.ScanCursor, match ChainMatch) error {
	next := database.ScanCursor{
		ChargeID: intent.ChargeID,
		Currency: string(intent.Currency),
	}
	if previous != nil {
		next.ScannedThrough = previous.ScannedThrough
	}
	if match.ScannedThrough > next.ScannedThrough {
		next.ScannedThrough = match.ScannedThrough
	}
	if match.Verified {
		next.MatchedTxID = match.TxID
		next.MatchedBlock = match.BlockHeight
		next.ObservedAmount = match.Amount.String()
	}

	if previous != nil &&
		previous.ScannedThrough == next.ScannedThrough &&
		previous.MatchedTxID == next.MatchedTxID &&
		previous.MatchedBlock == next.MatchedBlock &&
		previous.ObservedAmount == next.ObservedAmount {
		return nil
	}
	if previous == nil && next.ScannedThrough == 0 && next.MatchedTxID == "" {
		return nil
	}

	if err := m.store.SaveScanCursor(ctx, &next); err != nil {
		return fmt.Errorf("failed to save scan cursor: %w", err)
	}
	return nil
}

// collision returns a review reason when another pending intent on the same address
// expects an amount the matched transfer could also satisfy
func (m *PaymentMonitor) collision(ctx context.Context, intent *database.PaymentIntent, asset Asset, expected decimal.Decimal, match ChainMatch) (string, error) {
	others, err := m.store.ListPendingIntentsByCurrency(ctx, intent.Currency)
	if err != nil {
		return "", fmt.Errorf("failed to list pending %s intents: %w", intent.Currency, err)
	}

	var colliding []string
	for _, other := range others {
		if other.ChargeID == intent.ChargeID || other.ReceivingAddress != intent.ReceivingAddress {
			continue
		}
		amount, err := decimal.NewFromString(other.CryptoAmount)
		if err != nil {
			continue
		}
		if asset.Overlaps(expected, amount) {
			colliding = append(colliding, other.ChargeID)
		}
	}
	if len(colliding) == 0 {
		return "", nil
	}

	return fmt.Sprintf("transfer %s of %s %s is ambiguous with pending intents %s",
		match.TxID, asset.FormatAmount(match.Amount), asset.Label, strings.Join(colliding, ",")), nil
}

func (m *PaymentMonitor) flagForReview(ctx context.Context, intent *database.PaymentIntent, reason string) error {
	if intent.ReviewReason == reason {
		return nil
	}
	if err := m.store.SetReviewReason(ctx, intent.ChargeID, reason); err != nil {
		return fmt.Errorf("failed to record review reason: %w", err)
	}

	m.logger.Warn(fmt.Sprintf("Intent %s requires manual review: %s", intent.ChargeID, reason), "monitor")
	if m.publisher != nil {
		m.publisher.PublishSettlementEvent(SettlementEvent{
			Type:      EventPaymentReview,
			ChargeID:  intent.ChargeID,
			Recipient: intent.Recipient,
			Reason:    reason,
			Timestamp: m.nowFn().Unix(),
		})
	}
	return nil
}
