package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/workers"
)

const (
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
	EventPaymentReview  = "payment.review"
)

// Notifier is told exactly once about each intent that transitions to succeeded
type Notifier interface {
	Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error
}

// SettlementEvent is broadcast to event stream subscribers
type SettlementEvent struct {
	Type      string `json:"type"`
	ChargeID  string `json:"charge_id"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventPublisher fans settlement events out to connected clients
type EventPublisher interface {
	PublishSettlementEvent(event SettlementEvent)
}

// LogNotifier records notifications in the log; used when no notifier endpoint is configured
type LogNotifier struct {
	logger Logger
}

func NewLogNotifier(logger Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	n.logger.Info(fmt.Sprintf("Payment %s of %s %s settled for %s", intentID, amount, currencyLabel, recipient), "notifier")
	return nil
}

type notificationPayload struct {
	Event     string `json:"event"`
	Recipient string `json:"recipient"`
	IntentID  string `json:"intent_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	SentAt    int64  `json:"sent_at"`
}

// HTTPNotifier POSTs a JSON notification to the configured endpoint. When a secret is
// set the body is signed with HMAC-SHA512 in the X-Signature header.
type HTTPNotifier struct {
	url    string
	secret string
	client *jsonHTTPClient
	nowFn  func() time.Time
}

func NewHTTPNotifier(cm *utils.ConfigManager, logger Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    cm.GetConfigWithDefault("notifier_url", ""),
		secret: cm.GetConfigOrEnv("notifier_secret", "SETTLEMENT_NOTIFIER_SECRET"),
		client: newJSONHTTPClient(
			"notifier",
			cm.GetConfigDuration("notifier_timeout", 10*time.Second),
			nil,
			cm.GetConfigInt("notifier_max_retries", 3, 0, 10),
			logger,
		),
		nowFn: time.Now,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	payload := notificationPayload{
		Event:     EventPaymentSettled,
		Recipient: recipient,
		IntentID:  intentID,
		Amount:    amount,
		Currency:  currencyLabel,
		SentAt:    n.nowFn().Unix(),
	}

	headers := map[string]string{}
	if n.secret != "" {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %v", err)
		}
		headers["X-Signature"] = SignPayload(n.secret, body)
	}

	return n.client.postJSON(ctx, n.url, payload, headers)
}

// SignPayload returns hex(HMAC-SHA512(secret, body))
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature produced by SignPayload in constant time
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// EventNotifier publishes settled payments on the event stream
type EventNotifier struct {
	publisher EventPublisher
	nowFn     func() time.Time
}

func NewEventNotifier(publisher EventPublisher) *EventNotifier {
	return &EventNotifier{publisher: publisher, nowFn: time.Now}
}

func (n *EventNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	n.publisher.PublishSettlementEvent(SettlementEvent{
		Type:      EventPaymentSettled,
		ChargeID:  intentID,
		Recipient: recipient,
		Amount:    amount,
		Currency:  currencyLabel,
		Timestamp: n.nowFn().Unix(),
	})
	return nil
}

// MultiNotifier calls every notifier and joins their errors
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, intentID, amount, currencyLabel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncNotifier delivers notifications on a worker pool so slow endpoints do not
// hold up reconciliation
type AsyncNotifier struct {
	next    Notifier
	pool    *workers.WorkerPool
	logger  Logger
	metrics *utils.SettlementMetrics
}

func NewAsyncNotifier(next Notifier, pool *workers.WorkerPool, logger Logger, metrics *utils.SettlementMetrics) *AsyncNotifier {
	return &AsyncNotifier{next: next, pool: pool, logger: logger, metrics: metrics}
}

// Notify returns an error only when the notification could not be queued
func (n *AsyncNotifier) Notify(ctx context.Context, recipient string, intentID string, amount string, currencyLabel string) error {
	return n.pool.Submit(func(ctx context.Context) {
		if err := n.next.Notify(ctx, recipient, intentID, amount, currencyLabel); err != nil {
			n.metrics.NotifierFailed()
			n.logger.Error((&NotifierError{ChargeID: intentID, Err: err}).Error(), "notifier")
		}
	})
}
