package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

// PaymentWebhook is the provider callback body
type PaymentWebhook struct {
	EventID       string `json:"event_id"`
	ChargeID      string `json:"charge_id"`
	Status        string `json:"status"` // "succeeded" or "failed"
	TransactionID string `json:"transaction_id"`
	Confirmations int64  `json:"confirmations"`
	Reason        string `json:"reason,omitempty"`
}

// handlePaymentWebhook applies a signed provider event through the settler. Each event id
// is processed once; redeliveries get 200 with duplicate=true.
func (s *APIServer) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		s.sendError(w, "webhooks are not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := payment.VerifySignature(s.webhookSecret, body, r.Header.Get("X-Signature")); err != nil {
		s.logger.Warn(fmt.Sprintf("Rejected webhook from %s: %v", r.RemoteAddr, err), "webhook")
		s.sendFailure(w, err)
		return
	}

	var event PaymentWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		s.sendError(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}
	if event.EventID == "" || event.ChargeID == "" {
		s.sendError(w, "event_id and charge_id are required", http.StatusBadRequest)
		return
	}
	status := types.IntentStatus(event.Status)
	if status != types.IntentStatusSucceeded && status != types.IntentStatusFailed {
		s.sendError(w, fmt.Sprintf("unsupported status %q", event.Status), http.StatusBadRequest)
		return
	}
	if status == types.IntentStatusSucceeded && event.TransactionID == "" {
		s.sendError(w, "transaction_id is required for succeeded events", http.StatusBadRequest)
		return
	}

	seen, err := s.deps.Webhooks.WebhookEventRecorded(r.Context(), event.EventID)
	if err != nil {
		s.sendFailure(w, fmt.Errorf("failed to look up webhook event: %w", err))
		return
	}
	if seen {
		s.writeDuplicate(w, event)
		return
	}

	var result payment.SettleResult
	if status == types.IntentStatusSucceeded {
		result, err = s.deps.Settler.Settle(r.Context(), event.ChargeID, payment.Settlement{
			TxID:          event.TransactionID,
			Confirmations: event.Confirmations,
			Source:        types.SourceWebhook,
		})
	} else {
		reason := event.Reason
		if reason == "" {
			reason = "reported failed by payment provider"
		}
		result, err = s.deps.Settler.Fail(r.Context(), event.ChargeID, reason, types.SourceWebhook)
	}

	if err != nil {
		if !errors.Is(err, payment.ErrIntentNotFound) {
			s.logger.Warn(fmt.Sprintf("Webhook event %s for %s failed: %v", event.EventID, event.ChargeID, err), "webhook")
		}
		s.sendFailure(w, err)
		return
	}

	// Recorded only once the transition is durable. A delivery lost before this point
	// is retried by the provider and lands on the guarded transition again.
	fresh, err := s.deps.Webhooks.RecordWebhookEvent(r.Context(), event.EventID, event.ChargeID, event.Status, body)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to record webhook event %s: %v", event.EventID, err), "webhook")
	} else if !fresh && !result.Transitioned {
		s.writeDuplicate(w, event)
		return
	}

	s.logger.Info(fmt.Sprintf("Webhook event %s applied to %s (transitioned=%t, status=%s)",
		event.EventID, event.ChargeID, result.Transitioned, result.Status), "webhook")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"duplicate":    false,
		"transitioned": result.Transitioned,
		"status":       result.Status,
	})
}

func (s *APIServer) writeDuplicate(w http.ResponseWriter, event PaymentWebhook) {
	s.logger.Debug(fmt.Sprintf("Duplicate webhook event %s for %s", event.EventID, event.ChargeID), "webhook")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"duplicate": true,
	})
}
