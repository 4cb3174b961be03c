package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

type resolveRequest struct {
	Action        string `json:"action"` // "settle" or "fail"
	TransactionID string `json:"transaction_id"`
	Confirmations int64  `json:"confirmations"`
	Reason        string `json:"reason"`
}

// handleListCharges lists intents, optionally filtered by status
func (s *APIServer) handleListCharges(w http.ResponseWriter, r *http.Request) {
	status := types.IntentStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", types.IntentStatusPending, types.IntentStatusSucceeded, types.IntentStatusFailed:
	default:
		s.sendError(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	intents, err := s.deps.Payments.ListIntents(r.Context(), status, limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"charges": intents,
		"count":   len(intents),
	})
}

// handleGetCharge returns the full intent including audit fields
func (s *APIServer) handleGetCharge(w http.ResponseWriter, r *http.Request) {
	intent, err := s.deps.Payments.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

// handleCheckCharge reconciles one intent immediately
func (s *APIServer) handleCheckCharge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		s.sendError(w, "payment monitor is disabled", http.StatusServiceUnavailable)
		return
	}

	result, err := s.deps.Monitor.CheckIntent(r.Context(), r.PathValue("id"))
	if err != nil && result.ChargeID == "" {
		// the intent could not be checked at all; chain errors are reported in the result
		s.sendFailure(w, err)
		return
	}

	body := map[string]interface{}{
		"success": result.Err == nil,
		"result":  result,
	}
	if result.Err != nil {
		body["error"] = result.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleResolveCharge settles or fails an intent by operator decision
func (s *APIServer) handleResolveCharge(w http.ResponseWriter, r *http.Request) {
	chargeID := r.PathValue("id")

	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	operator := ""
	if claims, err := middleware.GetClaims(r); err == nil {
		operator = claims.Subject
	}

	var (
		result payment.SettleResult
		err    error
	)
	switch req.Action {
	case "settle":
		if req.TransactionID == "" {
			s.sendError(w, "transaction_id is required to settle", http.StatusBadRequest)
			return
		}
		result, err = s.deps.Settler.Settle(r.Context(), chargeID, payment.Settlement{
			TxID:          req.TransactionID,
			Confirmations: req.Confirmations,
			Source:        types.SourceManual,
		})

	case "fail":
		if req.Reason == "" {
			req.Reason = "failed by operator"
		}
		result, err = s.deps.Settler.Fail(r.Context(), chargeID, req.Reason, types.SourceManual)

	default:
		s.sendError(w, `action must be "settle" or "fail"`, http.StatusBadRequest)
		return
	}

	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.logger.Info(fmt.Sprintf("Operator %s resolved %s with %s (transitioned=%t, status=%s)",
		operator, chargeID, req.Action, result.Transitioned, result.Status), "api")

	body := map[string]interface{}{
		"success":      true,
		"transitioned": result.Transitioned,
		"status":       result.Status,
	}
	if result.NotifyErr != nil {
		body["notify_error"] = result.NotifyErr.Error()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleRunMonitor runs one reconciliation pass now
func (s *APIServer) handleRunMonitor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		s.sendError(w, "payment monitor is disabled", http.StatusServiceUnavailable)
		return
	}

	summary, err := s.deps.Monitor.RunOnce(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": summary,
	})
}
