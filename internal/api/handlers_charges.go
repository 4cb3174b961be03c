package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

const maxRequestBody = 64 * 1024

type createChargeRequest struct {
	PaymentMethod string            `json:"payment_method"`
	AmountMinor   int64             `json:"amount_minor"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description"`
	Recipient     string            `json:"recipient"`
	Metadata      map[string]string `json:"metadata"`
}

// ChargeStatus is the payer facing view of an intent
type ChargeStatus struct {
	ChargeID         string `json:"charge_id"`
	Status           string `json:"status"`
	PaymentMethod    string `json:"payment_method"`
	AmountMinor      int64  `json:"amount_minor"`
	FiatCurrency     string `json:"fiat_currency"`
	Currency         string `json:"currency,omitempty"`
	CryptoAmount     string `json:"crypto_amount,omitempty"`
	ReceivingAddress string `json:"receiving_address,omitempty"`
	PaymentURI       string `json:"payment_uri,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	Confirmations    int64  `json:"confirmations"`
	ExpiresAt        int64  `json:"expires_at"`
}

func publicView(intent *database.PaymentIntent) ChargeStatus {
	return ChargeStatus{
		ChargeID:         intent.ChargeID,
		Status:           payment.PublicStatus(intent.Status),
		PaymentMethod:    string(intent.PaymentMethod),
		AmountMinor:      intent.AmountMinor,
		FiatCurrency:     intent.FiatCurrency,
		Currency:         string(intent.Currency),
		CryptoAmount:     intent.CryptoAmount,
		ReceivingAddress: intent.ReceivingAddress,
		PaymentURI:       intent.PaymentURI,
		TransactionID:    intent.TransactionID,
		Confirmations:    intent.Confirmations,
		ExpiresAt:        intent.ExpiresAt.Unix(),
	}
}

// handleCreateCharge creates a crypto charge or registers a card intent
func (s *APIServer) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	var req createChargeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to decode create charge request: %v", err), "api")
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		intent *database.PaymentIntent
		err    error
	)
	switch types.PaymentMethod(req.PaymentMethod) {
	case types.PaymentMethodCard:
		intent, err = s.deps.Payments.RegisterCardIntent(r.Context(), payment.CardIntentRequest{
			AmountMinor: req.AmountMinor,
			Description: req.Description,
			Recipient:   req.Recipient,
			Metadata:    req.Metadata,
		})

	case "", types.PaymentMethodCrypto:
		currency, ok := types.ParseCurrency(req.Currency)
		if !ok {
			s.sendError(w, fmt.Sprintf("%v: %q", payment.ErrUnsupportedCurrency, req.Currency), http.StatusBadRequest)
			return
		}
		intent, err = s.deps.Payments.CreateCharge(r.Context(), payment.ChargeRequest{
			AmountMinor: req.AmountMinor,
			Currency:    currency,
			Description: req.Description,
			Recipient:   req.Recipient,
			Metadata:    req.Metadata,
		})

	default:
		s.sendError(w, fmt.Sprintf("unknown payment_method %q", req.PaymentMethod), http.StatusBadRequest)
		return
	}

	if err != nil {
		s.sendFailure(w, err)
		return
	}

	subject := ""
	if claims, err := middleware.GetClaims(r); err == nil {
		subject = claims.Subject
	}
	s.logger.Info(fmt.Sprintf("Charge %s created by %s", intent.ChargeID, subject), "api")

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"charge":  intent,
	})
}

// handleChargeStatus is the unauthenticated status lookup shown to payers
func (s *APIServer) handleChargeStatus(w http.ResponseWriter, r *http.Request) {
	intent, err := s.deps.Payments.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, publicView(intent))
}
