package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to encode response: %v", err), "api")
	}
}

// sendError sends a JSON error response
func (s *APIServer) sendError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// statusFor maps settlement errors to HTTP status codes
func statusFor(err error) int {
	var cfgErr *payment.ConfigurationError
	switch {
	case errors.Is(err, payment.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrUnsupportedCurrency), errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrTransactionClaimed), errors.Is(err, payment.ErrIntentNotCrypto),
		errors.Is(err, payment.ErrTickInProgress):
		return http.StatusConflict
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, payment.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) sendFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("Request failed: %v", err), "api")
		s.sendError(w, "internal error", status)
		return
	}
	s.sendError(w, err.Error(), status)
}
