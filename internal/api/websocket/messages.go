package websocket

import (
	"encoding/json"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Settlement event message types
	MessageTypePaymentSettled MessageType = payment.EventPaymentSettled
	MessageTypePaymentFailed  MessageType = payment.EventPaymentFailed
	MessageTypePaymentReview  MessageType = payment.EventPaymentReview

	// Control message types
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
	MessageTypeConnected MessageType = "connected"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().Unix(),
	}, nil
}

// ConnectedPayload confirms the subscription
type ConnectedPayload struct {
	Message string `json:"message"`
	Subject string `json:"subject"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SettlementPayload is the body of payment.* messages
type SettlementPayload struct {
	ChargeID  string `json:"charge_id"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func settlementMessage(event payment.SettlementEvent) (*Message, error) {
	msg, err := NewMessage(MessageType(event.Type), SettlementPayload{
		ChargeID:  event.ChargeID,
		Recipient: event.Recipient,
		Amount:    event.Amount,
		Currency:  event.Currency,
		Reason:    event.Reason,
	})
	if err != nil {
		return nil, err
	}
	if event.Timestamp != 0 {
		msg.Timestamp = event.Timestamp
	}
	return msg, nil
}
