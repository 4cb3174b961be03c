package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startHubServer(t *testing.T) (*Hub, *websocket.Conn, context.CancelFunc) {
	t.Helper()

	logger := quietLogger()
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, hub, "tester", logger)
		hub.RegisterClient(client)
		client.Start()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return hub, conn, cancel
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %q: %v", data, err)
	}
	return msg
}

func TestHubDeliversSettlementEvents(t *testing.T) {
	hub, conn, cancel := startHubServer(t)
	defer cancel()

	if msg := readMessage(t, conn); msg.Type != MessageTypeConnected {
		t.Fatalf("first message = %s, want connected", msg.Type)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.PublishSettlementEvent(payment.SettlementEvent{
		Type:      payment.EventPaymentSettled,
		ChargeID:  "ch_1",
		Amount:    "100.00",
		Currency:  "USDT (ERC-20)",
		Timestamp: 1700000000,
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypePaymentSettled {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypePaymentSettled)
	}
	if msg.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d, want event timestamp", msg.Timestamp)
	}
	var payload SettlementPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if payload.ChargeID != "ch_1" || payload.Amount != "100.00" || payload.Currency != "USDT (ERC-20)" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestClientPingPong(t *testing.T) {
	_, conn, cancel := startHubServer(t)
	defer cancel()
	readMessage(t, conn)

	ping, _ := NewMessage(MessageTypePing, nil)
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Fatalf("reply = %s, want pong", msg.Type)
	}

	other, _ := NewMessage("payment.settle", map[string]string{"charge_id": "ch_1"})
	if err := conn.WriteJSON(other); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("reply = %s, want error", msg.Type)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	_, conn, cancel := startHubServer(t)
	readMessage(t, conn)

	cancel()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after hub shutdown")
	}
}

func TestPublishDoesNotBlockWithoutRun(t *testing.T) {
	hub := NewHub(quietLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 400; i++ {
			hub.PublishSettlementEvent(payment.SettlementEvent{Type: payment.EventPaymentFailed, ChargeID: "ch"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("PublishSettlementEvent blocked on a full queue")
	}
}
