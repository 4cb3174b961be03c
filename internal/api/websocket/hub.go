package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// Hub maintains the set of active clients and broadcasts settlement events to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	logger *logrus.Logger
}

var _ payment.EventPublisher = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop; it disconnects every client when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("subject", client.subject).Info("WebSocket client connected")
			h.logger.WithField("count", count).Debug("Active WebSocket clients")

			connectedMsg, err := NewMessage(MessageTypeConnected, ConnectedPayload{
				Message: "Subscribed to settlement events",
				Subject: client.subject,
			})
			if err == nil {
				client.Send(connectedMsg)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.WithField("subject", client.subject).Info("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			messageBytes, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal broadcast message")
				continue
			}

			h.mu.Lock()
			h.logger.WithFields(logrus.Fields{
				"type":         message.Type,
				"client_count": len(h.clients),
			}).Debug("Broadcasting message to clients")

			for client := range h.clients {
				if !client.deliver(messageBytes) {
					h.logger.WithField("subject", client.subject).Warn("Client send buffer full, closing connection")
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for all connected clients. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("type", message.Type).Warn("Broadcast queue full, message dropped")
	}
}

// PublishSettlementEvent forwards a settlement event to subscribers
func (h *Hub) PublishSettlementEvent(event payment.SettlementEvent) {
	message, err := settlementMessage(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to build settlement message")
		return
	}
	h.Broadcast(message)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient sends a client to the register channel
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// UnregisterClient sends a client to the unregister channel
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
