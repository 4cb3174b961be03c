package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control messages
	maxMessageSize = 4 * 1024
)

// Client represents a single WebSocket subscriber
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	// Buffered channel of marshaled outbound messages
	send chan []byte

	// Guards send against writes after the hub closed it
	mu     sync.Mutex
	closed bool

	// Subject of the authenticated token
	subject string

	logger *logrus.Logger
}

// NewClient creates a new Client instance
func NewClient(conn *websocket.Conn, hub *Hub, subject string, logger *logrus.Logger) *Client {
	return &Client{
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		subject: subject,
		logger:  logger,
	}
}

// readPump handles control messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("subject", c.subject).Warn("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.WithError(err).WithField("subject", c.subject).Debug("Failed to parse incoming message")
			continue
		}

		c.handleIncomingMessage(&msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case messageBytes, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("subject", c.subject).Error("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleIncomingMessage(msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		pongMsg, err := NewMessage(MessageTypePong, nil)
		if err != nil {
			c.logger.WithError(err).Error("Failed to create pong message")
			return
		}
		c.Send(pongMsg)

	default:
		errMsg, err := NewMessage(MessageTypeError, ErrorPayload{
			Code:    "UNSUPPORTED_MESSAGE",
			Message: "the event stream is read-only",
		})
		if err == nil {
			c.Send(errMsg)
		}
	}
}

// Start begins the read and write pumps for this client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a message for this client, dropping it when the buffer is full
func (c *Client) Send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.WithField("subject", c.subject).Warn("Client send channel is full, message dropped")
	}
}

// deliver is the hub's non-blocking send; false means the buffer is full
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
