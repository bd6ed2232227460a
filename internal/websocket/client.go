package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"consult-chat/internal/config"
	"consult-chat/internal/models"
	"consult-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

const TransportWebSocket = "websocket"

// Client is a peer connected over a websocket.
type Client struct {
	id       string
	identity *models.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	cfg      config.SocketConfig

	mu     sync.Mutex
	closed bool
}

func NewClient(id string, identity *models.Identity, hub *Hub, conn *websocket.Conn, cfg config.SocketConfig) *Client {
	return &Client{
		id:       id,
		identity: identity,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		cfg:      cfg,
	}
}

func (c *Client) ID() string                 { return c.id }
func (c *Client) Identity() *models.Identity { return c.identity }
func (c *Client) Transport() string          { return TransportWebSocket }

func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump decodes inbound envelopes in arrival order and hands each to
// dispatcher. It returns when the connection fails.
func (c *Client) ReadPump(ctx context.Context, dispatcher Dispatcher) {
	defer func() {
		dispatcher.Disconnected(ctx, c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Debug("Ignoring malformed frame from %s: %v", c.id, err)
			continue
		}
		dispatcher.Dispatch(ctx, c, env)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
