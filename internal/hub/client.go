package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/pkg/log"
)

// Client is one live websocket connection. The participant identity is
// empty until the connection message has been verified and the client is
// bound in the hub.
type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	config config.WebSocketConfig

	mu          sync.RWMutex
	participant domain.Participant
	bound       bool
}

// NewClient wraps a connection for the hub. Pump deadlines and limits come
// from the hub's websocket config.
func NewClient(id string, h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:     id,
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		config: h.config,
	}
}

// SetParticipant records the verified identity for this connection.
func (c *Client) SetParticipant(p domain.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participant = p
	c.bound = true
}

// Participant returns the bound identity and whether one is set.
func (c *Client) Participant() (domain.Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participant, c.bound
}

// ParticipantID returns the bound participant id, or "" before binding.
func (c *Client) ParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.bound {
		return ""
	}
	return c.participant.ID
}

// ReadPump reads inbound frames and hands them to the dispatch handler.
// On any read error the connection is unregistered and closed; room state
// survives the disconnect.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str("connection_id", c.ID).Msg("websocket read error")
			}
			break
		}

		handler(c, message)
	}
}

// WritePump drains the Send channel into the socket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage marshals and queues a message for this connection. A full
// send buffer drops the frame; durable delivery is the archive's job.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
	default:
	}
	return nil
}

// CloseConn force-closes the underlying socket. The read pump notices and
// unregisters the connection.
func (c *Client) CloseConn() {
	c.Conn.Close()
}
