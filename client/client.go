package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/pkg/log"
)

// ErrClosed is returned from operations on a closed client.
var ErrClosed = errors.New("client: closed")

// Config describes how to reach the gateway and who is connecting. Exactly
// one of UserID or TherapistID must be set.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// HistoryURL is the HTTP base for archived history, e.g.
	// http://localhost:8080. Empty disables LoadHistory and ListRooms.
	HistoryURL string

	UserID        string
	AuthToken     string
	TherapistID   string
	WalletAddress string

	// ReconnectBaseDelay and ReconnectMaxDelay bound the backoff between
	// reconnect attempts. Zero values get sane defaults.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// OutboundBuffer caps how many frames are held while disconnected.
	// When full the oldest frame is dropped. Defaults to 64.
	OutboundBuffer int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 64
	}
	return cfg
}

// Event is one decoded frame from the gateway. Type selects which payload
// field is set.
type Event struct {
	Type                string
	ConnectionAck       *domain.ConnectionAckMessage
	AppointmentRequest  *domain.AppointmentRequestMessage
	AppointmentFixed    *domain.AppointmentFixedMessage
	AppointmentRejected *domain.AppointmentRejectedMessage
	Chat                *domain.ChatMessageOut
	MessageSent         *domain.MessageSentMessage
	RoomClosed          *domain.CloseRoomMessage
	Err                 *domain.ErrorMessage
}

// Client is a session participant's connection to the gateway. It owns the
// websocket, resends the identity handshake after every reconnect, and
// buffers outbound frames while the link is down so a short outage does
// not lose a send.
type Client struct {
	cfg    Config
	httpc  *http.Client
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	pending [][]byte // oldest first
	closed  bool
	cancel  context.CancelFunc
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		httpc:  &http.Client{Timeout: 15 * time.Second},
		events: make(chan Event, 64),
	}
}

// Events returns the stream of decoded gateway frames. The channel is
// closed when the client is.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the gateway and starts the connection manager. It returns
// after the first dial attempt resolves; later disconnects are handled by
// automatic reconnection.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		return err
	}
	c.attach(conn)

	go c.run(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	return conn, nil
}

// attach installs a fresh connection, resends the identity handshake and
// flushes the frames queued while disconnected. The mutex is held across
// the writes: the websocket allows a single writer, and a concurrent send
// must not jump ahead of the handshake or the queued frames.
func (c *Client) attach(conn *websocket.Conn) {
	handshake, _ := json.Marshal(&domain.ConnectionMessage{
		Type:          domain.MsgTypeConnection,
		UserID:        c.cfg.UserID,
		AuthToken:     c.cfg.AuthToken,
		TherapistID:   c.cfg.TherapistID,
		WalletAddress: c.cfg.WalletAddress,
		Time:          time.Now().UnixMilli(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		return
	}
	for len(c.pending) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, c.pending[0]); err != nil {
			// Keep the unflushed frames; the read loop will notice the
			// broken connection and the next attach retries them.
			return
		}
		c.pending = c.pending[1:]
	}
}

// run reads frames until the connection drops, then reconnects with capped
// exponential backoff until Close or ctx cancellation.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.events)

	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		delay := c.cfg.ReconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := c.dial(ctx)
			if err == nil {
				conn = next
				c.attach(conn)
				break
			}

			l := log.L()
			l.Warn().Err(err).Dur("retry_in", delay).Msg("gateway reconnect failed")
			delay *= 2
			if delay > c.cfg.ReconnectMaxDelay {
				delay = c.cfg.ReconnectMaxDelay
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		evt, err := decodeEvent(data)
		if err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		select {
		case c.events <- evt:
		default:
			// Consumer is not draining; drop rather than stall the socket.
		}
	}
}

func decodeEvent(data []byte) (Event, error) {
	var base domain.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return Event{}, err
	}

	evt := Event{Type: base.Type}
	var err error
	switch base.Type {
	case domain.MsgTypeConnectionAck:
		evt.ConnectionAck = &domain.ConnectionAckMessage{}
		err = json.Unmarshal(data, evt.ConnectionAck)
	case domain.MsgTypeAppointmentRequest:
		evt.AppointmentRequest = &domain.AppointmentRequestMessage{}
		err = json.Unmarshal(data, evt.AppointmentRequest)
	case domain.MsgTypeAppointmentFixed:
		evt.AppointmentFixed = &domain.AppointmentFixedMessage{}
		err = json.Unmarshal(data, evt.AppointmentFixed)
	case domain.MsgTypeAppointmentRejected:
		evt.AppointmentRejected = &domain.AppointmentRejectedMessage{}
		err = json.Unmarshal(data, evt.AppointmentRejected)
	case domain.MsgTypeChat:
		evt.Chat = &domain.ChatMessageOut{}
		err = json.Unmarshal(data, evt.Chat)
	case domain.MsgTypeMessageSent:
		evt.MessageSent = &domain.MessageSentMessage{}
		err = json.Unmarshal(data, evt.MessageSent)
	case domain.MsgTypeCloseRoom:
		evt.RoomClosed = &domain.CloseRoomMessage{}
		err = json.Unmarshal(data, evt.RoomClosed)
	case domain.MsgTypeError:
		evt.Err = &domain.ErrorMessage{}
		err = json.Unmarshal(data, evt.Err)
	default:
		return Event{}, fmt.Errorf("unknown event type %q", base.Type)
	}
	if err != nil {
		return Event{}, err
	}
	return evt, nil
}

// send writes the frame now if connected, otherwise queues it for the next
// reconnect. The queue is FIFO and bounded; overflow drops the oldest.
func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if c.conn != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err == nil {
			return nil
		}
		// Write failed; the read loop will notice and reconnect. Queue the
		// frame so it goes out with the flush.
	}

	if len(c.pending) >= c.cfg.OutboundBuffer {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, data)
	return nil
}

// RequestSession asks the given therapist for an appointment. Callable by
// user clients only.
func (c *Client) RequestSession(therapistID string) error {
	return c.send(&domain.AppointmentRequestMessage{
		Type:        domain.MsgTypeAppointmentRequest,
		UserID:      c.cfg.UserID,
		TherapistID: therapistID,
		Time:        time.Now().UnixMilli(),
	})
}

// RespondToRequest resolves a pending appointment request from userID.
// Callable by therapist clients only.
func (c *Client) RespondToRequest(userID string, accept bool) error {
	if accept {
		return c.send(&domain.AppointmentFixedMessage{
			Type:        domain.MsgTypeAppointmentFixed,
			UserID:      userID,
			TherapistID: c.cfg.TherapistID,
			RoomID:      domain.RoomID(userID, c.cfg.TherapistID),
			Time:        time.Now().UnixMilli(),
		})
	}
	return c.send(&domain.AppointmentRejectedMessage{
		Type:        domain.MsgTypeAppointmentRejected,
		UserID:      userID,
		TherapistID: c.cfg.TherapistID,
		Time:        time.Now().UnixMilli(),
	})
}

// SendMessage sends a chat message into the room.
func (c *Client) SendMessage(roomID, text string) error {
	sender := c.cfg.UserID
	if sender == "" {
		sender = c.cfg.TherapistID
	}
	return c.send(&domain.ChatMessageIn{
		Type:     domain.MsgTypeChat,
		RoomID:   roomID,
		SenderID: sender,
		Message:  text,
		Time:     time.Now().UnixMilli(),
	})
}

// CloseRoom ends the session in the room.
func (c *Client) CloseRoom(roomID string) error {
	return c.send(&domain.CloseRoomMessage{
		Type:   domain.MsgTypeCloseRoom,
		RoomID: roomID,
		Time:   time.Now().UnixMilli(),
	})
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancel == nil {
		// The connection manager never started, so nothing else will close
		// the event stream.
		close(c.events)
	}
	return nil
}
