package hub

import (
	"encoding/json"
	"sync"

	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/pkg/log"
)

// Hub owns every live connection and the participant -> connection mapping.
// A participant has at most one bound connection at a time: binding a new
// connection for the same participant closes the old one (last-writer-wins),
// so a reconnecting client never leaves an orphaned duplicate session.
type Hub struct {
	connections  map[string]*Client // connection id -> client
	participants map[string]*Client // participant id -> bound client
	register     chan *Client
	unregister   chan *Client
	mu           sync.RWMutex
	config       config.WebSocketConfig
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		connections:  make(map[string]*Client),
		participants: make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		config:       cfg,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.connections[client.ID] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str("connection_id", client.ID).Msg("connection registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[client.ID]; ok {
				delete(h.connections, client.ID)
				// Only drop the participant mapping if it still points at
				// this connection; a replacement may already be bound.
				pid := client.ParticipantID()
				if pid != "" && h.participants[pid] == client {
					delete(h.participants, pid)
				}
				close(client.Send)
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str("connection_id", client.ID).Msg("connection unregistered")
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Bind associates a connection with an authenticated participant. Any
// previous connection bound to the same participant is closed.
func (h *Hub) Bind(client *Client, participantID string) {
	h.mu.Lock()
	old := h.participants[participantID]
	h.participants[participantID] = client
	h.mu.Unlock()

	if old != nil && old != client {
		l := log.L()
		l.Info().Str(log.FieldParticipantID, participantID).Msg("replacing duplicate connection")
		old.CloseConn()
	}

	l := log.L()
	l.Info().
		Str(log.FieldParticipantID, participantID).
		Str("connection_id", client.ID).
		Msg("participant bound")
}

// Deliver marshals the message and sends it to the participant's bound
// connection. Returns false when the participant has no live connection or
// the connection's send buffer is full; the caller treats that as
// "deliver later via archive", not as an error.
func (h *Hub) Deliver(participantID string, message interface{}) bool {
	h.mu.RLock()
	client, ok := h.participants[participantID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldParticipantID, participantID).Msg("failed to marshal outbound message")
		return false
	}

	select {
	case client.Send <- data:
		return true
	default:
		// Slow consumer; drop the connection, archive keeps the messages.
		go func() { h.unregister <- client }()
		return false
	}
}

// IsOnline reports whether the participant has a bound live connection.
func (h *Hub) IsOnline(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.participants[participantID]
	return ok
}

// Lookup returns the client bound to the participant, if any.
func (h *Hub) Lookup(participantID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.participants[participantID]
	return client, ok
}
