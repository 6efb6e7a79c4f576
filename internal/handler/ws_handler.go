package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/internal/hub"
	"github.com/brainDensed/theramine-session/internal/service"
	"github.com/brainDensed/theramine-session/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler accepts websocket connections and dispatches inbound frames to
// the session service.
type WSHandler struct {
	hub     *hub.Hub
	service service.SessionService
}

func NewWSHandler(h *hub.Hub, svc service.SessionService) *WSHandler {
	return &WSHandler{hub: h, service: svc}
}

// HandleWebSocket upgrades the request and starts the read/write pumps.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.dispatch)
}

// dispatch decodes the type tag and routes to the matching operation. A
// malformed or unknown frame gets an error reply; it never tears down the
// connection.
func (h *WSHandler) dispatch(client *hub.Client, data []byte) {
	ctx := log.WithLogger(context.Background(), log.L().With().
		Str("connection_id", client.ID).Logger())

	var base domain.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage("malformed message"))
		return
	}

	switch base.Type {
	case domain.MsgTypeConnection:
		var msg domain.ConnectionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed connection message"))
			return
		}
		h.service.HandleConnection(ctx, client, &msg)

	case domain.MsgTypeAppointmentRequest:
		var msg domain.AppointmentRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed appointment request"))
			return
		}
		h.service.HandleAppointmentRequest(ctx, client, &msg)

	case domain.MsgTypeAppointmentFixed:
		var msg domain.AppointmentFixedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed appointment resolution"))
			return
		}
		h.service.HandleAppointmentFixed(ctx, client, &msg)

	case domain.MsgTypeAppointmentRejected:
		var msg domain.AppointmentRejectedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed appointment resolution"))
			return
		}
		h.service.HandleAppointmentRejected(ctx, client, &msg)

	case domain.MsgTypeChat:
		var msg domain.ChatMessageIn
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed chat message"))
			return
		}
		h.service.HandleChatMessage(ctx, client, &msg)

	case domain.MsgTypeCloseRoom:
		var msg domain.CloseRoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage("malformed close message"))
			return
		}
		h.service.HandleCloseRoom(ctx, client, &msg)

	default:
		l := log.L()
		l.Warn().Str("type", base.Type).Str("connection_id", client.ID).Msg("unknown message type")
		client.SendMessage(domain.NewErrorMessage("unknown message type: " + base.Type))
	}
}
