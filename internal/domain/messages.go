package domain

import "time"

// WebSocket message types from client.
const (
	MsgTypeConnection          = "connection"
	MsgTypeAppointmentRequest  = "appointment_request"
	MsgTypeAppointmentFixed    = "appointment_fixed"
	MsgTypeAppointmentRejected = "appointment_rejected"
	MsgTypeChat                = "chat"
	MsgTypeCloseRoom           = "close_room"
)

// WebSocket message types to client.
const (
	MsgTypeConnectionAck = "connection_ack"
	MsgTypeMessageSent   = "message_sent"
	MsgTypeError         = "error"
)

// Delivery status values carried by message_sent.
const (
	DeliveryDelivered    = "delivered"
	DeliveryArchivedOnly = "archived_only"
)

// BaseMessage is decoded first to select the concrete payload type.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Gateway messages

// ConnectionMessage binds a transport connection to a participant.
// Users send userId plus the phone-auth token; therapists identify by
// wallet address alone.
type ConnectionMessage struct {
	Type          string `json:"type"`
	UserID        string `json:"userId,omitempty"`
	TherapistID   string `json:"therapistId,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Time          int64  `json:"time"`
}

type AppointmentRequestMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	TherapistID string `json:"therapistId"`
	Time        int64  `json:"time"`
}

type AppointmentFixedMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	TherapistID string `json:"therapistId"`
	RoomID      string `json:"roomId"`
	Time        int64  `json:"time"`
}

type AppointmentRejectedMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	TherapistID string `json:"therapistId"`
	Time        int64  `json:"time"`
}

type ChatMessageIn struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	Time     int64  `json:"time"`
}

type CloseRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Time   int64  `json:"time"`
}

// Gateway -> Client messages

// ConnectionAckMessage acknowledges registration, relaying the identity
// registry's decision for the participant's DID.
type ConnectionAckMessage struct {
	Type   string `json:"type"`
	DID    string `json:"did"`
	Status string `json:"status"`
}

// DID registration statuses relayed from the identity registry.
const (
	DIDStatusRegistered        = "DID registered"
	DIDStatusAlreadyRegistered = "DID already registered"
)

type ChatMessageOut struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"roomId"`
	Sender     string    `json:"sender"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	SequenceNo uint64    `json:"sequenceNo"`
}

type MessageSentMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorMessage builds an error reply with the given reason.
func NewErrorMessage(reason string) *ErrorMessage {
	return &ErrorMessage{Type: MsgTypeError, Error: reason}
}
