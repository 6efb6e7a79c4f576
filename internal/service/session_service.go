package service

import (
	"context"
	"sync"
	"time"

	"github.com/brainDensed/theramine-session/internal/archive"
	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/internal/hub"
	"github.com/brainDensed/theramine-session/internal/identity"
	"github.com/brainDensed/theramine-session/internal/registry"
	"github.com/brainDensed/theramine-session/pkg/log"
)

// SessionService coordinates the life of a therapy session: participant
// binding, appointment negotiation, room state, chat relay and archival.
type SessionService interface {
	HandleConnection(ctx context.Context, client *hub.Client, msg *domain.ConnectionMessage)
	HandleAppointmentRequest(ctx context.Context, client *hub.Client, msg *domain.AppointmentRequestMessage)
	HandleAppointmentFixed(ctx context.Context, client *hub.Client, msg *domain.AppointmentFixedMessage)
	HandleAppointmentRejected(ctx context.Context, client *hub.Client, msg *domain.AppointmentRejectedMessage)
	HandleChatMessage(ctx context.Context, client *hub.Client, msg *domain.ChatMessageIn)
	HandleCloseRoom(ctx context.Context, client *hub.Client, msg *domain.CloseRoomMessage)
	StartJanitor(ctx context.Context)
}

// pendingRequest is an unresolved appointment request. At most one exists
// per user/therapist pair; a newer request overwrites the older one.
type pendingRequest struct {
	UserID      string
	TherapistID string
	RequestedAt time.Time
}

type sessionService struct {
	hub      *hub.Hub
	identity identity.Registry
	verifier *identity.Verifier
	archive  *archive.Sync
	registry registry.Registry
	cfg      config.SessionConfig

	mu       sync.Mutex
	rooms    map[string]*domain.Room     // room id -> room
	requests map[string]*pendingRequest  // canonical room id -> request
}

// NewSessionService wires the service. registry may be nil in single
// instance deployments.
func NewSessionService(h *hub.Hub, ident identity.Registry, verifier *identity.Verifier,
	arc *archive.Sync, reg registry.Registry, cfg config.SessionConfig) SessionService {
	return &sessionService{
		hub:      h,
		identity: ident,
		verifier: verifier,
		archive:  arc,
		registry: reg,
		cfg:      cfg,
		rooms:    make(map[string]*domain.Room),
		requests: make(map[string]*pendingRequest),
	}
}

// HandleConnection authenticates the participant, binds the connection and
// acknowledges with the participant's DID. A therapist coming online also
// receives every appointment request held for them.
func (s *sessionService) HandleConnection(ctx context.Context, client *hub.Client, msg *domain.ConnectionMessage) {
	l := log.Ctx(ctx)

	var p domain.Participant
	switch {
	case msg.UserID != "":
		if err := s.verifier.Verify(msg.AuthToken, msg.UserID); err != nil {
			l.Warn().Err(err).Str(log.FieldParticipantID, msg.UserID).Msg("connection rejected")
			client.SendMessage(domain.NewErrorMessage("authentication failed"))
			return
		}
		p = domain.Participant{ID: msg.UserID, Role: domain.RoleUser}
	case msg.TherapistID != "" || msg.WalletAddress != "":
		id := msg.TherapistID
		if id == "" {
			id = msg.WalletAddress
		}
		p = domain.Participant{ID: id, Role: domain.RoleTherapist, WalletAddress: msg.WalletAddress}
	default:
		client.SendMessage(domain.NewErrorMessage("connection message names no participant"))
		return
	}

	did, created, err := s.identity.Resolve(ctx, p.ID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldParticipantID, p.ID).Msg("DID resolution failed")
		client.SendMessage(domain.NewErrorMessage("identity resolution failed"))
		return
	}
	p.DID = did

	client.SetParticipant(p)
	s.hub.Bind(client, p.ID)

	status := domain.DIDStatusAlreadyRegistered
	if created {
		status = domain.DIDStatusRegistered
	}
	client.SendMessage(&domain.ConnectionAckMessage{
		Type:   domain.MsgTypeConnectionAck,
		DID:    did,
		Status: status,
	})

	l.Info().
		Str(log.FieldParticipantID, p.ID).
		Str(log.FieldRole, string(p.Role)).
		Msg("participant connected")

	if p.Role == domain.RoleTherapist {
		s.deliverHeldRequests(p.ID)
	}
}

// deliverHeldRequests forwards every pending request addressed to the
// therapist who just came online.
func (s *sessionService) deliverHeldRequests(therapistID string) {
	s.mu.Lock()
	held := make([]*pendingRequest, 0)
	for _, req := range s.requests {
		if req.TherapistID == therapistID {
			held = append(held, req)
		}
	}
	s.mu.Unlock()

	for _, req := range held {
		s.hub.Deliver(therapistID, &domain.AppointmentRequestMessage{
			Type:        domain.MsgTypeAppointmentRequest,
			UserID:      req.UserID,
			TherapistID: req.TherapistID,
			Time:        req.RequestedAt.UnixMilli(),
		})
	}
}

// HandleAppointmentRequest records the request and forwards it to the
// therapist if they are online. A repeat request from the same pair
// replaces the earlier one rather than queueing alongside it.
func (s *sessionService) HandleAppointmentRequest(ctx context.Context, client *hub.Client, msg *domain.AppointmentRequestMessage) {
	l := log.Ctx(ctx)

	sender, bound := client.Participant()
	if !bound || sender.ID != msg.UserID {
		client.SendMessage(domain.NewErrorMessage("appointment request must come from the requesting user"))
		return
	}
	if msg.TherapistID == "" {
		client.SendMessage(domain.NewErrorMessage("appointment request names no therapist"))
		return
	}

	key := domain.RoomID(msg.UserID, msg.TherapistID)
	req := &pendingRequest{
		UserID:      msg.UserID,
		TherapistID: msg.TherapistID,
		RequestedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	_, replaced := s.requests[key]
	s.requests[key] = req
	s.mu.Unlock()

	l.Info().
		Str(log.FieldParticipantID, msg.UserID).
		Str("therapist_id", msg.TherapistID).
		Bool("replaced", replaced).
		Msg("appointment requested")

	s.hub.Deliver(msg.TherapistID, &domain.AppointmentRequestMessage{
		Type:        domain.MsgTypeAppointmentRequest,
		UserID:      msg.UserID,
		TherapistID: msg.TherapistID,
		Time:        req.RequestedAt.UnixMilli(),
	})
}

// HandleAppointmentFixed accepts a pending request: the room goes active
// and both sides learn the canonical room id. The id is derived here from
// the pair, never taken from the client. A resolution with no matching
// pending request is stale and ignored.
func (s *sessionService) HandleAppointmentFixed(ctx context.Context, client *hub.Client, msg *domain.AppointmentFixedMessage) {
	l := log.Ctx(ctx)

	sender, bound := client.Participant()
	if !bound || sender.ID != msg.TherapistID {
		client.SendMessage(domain.NewErrorMessage("appointment resolution must come from the therapist"))
		return
	}

	roomID := domain.RoomID(msg.UserID, msg.TherapistID)

	s.mu.Lock()
	if _, ok := s.requests[roomID]; !ok {
		s.mu.Unlock()
		l.Debug().Str(log.FieldRoomID, roomID).Msg("stale appointment acceptance ignored")
		return
	}
	delete(s.requests, roomID)

	room, ok := s.rooms[roomID]
	if !ok {
		room = domain.NewRoom(msg.UserID, msg.TherapistID)
		s.rooms[roomID] = room
	}
	s.mu.Unlock()

	if err := room.Activate(); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cannot activate room")
		client.SendMessage(domain.NewErrorMessage("room can no longer be activated"))
		return
	}

	if s.registry != nil {
		if err := s.registry.Register(ctx, roomID); err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("shard registration failed")
		}
	}

	fixed := &domain.AppointmentFixedMessage{
		Type:        domain.MsgTypeAppointmentFixed,
		UserID:      msg.UserID,
		TherapistID: msg.TherapistID,
		RoomID:      roomID,
		Time:        time.Now().UnixMilli(),
	}
	s.hub.Deliver(msg.UserID, fixed)
	s.hub.Deliver(msg.TherapistID, fixed)

	l.Info().Str(log.FieldRoomID, roomID).Msg("appointment fixed, room active")
}

// HandleAppointmentRejected discards the pending request and tells the
// user. Stale rejections are ignored.
func (s *sessionService) HandleAppointmentRejected(ctx context.Context, client *hub.Client, msg *domain.AppointmentRejectedMessage) {
	l := log.Ctx(ctx)

	sender, bound := client.Participant()
	if !bound || sender.ID != msg.TherapistID {
		client.SendMessage(domain.NewErrorMessage("appointment resolution must come from the therapist"))
		return
	}

	key := domain.RoomID(msg.UserID, msg.TherapistID)

	s.mu.Lock()
	_, ok := s.requests[key]
	if ok {
		delete(s.requests, key)
	}
	s.mu.Unlock()

	if !ok {
		l.Debug().Str(log.FieldRoomID, key).Msg("stale appointment rejection ignored")
		return
	}

	s.hub.Deliver(msg.UserID, &domain.AppointmentRejectedMessage{
		Type:        domain.MsgTypeAppointmentRejected,
		UserID:      msg.UserID,
		TherapistID: msg.TherapistID,
		Time:        time.Now().UnixMilli(),
	})

	l.Info().Str(log.FieldRoomID, key).Msg("appointment rejected")
}

// HandleChatMessage accepts a message into an active room: it gets the
// next sequence number, goes to the peer if they are live, and is archived
// unconditionally. The sender learns which of the two happened.
func (s *sessionService) HandleChatMessage(ctx context.Context, client *hub.Client, msg *domain.ChatMessageIn) {
	l := log.Ctx(ctx)

	sender, bound := client.Participant()
	if !bound {
		client.SendMessage(domain.NewErrorMessage("connection is not bound to a participant"))
		return
	}

	s.mu.Lock()
	room, ok := s.rooms[msg.RoomID]
	s.mu.Unlock()
	if !ok {
		client.SendMessage(domain.NewErrorMessage("unknown room"))
		return
	}
	if !room.HasParticipant(sender.ID) {
		client.SendMessage(domain.NewErrorMessage("sender is not a participant of the room"))
		return
	}

	seq, err := room.NextSequence()
	if err != nil {
		client.SendMessage(domain.NewErrorMessage("room is not active"))
		return
	}

	now := time.Now().UTC()
	out := &domain.ChatMessageOut{
		Type:       domain.MsgTypeChat,
		RoomID:     room.ID,
		Sender:     sender.ID,
		Message:    msg.Message,
		Timestamp:  now,
		SequenceNo: seq,
	}

	peer, err := domain.OtherParticipant(room.ID, sender.ID)
	delivered := false
	if err == nil {
		delivered = s.hub.Deliver(peer, out)
	}

	meta := s.roomMeta(room)
	if err := s.archive.Append(ctx, meta, domain.ArchivedMessage{
		Sender:     sender.ID,
		Message:    msg.Message,
		Timestamp:  now,
		SequenceNo: seq,
	}); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, room.ID).Uint64(log.FieldSequenceNo, seq).
			Msg("failed to queue message for archival")
	}

	status := domain.DeliveryArchivedOnly
	if delivered {
		status = domain.DeliveryDelivered
	}
	client.SendMessage(&domain.MessageSentMessage{
		Type:   domain.MsgTypeMessageSent,
		RoomID: room.ID,
		Status: status,
	})
}

// roomMeta assembles the participant metadata for archival, picking up
// DIDs from whichever participants are currently connected.
func (s *sessionService) roomMeta(room *domain.Room) archive.RoomMeta {
	meta := archive.RoomMeta{
		RoomID:    room.ID,
		User:      domain.ParticipantInfo{ID: room.UserID},
		Therapist: domain.ParticipantInfo{ID: room.TherapistID},
	}
	if c, ok := s.hub.Lookup(room.UserID); ok {
		if p, bound := c.Participant(); bound {
			meta.User.DID = p.DID
		}
	}
	if c, ok := s.hub.Lookup(room.TherapistID); ok {
		if p, bound := c.Participant(); bound {
			meta.Therapist.DID = p.DID
		}
	}
	return meta
}

// HandleCloseRoom ends the session. The message log becomes read-only;
// the archived history stays available.
func (s *sessionService) HandleCloseRoom(ctx context.Context, client *hub.Client, msg *domain.CloseRoomMessage) {
	l := log.Ctx(ctx)

	sender, bound := client.Participant()
	if !bound {
		client.SendMessage(domain.NewErrorMessage("connection is not bound to a participant"))
		return
	}

	s.mu.Lock()
	room, ok := s.rooms[msg.RoomID]
	s.mu.Unlock()
	if !ok {
		client.SendMessage(domain.NewErrorMessage("unknown room"))
		return
	}
	if !room.HasParticipant(sender.ID) {
		client.SendMessage(domain.NewErrorMessage("sender is not a participant of the room"))
		return
	}

	room.Close()

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, room.ID); err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, room.ID).Msg("shard deregistration failed")
		}
	}

	closed := &domain.CloseRoomMessage{
		Type:   domain.MsgTypeCloseRoom,
		RoomID: room.ID,
		Time:   time.Now().UnixMilli(),
	}
	s.hub.Deliver(room.UserID, closed)
	s.hub.Deliver(room.TherapistID, closed)

	l.Info().Str(log.FieldRoomID, room.ID).Msg("room closed")
}

// StartJanitor expires unresolved appointment requests past their TTL and
// tells the requesting user. A zero TTL disables expiry.
func (s *sessionService) StartJanitor(ctx context.Context) {
	if s.cfg.RequestTTL <= 0 {
		return
	}

	interval := s.cfg.RequestTTL / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireRequests()
			}
		}
	}()
}

func (s *sessionService) expireRequests() {
	cutoff := time.Now().UTC().Add(-s.cfg.RequestTTL)

	s.mu.Lock()
	expired := make([]*pendingRequest, 0)
	for key, req := range s.requests {
		if req.RequestedAt.Before(cutoff) {
			expired = append(expired, req)
			delete(s.requests, key)
		}
	}
	s.mu.Unlock()

	l := log.L()
	for _, req := range expired {
		s.hub.Deliver(req.UserID, domain.NewErrorMessage("appointment request expired"))
		l.Info().
			Str(log.FieldParticipantID, req.UserID).
			Str("therapist_id", req.TherapistID).
			Msg("appointment request expired")
	}
}
