package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainDensed/theramine-session/internal/archive"
	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/internal/hub"
	"github.com/brainDensed/theramine-session/internal/identity"
	"github.com/brainDensed/theramine-session/pkg/cas"
)

// fakeIdentity mints DIDs in memory.
type fakeIdentity struct {
	mu   sync.Mutex
	dids map[string]string
}

func (f *fakeIdentity) Resolve(_ context.Context, identifier string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dids == nil {
		f.dids = make(map[string]string)
	}
	if did, ok := f.dids[identifier]; ok {
		return did, false, nil
	}
	did := "did:test:" + identifier
	f.dids[identifier] = did
	return did, true, nil
}

// fakeIndex is an in-memory archive.SnapshotIndex.
type fakeIndex struct {
	mu   sync.Mutex
	recs []archive.SnapshotRecord
}

func (f *fakeIndex) Insert(_ context.Context, rec *archive.SnapshotRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, *rec)
	return nil
}

func (f *fakeIndex) Latest(_ context.Context, roomID string) (*archive.SnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *archive.SnapshotRecord
	for i := range f.recs {
		rec := &f.recs[i]
		if rec.RoomID != roomID {
			continue
		}
		if best == nil || rec.LastUpdated.After(best.LastUpdated) ||
			(rec.LastUpdated.Equal(best.LastUpdated) && rec.MessageCount > best.MessageCount) {
			best = rec
		}
	}
	if best == nil {
		return nil, archive.ErrNoSnapshot
	}
	cp := *best
	return &cp, nil
}

func (f *fakeIndex) ListByParticipant(_ context.Context, participantID string) ([]archive.SnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []archive.SnapshotRecord
	for _, rec := range f.recs {
		if rec.UserID == participantID || rec.TherapistID == participantID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type testEnv struct {
	hub     *hub.Hub
	arc     *archive.Sync
	service SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	wsCfg := config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
	}
	h := hub.NewHub(wsCfg)
	go h.Run()

	arc := archive.NewSync(cas.NewMemoryStore(), &fakeIndex{}, nil, config.ArchiveConfig{
		QueueSize:      16,
		RetryMax:       1,
		RetryBaseDelay: time.Millisecond,
	})
	t.Cleanup(arc.Close)

	svc := NewSessionService(h, &fakeIdentity{}, identity.NewVerifier(""), arc, nil,
		config.SessionConfig{RequestTTL: 15 * time.Minute})

	return &testEnv{hub: h, arc: arc, service: svc}
}

// connect registers a bare client and runs the connection handshake.
func (e *testEnv) connect(t *testing.T, msg *domain.ConnectionMessage) *hub.Client {
	t.Helper()

	client := hub.NewClient("conn-"+msg.UserID+msg.TherapistID, e.hub, nil)
	e.hub.Register(client)
	e.service.HandleConnection(context.Background(), client, msg)
	return client
}

func (e *testEnv) connectUser(t *testing.T, userID string) *hub.Client {
	t.Helper()
	c := e.connect(t, &domain.ConnectionMessage{Type: domain.MsgTypeConnection, UserID: userID})
	ack := recvMsg(t, c)
	require.Equal(t, domain.MsgTypeConnectionAck, ack["type"])
	return c
}

func (e *testEnv) connectTherapist(t *testing.T, therapistID string) *hub.Client {
	t.Helper()
	c := e.connect(t, &domain.ConnectionMessage{Type: domain.MsgTypeConnection, TherapistID: therapistID})
	ack := recvMsg(t, c)
	require.Equal(t, domain.MsgTypeConnectionAck, ack["type"])
	return c
}

// recvMsg pops the next frame queued for the client's connection.
func recvMsg(t *testing.T, c *hub.Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertNoMsg(t *testing.T, c *hub.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleConnection_AcksWithDID(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t, &domain.ConnectionMessage{Type: domain.MsgTypeConnection, UserID: "alice"})
	ack := recvMsg(t, c)
	assert.Equal(t, domain.MsgTypeConnectionAck, ack["type"])
	assert.Equal(t, "did:test:alice", ack["did"])
	assert.Equal(t, domain.DIDStatusRegistered, ack["status"])

	// A repeat handshake resolves to the same DID.
	env.service.HandleConnection(context.Background(), c, &domain.ConnectionMessage{
		Type: domain.MsgTypeConnection, UserID: "alice",
	})
	ack = recvMsg(t, c)
	assert.Equal(t, "did:test:alice", ack["did"])
	assert.Equal(t, domain.DIDStatusAlreadyRegistered, ack["status"])
}

func TestHandleConnection_Unidentified(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t, &domain.ConnectionMessage{Type: domain.MsgTypeConnection})
	msg := recvMsg(t, c)
	assert.Equal(t, domain.MsgTypeError, msg["type"])
}

func TestAppointmentFlow_AcceptActivatesCanonicalRoom(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")

	env.service.HandleAppointmentRequest(context.Background(), user, &domain.AppointmentRequestMessage{
		Type: domain.MsgTypeAppointmentRequest, UserID: "alice", TherapistID: "0xbob",
	})

	req := recvMsg(t, therapist)
	assert.Equal(t, domain.MsgTypeAppointmentRequest, req["type"])
	assert.Equal(t, "alice", req["userId"])

	// The therapist supplies a legacy-shaped room id; the canonical one
	// must be used regardless.
	env.service.HandleAppointmentFixed(context.Background(), therapist, &domain.AppointmentFixedMessage{
		Type: domain.MsgTypeAppointmentFixed, UserID: "alice", TherapistID: "0xbob",
		RoomID: "alice_0xbob_1724900000",
	})

	wantRoom := domain.RoomID("alice", "0xbob")
	userFixed := recvMsg(t, user)
	therapistFixed := recvMsg(t, therapist)
	assert.Equal(t, domain.MsgTypeAppointmentFixed, userFixed["type"])
	assert.Equal(t, wantRoom, userFixed["roomId"])
	assert.Equal(t, wantRoom, therapistFixed["roomId"])

	// Chat flows with sequence numbers from 1.
	env.service.HandleChatMessage(context.Background(), user, &domain.ChatMessageIn{
		Type: domain.MsgTypeChat, RoomID: wantRoom, SenderID: "alice", Message: "hello",
	})

	chat := recvMsg(t, therapist)
	assert.Equal(t, domain.MsgTypeChat, chat["type"])
	assert.Equal(t, "alice", chat["sender"])
	assert.Equal(t, "hello", chat["message"])
	assert.Equal(t, float64(1), chat["sequenceNo"])

	sent := recvMsg(t, user)
	assert.Equal(t, domain.MsgTypeMessageSent, sent["type"])
	assert.Equal(t, domain.DeliveryDelivered, sent["status"])
}

func TestAppointmentRequest_HeldForOfflineTherapist(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")

	env.service.HandleAppointmentRequest(context.Background(), user, &domain.AppointmentRequestMessage{
		Type: domain.MsgTypeAppointmentRequest, UserID: "alice", TherapistID: "0xbob",
	})

	// Therapist comes online afterwards and still receives the request.
	therapist := env.connectTherapist(t, "0xbob")
	req := recvMsg(t, therapist)
	assert.Equal(t, domain.MsgTypeAppointmentRequest, req["type"])
	assert.Equal(t, "alice", req["userId"])
}

func TestAppointmentRequest_RepeatReplacesPending(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")

	for i := 0; i < 2; i++ {
		env.service.HandleAppointmentRequest(context.Background(), user, &domain.AppointmentRequestMessage{
			Type: domain.MsgTypeAppointmentRequest, UserID: "alice", TherapistID: "0xbob",
		})
		recvMsg(t, therapist)
	}

	env.service.HandleAppointmentFixed(context.Background(), therapist, &domain.AppointmentFixedMessage{
		Type: domain.MsgTypeAppointmentFixed, UserID: "alice", TherapistID: "0xbob",
	})
	recvMsg(t, user)
	recvMsg(t, therapist)

	// Only one pending request existed; a second acceptance is stale.
	env.service.HandleAppointmentFixed(context.Background(), therapist, &domain.AppointmentFixedMessage{
		Type: domain.MsgTypeAppointmentFixed, UserID: "alice", TherapistID: "0xbob",
	})
	assertNoMsg(t, user)
}

func TestAppointmentFlow_Reject(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")

	env.service.HandleAppointmentRequest(context.Background(), user, &domain.AppointmentRequestMessage{
		Type: domain.MsgTypeAppointmentRequest, UserID: "alice", TherapistID: "0xbob",
	})
	recvMsg(t, therapist)

	env.service.HandleAppointmentRejected(context.Background(), therapist, &domain.AppointmentRejectedMessage{
		Type: domain.MsgTypeAppointmentRejected, UserID: "alice", TherapistID: "0xbob",
	})

	rejected := recvMsg(t, user)
	assert.Equal(t, domain.MsgTypeAppointmentRejected, rejected["type"])

	// No room came into being; chat into the would-be room fails.
	env.service.HandleChatMessage(context.Background(), user, &domain.ChatMessageIn{
		Type: domain.MsgTypeChat, RoomID: domain.RoomID("alice", "0xbob"), SenderID: "alice", Message: "hi",
	})
	errMsg := recvMsg(t, user)
	assert.Equal(t, domain.MsgTypeError, errMsg["type"])
}

func TestChat_OfflinePeerArchivedOnly(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")
	roomID := activateRoom(t, env, user, therapist)

	// Therapist drops; room state survives.
	env.hub.Unregister(therapist)
	require.Eventually(t, func() bool { return !env.hub.IsOnline("0xbob") },
		2*time.Second, 10*time.Millisecond)

	env.service.HandleChatMessage(context.Background(), user, &domain.ChatMessageIn{
		Type: domain.MsgTypeChat, RoomID: roomID, SenderID: "alice", Message: "are you there?",
	})

	sent := recvMsg(t, user)
	assert.Equal(t, domain.MsgTypeMessageSent, sent["type"])
	assert.Equal(t, domain.DeliveryArchivedOnly, sent["status"])

	// The message reached the archive regardless of delivery.
	env.arc.Close()
	snap, err := env.arc.LoadLatest(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "are you there?", snap.Messages[0].Message)
	assert.Equal(t, uint64(1), snap.Messages[0].SequenceNo)
}

func TestChat_RejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")
	roomID := activateRoom(t, env, user, therapist)

	mallory := env.connectUser(t, "mallory")
	env.service.HandleChatMessage(context.Background(), mallory, &domain.ChatMessageIn{
		Type: domain.MsgTypeChat, RoomID: roomID, SenderID: "mallory", Message: "let me in",
	})

	errMsg := recvMsg(t, mallory)
	assert.Equal(t, domain.MsgTypeError, errMsg["type"])
	assertNoMsg(t, therapist)
}

func TestCloseRoom_MakesLogReadOnly(t *testing.T) {
	env := newTestEnv(t)
	user := env.connectUser(t, "alice")
	therapist := env.connectTherapist(t, "0xbob")
	roomID := activateRoom(t, env, user, therapist)

	env.service.HandleCloseRoom(context.Background(), user, &domain.CloseRoomMessage{
		Type: domain.MsgTypeCloseRoom, RoomID: roomID,
	})

	userClosed := recvMsg(t, user)
	therapistClosed := recvMsg(t, therapist)
	assert.Equal(t, domain.MsgTypeCloseRoom, userClosed["type"])
	assert.Equal(t, domain.MsgTypeCloseRoom, therapistClosed["type"])

	env.service.HandleChatMessage(context.Background(), user, &domain.ChatMessageIn{
		Type: domain.MsgTypeChat, RoomID: roomID, SenderID: "alice", Message: "too late",
	})
	errMsg := recvMsg(t, user)
	assert.Equal(t, domain.MsgTypeError, errMsg["type"])
}

// activateRoom walks the request/accept handshake and returns the room id.
func activateRoom(t *testing.T, env *testEnv, user, therapist *hub.Client) string {
	t.Helper()

	userP, _ := user.Participant()
	therapistP, _ := therapist.Participant()

	env.service.HandleAppointmentRequest(context.Background(), user, &domain.AppointmentRequestMessage{
		Type: domain.MsgTypeAppointmentRequest, UserID: userP.ID, TherapistID: therapistP.ID,
	})
	recvMsg(t, therapist)

	env.service.HandleAppointmentFixed(context.Background(), therapist, &domain.AppointmentFixedMessage{
		Type: domain.MsgTypeAppointmentFixed, UserID: userP.ID, TherapistID: therapistP.ID,
	})
	recvMsg(t, user)
	recvMsg(t, therapist)

	return domain.RoomID(userP.ID, therapistP.ID)
}
