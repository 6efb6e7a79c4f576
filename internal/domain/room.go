package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomStatePending RoomState = "pending"
	RoomStateActive  RoomState = "active"
	RoomStateClosed  RoomState = "closed"
)

var (
	ErrRoomNotActive = errors.New("room is not active")
	ErrRoomClosed    = errors.New("room is closed")
	ErrNotInRoom     = errors.New("sender is not a participant of the room")
)

const roomIDPrefix = "room_"

var roomIDPattern = regexp.MustCompile(`^room_[^_]+_[^_]+$`)

// RoomID derives the canonical room identifier for an unordered participant
// pair. The two ids are sorted lexicographically before joining, so the
// result is identical regardless of which side initiates.
func RoomID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%s%s_%s", roomIDPrefix, lo, hi)
}

// ParseRoomID extracts the two participant ids from a room id.
func ParseRoomID(roomID string) (string, string, error) {
	if !roomIDPattern.MatchString(roomID) {
		return "", "", fmt.Errorf("invalid room id: %q", roomID)
	}
	parts := strings.SplitN(strings.TrimPrefix(roomID, roomIDPrefix), "_", 2)
	return parts[0], parts[1], nil
}

// IsValidRoomID reports whether the string has the canonical room id shape.
func IsValidRoomID(roomID string) bool {
	return roomIDPattern.MatchString(roomID)
}

// IsParticipant reports whether the id is one of the two participants the
// room id was derived from.
func IsParticipant(roomID, participantID string) bool {
	a, b, err := ParseRoomID(roomID)
	if err != nil {
		return false
	}
	return participantID == a || participantID == b
}

// OtherParticipant returns the counterpart of the given participant in a
// room, or an error when the participant is not part of the room.
func OtherParticipant(roomID, participantID string) (string, error) {
	a, b, err := ParseRoomID(roomID)
	if err != nil {
		return "", err
	}
	switch participantID {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", ErrNotInRoom
	}
}

// Room is the conversation context between exactly two participants. State
// transitions and sequence assignment are guarded by a single mutex so one
// room has a total order of accepted messages.
type Room struct {
	ID          string
	UserID      string
	TherapistID string
	CreatedAt   time.Time

	mu      sync.Mutex
	state   RoomState
	nextSeq uint64
}

// NewRoom creates a room in Pending state for a user/therapist pair.
func NewRoom(userID, therapistID string) *Room {
	return &Room{
		ID:          RoomID(userID, therapistID),
		UserID:      userID,
		TherapistID: therapistID,
		CreatedAt:   time.Now().UTC(),
		state:       RoomStatePending,
		nextSeq:     1,
	}
}

// State returns the current lifecycle state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Activate moves the room into Active state. Activating an already active
// room is a no-op; activating a closed room fails.
func (r *Room) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RoomStateClosed {
		return fmt.Errorf("room %s: %w", r.ID, ErrRoomClosed)
	}
	r.state = RoomStateActive
	return nil
}

// Close makes the message log read-only. Closing is terminal.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RoomStateClosed
}

// NextSequence assigns the next sequence number for an accepted message.
// Sequence numbers start at 1, are strictly increasing and gap-free for the
// lifetime of the room, and are never reused.
func (r *Room) NextSequence() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RoomStateClosed {
		return 0, fmt.Errorf("room %s: %w", r.ID, ErrRoomClosed)
	}
	if r.state != RoomStateActive {
		return 0, fmt.Errorf("room %s: %w", r.ID, ErrRoomNotActive)
	}
	seq := r.nextSeq
	r.nextSeq++
	return seq, nil
}

// HasParticipant reports whether the given id is one of the room's two
// participants.
func (r *Room) HasParticipant(participantID string) bool {
	return participantID == r.UserID || participantID == r.TherapistID
}
