package domain

import "time"

// ArchivedMessage is a chat message as persisted in a snapshot.
type ArchivedMessage struct {
	Sender     string    `json:"sender"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	SequenceNo uint64    `json:"sequenceNo"`
}

// Snapshot is a complete, timestamped copy of a room's message log as
// written to the content-addressed store. A new write supersedes but never
// deletes the previous durable copy; the current snapshot for a room is
// resolved through the archive index, not a cached pointer.
type Snapshot struct {
	RoomID        string            `json:"roomId"`
	Messages      []ArchivedMessage `json:"messages"`
	MessageCount  int               `json:"messageCount"`
	LastUpdated   time.Time         `json:"lastUpdated"`
	CreatedAt     time.Time         `json:"createdAt"`
	UserInfo      ParticipantInfo   `json:"userInfo"`
	TherapistInfo ParticipantInfo   `json:"therapistInfo"`
}

// ParticipantInfo is the participant metadata embedded in a snapshot.
type ParticipantInfo struct {
	ID  string `json:"id"`
	DID string `json:"did,omitempty"`
}

// RoomArchiveInfo is the listing metadata for a room's current snapshot,
// used by the history browser.
type RoomArchiveInfo struct {
	RoomID       string    `json:"roomId"`
	ContentID    string    `json:"contentId"`
	MessageCount int       `json:"messageCount"`
	LastUpdated  time.Time `json:"lastUpdated"`
	UserID       string    `json:"userId"`
	TherapistID  string    `json:"therapistId"`
}

// MoreRecentThan reports whether s should be considered the newer snapshot
// relative to other: later lastUpdated wins, ties broken by the larger
// message count.
func (s *Snapshot) MoreRecentThan(other *Snapshot) bool {
	if !s.LastUpdated.Equal(other.LastUpdated) {
		return s.LastUpdated.After(other.LastUpdated)
	}
	return s.MessageCount > other.MessageCount
}
