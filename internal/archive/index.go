package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNoSnapshot is returned when a room has no archived snapshot yet.
var ErrNoSnapshot = errors.New("archive: no snapshot for room")

// SnapshotRecord is one row in the archive index: a pointer from a room to
// a snapshot blob in the content-addressed store. Rows are append-only; the
// current snapshot for a room is the most recent row, never an updated one.
type SnapshotRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	RoomID       string    `gorm:"index;size:256;not null"`
	ContentID    string    `gorm:"size:64;not null"`
	MessageCount int       `gorm:"not null"`
	LastUpdated  time.Time `gorm:"index;not null"`
	UserID       string    `gorm:"index;size:128"`
	TherapistID  string    `gorm:"index;size:128"`
	CreatedAt    time.Time
}

func (SnapshotRecord) TableName() string {
	return "snapshot_records"
}

// SnapshotIndex resolves room ids to snapshot content ids.
type SnapshotIndex interface {
	Insert(ctx context.Context, rec *SnapshotRecord) error
	Latest(ctx context.Context, roomID string) (*SnapshotRecord, error)
	// ListByParticipant returns the latest record per room in which the
	// participant appears as either user or therapist.
	ListByParticipant(ctx context.Context, participantID string) ([]SnapshotRecord, error)
}

type GormIndex struct {
	db *gorm.DB
}

func NewGormIndex(db *gorm.DB) *GormIndex {
	return &GormIndex{db: db}
}

func (i *GormIndex) Insert(ctx context.Context, rec *SnapshotRecord) error {
	if err := i.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert snapshot record: %w", err)
	}
	return nil
}

func (i *GormIndex) Latest(ctx context.Context, roomID string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := i.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("last_updated DESC").
		Order("message_count DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot record: %w", err)
	}
	return &rec, nil
}

func (i *GormIndex) ListByParticipant(ctx context.Context, participantID string) ([]SnapshotRecord, error) {
	var recs []SnapshotRecord
	err := i.db.WithContext(ctx).
		Where("user_id = ? OR therapist_id = ?", participantID, participantID).
		Order("last_updated DESC").
		Order("message_count DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot records: %w", err)
	}

	// Keep only the newest record per room; ordering guarantees it comes first.
	seen := make(map[string]struct{}, len(recs))
	latest := make([]SnapshotRecord, 0, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.RoomID]; ok {
			continue
		}
		seen[rec.RoomID] = struct{}{}
		latest = append(latest, rec)
	}
	return latest, nil
}
