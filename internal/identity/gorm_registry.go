package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brainDensed/theramine-session/pkg/log"
)

// DIDRecord maps a stable participant identifier to its DID.
type DIDRecord struct {
	Identifier string    `gorm:"primaryKey;size:128"`
	DID        string    `gorm:"uniqueIndex;size:128"`
	CreatedAt  time.Time
}

func (DIDRecord) TableName() string {
	return "did_records"
}

// GormRegistry is a database-backed Registry. It stands in for the
// on-chain registry in deployments without a chain connector and keeps
// resolution idempotent: one identifier always maps to one DID.
type GormRegistry struct {
	db *gorm.DB
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Resolve(ctx context.Context, identifier string) (string, bool, error) {
	l := log.Ctx(ctx)

	var rec DIDRecord
	err := r.db.WithContext(ctx).First(&rec, "identifier = ?", identifier).Error
	if err == nil {
		return rec.DID, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("failed to look up DID: %w", err)
	}

	rec = DIDRecord{
		Identifier: identifier,
		DID:        "did:theramine:" + uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// A concurrent Resolve may have won the insert; re-read.
		var existing DIDRecord
		if lookupErr := r.db.WithContext(ctx).First(&existing, "identifier = ?", identifier).Error; lookupErr == nil {
			return existing.DID, false, nil
		}
		return "", false, fmt.Errorf("failed to register DID: %w", err)
	}

	l.Info().Str("did", rec.DID).Msg("DID registered")
	return rec.DID, true, nil
}
