package repository

import (
	"context"
	"errors"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PhoneHistoryRepositoryImpl implements PhoneHistoryRepository interface
type PhoneHistoryRepositoryImpl struct {
	*BaseRepository[models.PhoneNumberHistory, struct{}]
}

// NewPhoneHistoryRepository creates a new phone history repository for tenant partitions
func NewPhoneHistoryRepository() PhoneHistoryRepository {
	return &PhoneHistoryRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.PhoneNumberHistory, struct{}](),
	}
}

// ByPhone returns the reputation row of a phone, or nil if it was never seen
func (r *PhoneHistoryRepositoryImpl) ByPhone(ctx context.Context, phone string) (*models.PhoneNumberHistory, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var history models.PhoneNumberHistory
	if err := db.Where("phone = ?", phone).First(&history).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &history, nil
}

// Upsert writes the reputation of a phone, replacing the previous verdict
func (r *PhoneHistoryRepositoryImpl) Upsert(ctx context.Context, history *models.PhoneNumberHistory) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	history.UpdatedAt = utils.UTCNow()
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "phone"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"whatsapp_status", "country", "risk_level", "is_flagged", "failure_reasons", "updated_at",
		}),
	}).Create(history).Error
}
