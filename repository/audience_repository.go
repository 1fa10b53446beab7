package repository

import (
	"context"
	"errors"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AudienceRepositoryImpl implements AudienceRepository interface
type AudienceRepositoryImpl struct {
	*BaseRepository[models.Audience, struct{}]
}

// NewAudienceRepository creates a new audience repository for tenant partitions
func NewAudienceRepository() AudienceRepository {
	return &AudienceRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.Audience, struct{}](),
	}
}

// ByUUID retrieves an audience by UUID
func (r *AudienceRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Audience, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var audience models.Audience
	if err := db.Where("uuid = ?", id).First(&audience).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &audience, nil
}

// SaveMembers inserts members; a phone already in the audience is skipped
func (r *AudienceRepositoryImpl) SaveMembers(ctx context.Context, members []*models.AudienceMember) error {
	if len(members) == 0 {
		return nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(members, 500).Error
}

// Members pages through an audience in insertion order
func (r *AudienceRepositoryImpl) Members(ctx context.Context, audienceID uint, limit, offset int) ([]*models.AudienceMember, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := paginate(db.Where("audience_id = ?", audienceID), "", "id ASC", limit, offset)

	var members []*models.AudienceMember
	if err := query.Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// CountMembers returns the audience size
func (r *AudienceRepositoryImpl) CountMembers(ctx context.Context, audienceID uint) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&models.AudienceMember{}).Where("audience_id = ?", audienceID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
