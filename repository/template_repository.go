package repository

import (
	"context"
	"errors"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateRepositoryImpl implements TemplateRepository interface
type TemplateRepositoryImpl struct {
	*BaseRepository[models.MessageTemplate, struct{}]
}

// NewTemplateRepository creates a new template repository for tenant partitions
func NewTemplateRepository() TemplateRepository {
	return &TemplateRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.MessageTemplate, struct{}](),
	}
}

// ByUUID retrieves a template by UUID
func (r *TemplateRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.MessageTemplate, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var tpl models.MessageTemplate
	if err := db.Where("uuid = ?", id).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tpl, nil
}

// Link attaches a template to a campaign; relinking updates the weight
func (r *TemplateRepositoryImpl) Link(ctx context.Context, campaignID, templateID uint, weight int) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	if weight < 1 {
		weight = 1
	}
	link := &models.CampaignTemplate{
		CampaignID: campaignID,
		TemplateID: templateID,
		Weight:     weight,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "template_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight"}),
	}).Create(link).Error
}
