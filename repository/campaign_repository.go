package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRepositoryImpl implements CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository for tenant partitions
func NewCampaignRepository() CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.Campaign, models.CampaignFilter](),
	}
}

// ByUUID retrieves a campaign by UUID
func (r *CampaignRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	items, err := r.ByFilter(ctx, models.CampaignFilter{UUID: &id}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// ByIDForUpdate reads a campaign under a row lock; meaningful only inside a transaction
func (r *CampaignRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var campaign models.Campaign
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &campaign, nil
}

func (r *CampaignRepositoryImpl) applyFilter(query *gorm.DB, filter models.CampaignFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.StartAtBefore != nil {
		query = query.Where("start_at IS NOT NULL AND start_at <= ?", *filter.StartAtBefore)
	}
	if filter.BatchOverdue != nil {
		query = query.Where("status = ? AND next_batch_at IS NOT NULL AND next_batch_at < ?",
			models.CampaignStatusRunning, *filter.BatchOverdue)
	}
	return query
}

// ByFilter retrieves campaigns based on filter criteria
func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := r.applyFilter(db.Model(&models.Campaign{}), filter)
	query = paginate(query, orderBy, "id DESC", limit, offset)

	var campaigns []*models.Campaign
	if err := query.Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

// Count returns the number of campaigns matching the filter
func (r *CampaignRepositoryImpl) Count(ctx context.Context, filter models.CampaignFilter) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.applyFilter(db.Model(&models.Campaign{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any campaign matching the filter exists
func (r *CampaignRepositoryImpl) Exists(ctx context.Context, filter models.CampaignFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// TransitionStatus moves the campaign to `to` only while its status is one of `from`.
// It reports whether this call performed the transition.
func (r *CampaignRepositoryImpl) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, extra map[string]any) (bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}

	updates := map[string]any{}
	for k, v := range extra {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = utils.UTCNow()

	result := db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateFields updates specific fields of a campaign
func (r *CampaignRepositoryImpl) UpdateFields(ctx context.Context, id uint, updates map[string]any) error {
	if id == 0 {
		return errors.New("campaign ID is required for update")
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}

	updates["updated_at"] = utils.UTCNow()
	result := db.Model(&models.Campaign{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("campaign not found with ID: %d", id)
	}
	return nil
}

// IncrementTotals adds to the sent/failed counters in place
func (r *CampaignRepositoryImpl) IncrementTotals(ctx context.Context, id uint, sent, failed int) error {
	if sent == 0 && failed == 0 {
		return nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_sent":   gorm.Expr("total_sent + ?", sent),
			"total_failed": gorm.Expr("total_failed + ?", failed),
			"updated_at":   utils.UTCNow(),
		}).Error
}

// SetBatchToken arms the next batch; any task holding an older token becomes stale
func (r *CampaignRepositoryImpl) SetBatchToken(ctx context.Context, id uint, token uuid.UUID, nextBatchAt time.Time) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"batch_token":   token,
			"next_batch_at": nextBatchAt,
			"updated_at":    utils.UTCNow(),
		}).Error
}

// ConsumeBatchToken clears the token if it still matches. Exactly one caller wins.
func (r *CampaignRepositoryImpl) ConsumeBatchToken(ctx context.Context, id uint, token uuid.UUID) (bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}
	result := db.Model(&models.Campaign{}).
		Where("id = ? AND batch_token = ?", id, token).
		Updates(map[string]any{
			"batch_token": nil,
			"updated_at":  utils.UTCNow(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
