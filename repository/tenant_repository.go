// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantRepositoryImpl implements TenantRepository interface
type TenantRepositoryImpl struct {
	*BaseRepository[models.Tenant, models.TenantFilter]
}

// NewTenantRepository creates a new tenant repository on the control partition
func NewTenantRepository(control *gorm.DB) TenantRepository {
	return &TenantRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Tenant, models.TenantFilter](control),
	}
}

// ByUUID retrieves a tenant by UUID
func (r *TenantRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	items, err := r.ByFilter(ctx, models.TenantFilter{UUID: &id}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (r *TenantRepositoryImpl) applyFilter(query *gorm.DB, filter models.TenantFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.Partition != nil {
		query = query.Where("partition = ?", *filter.Partition)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	return query
}

// ByFilter retrieves tenants based on filter criteria
func (r *TenantRepositoryImpl) ByFilter(ctx context.Context, filter models.TenantFilter, orderBy string, limit, offset int) ([]*models.Tenant, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := r.applyFilter(db.Model(&models.Tenant{}), filter)
	query = paginate(query, orderBy, "id ASC", limit, offset)

	var tenants []*models.Tenant
	if err := query.Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// Count returns the number of tenants matching the filter
func (r *TenantRepositoryImpl) Count(ctx context.Context, filter models.TenantFilter) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.applyFilter(db.Model(&models.Tenant{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any tenant matching the filter exists
func (r *TenantRepositoryImpl) Exists(ctx context.Context, filter models.TenantFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CampaignSettingsRepositoryImpl implements CampaignSettingsRepository
type CampaignSettingsRepositoryImpl struct {
	db *gorm.DB
}

// NewCampaignSettingsRepository creates a settings repository on the control partition
func NewCampaignSettingsRepository(control *gorm.DB) CampaignSettingsRepository {
	return &CampaignSettingsRepositoryImpl{db: control}
}

// ByTenantID returns the stored policy or nil when the tenant never saved one
func (r *CampaignSettingsRepositoryImpl) ByTenantID(ctx context.Context, tenantID uint) (*models.TenantCampaignSettings, error) {
	var s models.TenantCampaignSettings
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Upsert writes the whole policy row of a tenant
func (r *CampaignSettingsRepositoryImpl) Upsert(ctx context.Context, settings *models.TenantCampaignSettings) error {
	if settings == nil {
		return errors.New("settings payload is nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"selection_strategy", "max_per_hour", "max_per_day", "min_delay_s", "max_delay_s",
			"use_jitter", "rotate_after_n_messages", "cooldown_minutes",
			"auto_disable_on_failure", "failure_threshold", "updated_at",
		}),
	}).Create(settings).Error
}
