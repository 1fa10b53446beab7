// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"gorm.io/gorm"
)

// SenderRepositoryImpl implements SenderRepository interface
type SenderRepositoryImpl struct {
	*BaseRepository[models.Sender, models.SenderFilter]
}

// NewSenderRepository creates a new sender repository for tenant partitions
func NewSenderRepository() SenderRepository {
	return &SenderRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.Sender, models.SenderFilter](),
	}
}

// ByName retrieves a sender by its tenant-unique name
func (r *SenderRepositoryImpl) ByName(ctx context.Context, tenantID uint, name string) (*models.Sender, error) {
	items, err := r.ByFilter(ctx, models.SenderFilter{TenantID: &tenantID, SenderName: &name}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// ByExternalID retrieves a sender by provider instance id
func (r *SenderRepositoryImpl) ByExternalID(ctx context.Context, externalID string) (*models.Sender, error) {
	items, err := r.ByFilter(ctx, models.SenderFilter{ExternalID: &externalID}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// applyFilter applies filter criteria to a GORM query
func (r *SenderRepositoryImpl) applyFilter(query *gorm.DB, filter models.SenderFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.SenderName != nil {
		query = query.Where("sender_name = ?", *filter.SenderName)
	}
	if len(filter.SenderNames) > 0 {
		query = query.Where("sender_name IN ?", filter.SenderNames)
	}
	if filter.ExternalID != nil {
		query = query.Where("external_id = ?", *filter.ExternalID)
	}
	if filter.ConnectionState != nil {
		query = query.Where("connection_state = ?", *filter.ConnectionState)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	return query
}

// ByFilter retrieves senders based on filter criteria
func (r *SenderRepositoryImpl) ByFilter(ctx context.Context, filter models.SenderFilter, orderBy string, limit, offset int) ([]*models.Sender, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := r.applyFilter(db.Model(&models.Sender{}), filter)
	query = paginate(query, orderBy, "id ASC", limit, offset)

	var senders []*models.Sender
	if err := query.Find(&senders).Error; err != nil {
		return nil, err
	}
	return senders, nil
}

// Count returns the number of senders matching the filter
func (r *SenderRepositoryImpl) Count(ctx context.Context, filter models.SenderFilter) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.applyFilter(db.Model(&models.Sender{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any sender matching the filter exists
func (r *SenderRepositoryImpl) Exists(ctx context.Context, filter models.SenderFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateFields updates mutable columns of a sender. shared_secret is never writable.
func (r *SenderRepositoryImpl) UpdateFields(ctx context.Context, id uint, updates map[string]any) error {
	if id == 0 {
		return errors.New("sender ID is required for update")
	}
	if _, ok := updates["shared_secret"]; ok {
		return errors.New("shared_secret is immutable")
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}

	updates["updated_at"] = utils.UTCNow()
	result := db.Model(&models.Sender{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sender not found with ID: %d", id)
	}
	return nil
}

// MarkDisconnected flips a sender to disconnected after an auth failure
func (r *SenderRepositoryImpl) MarkDisconnected(ctx context.Context, tenantID uint, name string) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.Sender{}).
		Where("tenant_id = ? AND sender_name = ?", tenantID, name).
		Updates(map[string]any{
			"connection_state": models.ConnectionDisconnected,
			"updated_at":       utils.UTCNow(),
		}).Error
}

// Deactivate removes a sender from the pool without deleting it
func (r *SenderRepositoryImpl) Deactivate(ctx context.Context, tenantID uint, name string) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.Sender{}).
		Where("tenant_id = ? AND sender_name = ?", tenantID, name).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": utils.UTCNow(),
		}).Error
}

// Delete removes the sender row
func (r *SenderRepositoryImpl) Delete(ctx context.Context, id uint) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Delete(&models.Sender{}, id).Error
}
